package ipmask

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// handleConnect serves a CONNECT request as an opaque TCP tunnel to the
// requested authority, either directly or through the next chain
// endpoint. TLS inside the tunnel is never terminated. It returns the
// number of bytes relayed to the client.
func (p *Proxy) handleConnect(w *trackingWriter, r *http.Request, rc *RequestContext) (int64, error) {
	target := r.Host
	if target == "" {
		target = r.URL.Host
	}
	if target == "" {
		return 0, ErrNoTargetSpecified
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	rc.Target, rc.Source = target, SourceConnect

	if err := p.admit(rc); err != nil {
		return 0, err
	}
	if blocked, reason := p.Filter.ShouldBlock(target); blocked {
		return 0, p.blocked(rc, reason)
	}

	rc.Endpoint, _ = p.Chain.Next()

	upstream, err := p.dialTunnel(r.Context(), rc)
	if err != nil {
		p.dispatchFailed(rc, err)
		return 0, err
	}
	defer func() { _ = upstream.Close() }()

	clientConn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return 0, fmt.Errorf("hijack: %w", err)
	}
	w.hijacked = true
	defer func() { _ = clientConn.Close() }()

	// The server's read and write deadlines would cut long-lived tunnels.
	_ = clientConn.SetDeadline(time.Time{})

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.Logger.Debug("write connect response", "request_id", rc.ID, "error", err)
		return 0, nil
	}

	// Bytes the client pipelined after the CONNECT line are already buffered.
	if n := brw.Reader.Buffered(); n > 0 {
		buffered, _ := brw.Reader.Peek(n)
		if _, err := upstream.Write(buffered); err != nil {
			return 0, nil
		}
	}

	p.tunnels.Store(clientConn, struct{}{})
	defer p.tunnels.Delete(clientConn)
	if p.Metrics != nil {
		p.Metrics.IncActiveTunnels()
		defer p.Metrics.DecActiveTunnels()
	}

	return relay(clientConn, upstream), nil
}

// dialTunnel opens the upstream side of a tunnel. Failures are reported
// as *DispatchError.
func (p *Proxy) dialTunnel(ctx context.Context, rc *RequestContext) (net.Conn, error) {
	timeout := p.Config.Proxy.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var (
		conn     net.Conn
		err      error
		endpoint string
	)
	if rc.Endpoint != nil {
		endpoint = rc.Endpoint.String()
		conn, err = rc.Endpoint.DialConnect(ctx, rc.Target, timeout, p.Pool.ProxyAuth)
	} else {
		d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		conn, err = d.DialContext(ctx, "tcp", rc.Target)
	}
	if err != nil {
		return nil, &DispatchError{Target: rc.Target, Endpoint: endpoint, Transport: true, Err: err}
	}
	return conn, nil
}

// relay copies bytes in both directions until either side closes, and
// returns the number of bytes sent to the client.
func relay(client, upstream net.Conn) int64 {
	var (
		wg   sync.WaitGroup
		down int64
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.Copy(upstream, client)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		down, _ = io.Copy(client, upstream)
		closeWrite(client)
	}()

	wg.Wait()
	return down
}

// closeWrite half-closes c when supported so the peer sees EOF while the
// other direction keeps flowing.
func closeWrite(c net.Conn) {
	if bc, ok := c.(*bufferedConn); ok {
		c = bc.Conn
	}
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
