package ipmask

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// dialConnect opens a CONNECT tunnel to target through the proxy at addr.
func dialConnect(t *testing.T, addr, target string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	return conn, br, resp
}

func expectEcho(t *testing.T, conn net.Conn, br *bufio.Reader, msg string) {
	t.Helper()
	if _, err := io.WriteString(conn, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != msg {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
}

func TestProxy_ConnectDirect(t *testing.T) {
	echo := newEchoServer(t)
	p := newTestProxy(t, nil)
	srv := httptest.NewServer(p)
	defer srv.Close()

	conn, br, resp := dialConnect(t, srv.Listener.Addr().String(), echo)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status = %d, want 200", resp.StatusCode)
	}

	expectEcho(t, conn, br, "ping")
	expectEcho(t, conn, br, "opaque bytes \x00\x01\x02")

	if p.Stats.Requests() != 1 {
		t.Errorf("requests = %d, want 1", p.Stats.Requests())
	}
}

func TestProxy_ConnectViaChain(t *testing.T) {
	up := newConnectProxy(t, http.StatusOK)
	p := newTestProxy(t, func(c *Config) {
		c.Upstream.Proxies = []UpstreamProxyConfig{{HTTPS: up.URL(), Username: "u", Password: "p"}}
	})
	srv := httptest.NewServer(p)
	defer srv.Close()

	conn, br, resp := dialConnect(t, srv.Listener.Addr().String(), "secure.test:443")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status = %d, want 200", resp.StatusCode)
	}
	expectEcho(t, conn, br, "hello through chain")

	targets, auth := up.seen()
	if len(targets) != 1 || targets[0] != "secure.test:443" {
		t.Errorf("upstream CONNECT targets = %v", targets)
	}
	if len(auth) != 1 || auth[0] != basicAuth("u", "p") {
		t.Errorf("upstream Proxy-Authorization = %v", auth)
	}
}

func TestProxy_ConnectChainFailure(t *testing.T) {
	up := newConnectProxy(t, http.StatusForbidden)
	p := newTestProxy(t, func(c *Config) {
		c.Upstream.Proxies = []UpstreamProxyConfig{{HTTP: up.URL()}}
	})
	srv := httptest.NewServer(p)
	defer srv.Close()

	_, _, resp := dialConnect(t, srv.Listener.Addr().String(), "secure.test:443")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("CONNECT status = %d, want 502", resp.StatusCode)
	}
	if p.Chain.FailedCount() != 1 {
		t.Errorf("FailedCount = %d, want 1", p.Chain.FailedCount())
	}
}

func TestProxy_ConnectRefusals(t *testing.T) {
	p := newTestProxy(t, func(c *Config) {
		c.Filter.BlockedDomains = []string{"blocked.test"}
		c.RateLimit = RateLimitConfig{Enabled: true, MaxRequests: 2, Window: time.Minute}
	})

	connect := func(target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodConnect, target, nil)
		req.Host = target
		return serve(p, req)
	}

	// A bare host gets port 443 and is matched against the filter.
	if rec := connect("blocked.test"); rec.Code != http.StatusForbidden {
		t.Errorf("blocked CONNECT status = %d, want 403", rec.Code)
	}
	if rec := connect("127.0.0.1:1"); rec.Code != http.StatusBadGateway {
		t.Errorf("unreachable CONNECT status = %d, want 502", rec.Code)
	}
	rec := connect("127.0.0.1:1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third CONNECT status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
}

func TestProxy_ShutdownClosesTunnels(t *testing.T) {
	echo := newEchoServer(t)
	p := newTestProxy(t, nil)
	srv := httptest.NewServer(p)
	defer srv.Close()

	conn, br, resp := dialConnect(t, srv.Listener.Addr().String(), echo)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status = %d", resp.StatusCode)
	}
	expectEcho(t, conn, br, "before")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := br.ReadByte(); err == nil {
		t.Error("tunnel should be closed after Shutdown")
	}
}

func TestRelay_HalfClose(t *testing.T) {
	clientSide, clientProxy := net.Pipe()
	upstreamProxy, upstreamSide := net.Pipe()

	done := make(chan int64, 1)
	go func() { done <- relay(clientProxy, upstreamProxy) }()

	go func() {
		buf := make([]byte, 5)
		_, _ = io.ReadFull(upstreamSide, buf)
		_, _ = upstreamSide.Write([]byte("world!"))
		_ = upstreamSide.Close()
	}()

	_, _ = clientSide.Write([]byte("hello"))
	got, _ := io.ReadAll(clientSide)
	if string(got) != "world!" {
		t.Errorf("client received %q, want world!", got)
	}
	_ = clientSide.Close()

	select {
	case n := <-done:
		if n != 6 {
			t.Errorf("relay reported %d bytes, want 6", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish")
	}
}
