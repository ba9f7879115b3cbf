package ipmask

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ProxyEndpoint is one upstream proxy in the chain pool. HTTP is used for
// plain-HTTP targets and HTTPS for https targets and CONNECT tunnels; when
// only one is configured it serves both schemes.
type ProxyEndpoint struct {
	// HTTP is the proxy URI for http:// targets (e.g., "http://proxy:3128").
	HTTP string

	// HTTPS is the proxy URI for https:// targets.
	HTTPS string

	// Auth is optional basic-auth credentials for the upstream proxy.
	Auth *UpstreamAuth

	httpURL  *url.URL
	httpsURL *url.URL
	id       string
}

// UpstreamAuth holds basic-auth credentials for an upstream proxy.
type UpstreamAuth struct {
	Username string
	Password string
}

// NewProxyEndpoint parses and validates an endpoint. At least one of
// httpURI and httpsURI must be set. Credentials embedded in a URI are used
// when auth is nil.
func NewProxyEndpoint(httpURI, httpsURI string, auth *UpstreamAuth) (*ProxyEndpoint, error) {
	if httpURI == "" && httpsURI == "" {
		return nil, fmt.Errorf("upstream proxy needs an http or https URI")
	}

	ep := &ProxyEndpoint{
		HTTP:  httpURI,
		HTTPS: httpsURI,
		Auth:  auth,
		id:    httpURI + "_" + httpsURI,
	}

	var err error
	if httpURI != "" {
		if ep.httpURL, err = parseProxyURL(httpURI); err != nil {
			return nil, err
		}
	}
	if httpsURI != "" {
		if ep.httpsURL, err = parseProxyURL(httpsURI); err != nil {
			return nil, err
		}
	}
	if ep.httpURL == nil {
		ep.httpURL = ep.httpsURL
	}
	if ep.httpsURL == nil {
		ep.httpsURL = ep.httpURL
	}

	if ep.Auth == nil {
		for _, u := range []*url.URL{ep.httpURL, ep.httpsURL} {
			if u.User != nil {
				pass, _ := u.User.Password()
				ep.Auth = &UpstreamAuth{Username: u.User.Username(), Password: pass}
				break
			}
		}
	}

	return ep, nil
}

func parseProxyURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream proxy scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream proxy URL %q has no host", redactURL(raw))
	}
	return u, nil
}

// ID returns the endpoint identifier used for failure tracking. It is
// derived from the two URIs only, so equal definitions share one identity.
func (ep *ProxyEndpoint) ID() string {
	if ep.id == "" {
		return ep.HTTP + "_" + ep.HTTPS
	}
	return ep.id
}

// String returns the identifier with any embedded credentials redacted.
func (ep *ProxyEndpoint) String() string {
	return redactURL(ep.HTTP) + "_" + redactURL(ep.HTTPS)
}

// ProxyURL returns the proxy URL to use for a target with the given scheme,
// carrying the endpoint credentials (or fallback when the endpoint has
// none) as userinfo so that [http.Transport] sends Proxy-Authorization.
func (ep *ProxyEndpoint) ProxyURL(scheme string, fallback *UpstreamAuth) *url.URL {
	base := ep.httpURL
	if scheme == "https" {
		base = ep.httpsURL
	}
	if base == nil {
		return nil
	}

	u := *base
	if auth := ep.effectiveAuth(fallback); auth != nil {
		u.User = url.UserPassword(auth.Username, auth.Password)
	}
	return &u
}

func (ep *ProxyEndpoint) effectiveAuth(fallback *UpstreamAuth) *UpstreamAuth {
	if ep.Auth != nil {
		return ep.Auth
	}
	return fallback
}

// DialConnect establishes a CONNECT tunnel through the endpoint's HTTPS
// proxy to addr. The returned connection carries raw bytes to the target;
// TLS between client and target passes through untouched.
func (ep *ProxyEndpoint) DialConnect(ctx context.Context, addr string, timeout time.Duration, fallback *UpstreamAuth) (net.Conn, error) {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	proxyURL := ep.httpsURL
	if proxyURL == nil {
		return nil, fmt.Errorf("endpoint %s has no proxy URI", ep)
	}

	host := proxyURL.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		if proxyURL.Scheme == "https" {
			host = host + ":443"
		} else {
			host = host + ":3128"
		}
	}

	dialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	var err error
	if proxyURL.Scheme == "https" {
		h, _, _ := net.SplitHostPort(host)
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: h}}
		conn, err = td.DialContext(ctx, "tcp", host)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy: %w", err)
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if auth := ep.effectiveAuth(fallback); auth != nil {
		connectReq.Header.Set("Proxy-Authorization", basicAuth(auth.Username, auth.Password))
	}

	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("upstream CONNECT returned %d", resp.StatusCode)
	}

	_ = conn.SetDeadline(time.Time{})

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, nil
	}
	return conn, nil
}

// bufferedConn wraps a net.Conn with buffered data that was read during
// the CONNECT handshake but not yet consumed.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
