package ipmask

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// UpstreamResponse is a fully read upstream reply. Body is already
// decoded; Header still carries the upstream framing headers, which the
// response builder strips.
type UpstreamResponse struct {
	// Method is the method of the request that produced this reply.
	Method string

	StatusCode int
	Header     http.Header
	Body       []byte
}

// DispatchRequest describes one outbound call.
type DispatchRequest struct {
	Method string
	Target string
	Header http.Header
	Body   []byte

	// Query is merged into the target's own query string. Values for keys
	// already present in the target are appended after the target's.
	Query url.Values

	// Endpoint routes the call through an upstream proxy when non-nil.
	Endpoint *ProxyEndpoint
}

// Dispatcher issues forwarded requests on a pooled transport. It never
// follows redirects and always reads the full body.
type Dispatcher struct {
	// Transport carries every request. Required.
	Transport http.RoundTripper

	// Timeout bounds the whole call, including reading the body.
	// Zero means no timeout beyond the caller's context.
	Timeout time.Duration

	// MaxResponseSize caps the decoded body. Zero means no limit.
	MaxResponseSize int64
}

// NewDispatcher creates a Dispatcher over pool with settings from cfg.
func NewDispatcher(pool *TransportPool, cfg ProxyConfig) *Dispatcher {
	return &Dispatcher{
		Transport:       pool,
		Timeout:         cfg.Timeout,
		MaxResponseSize: cfg.MaxResponseSize,
	}
}

// Dispatch sends req and returns the complete upstream response. Every
// failure is a *DispatchError; Transport is set only for failures on the
// wire, never for a rejected target or an unusable response.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*UpstreamResponse, error) {
	var endpointID string
	if req.Endpoint != nil {
		endpointID = req.Endpoint.String()
	}
	fail := func(err error, transport bool) error {
		return &DispatchError{Target: redactURL(req.Target), Endpoint: endpointID, Transport: transport, Err: err}
	}

	target, err := parseTarget(req.Target)
	if err != nil {
		return nil, fail(err, false)
	}
	target.RawQuery = mergeQuery(target.Query(), req.Query).Encode()

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	// The transport's Proxy hook routes by the endpoint on the request
	// context; req.Endpoint is authoritative.
	rc := RequestContext{Method: req.Method, Target: req.Target}
	if cur := GetRequestContext(ctx); cur != nil {
		rc = *cur
	}
	rc.Endpoint = req.Endpoint
	ctx = WithRequestContext(ctx, &rc)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	outReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fail(fmt.Errorf("build request: %w", err), false)
	}
	if req.Header != nil {
		outReq.Header = req.Header.Clone()
	}

	resp, err := d.Transport.RoundTrip(outReq)
	if err != nil {
		return nil, fail(err, true)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := readAllLimited(resp.Body, d.MaxResponseSize)
	if err != nil {
		return nil, fail(fmt.Errorf("read response body: %w", err), !errors.Is(err, ErrResponseTooLarge))
	}

	decoded := raw
	if hasEncodedBody(req.Method, resp.StatusCode, raw) {
		decoded, err = decodeBody(resp.Header.Get("Content-Encoding"), raw, d.MaxResponseSize)
		if err != nil {
			return nil, fail(err, false)
		}
	}

	return &UpstreamResponse{
		Method:     req.Method,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       decoded,
	}, nil
}

// parseTarget accepts only absolute http and https URLs with a host.
func parseTarget(raw string) (*url.URL, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported target scheme %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, errors.New("target has no host")
	}
	return target, nil
}

// hasEncodedBody reports whether a reply carries a body to decode. HEAD
// replies, 204 and 304 keep Content-Encoding with nothing behind it.
func hasEncodedBody(method string, status int, raw []byte) bool {
	switch {
	case len(raw) == 0, method == http.MethodHead:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// mergeQuery appends extra's values to base, keeping base's order first.
func mergeQuery(base, extra url.Values) url.Values {
	if base == nil {
		base = make(url.Values)
	}
	for k, vv := range extra {
		base[k] = append(base[k], vv...)
	}
	return base
}
