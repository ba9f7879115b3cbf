package ipmask

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TargetSource records where the target URL of a request came from.
type TargetSource string

// Target sources, in resolution order.
const (
	SourceQuery    TargetSource = "query"
	SourceHeader   TargetSource = "header"
	SourceAbsolute TargetSource = "absolute"
	SourcePath     TargetSource = "path"
	SourceConnect  TargetSource = "connect"
)

// TargetQueryParam is the query parameter clients may use to name the target.
const TargetQueryParam = "url"

// RequestContext carries one inbound request through the pipeline. It is
// created when the request arrives and its method and target are fixed
// once resolved.
type RequestContext struct {
	// ID is a random request identifier, echoed as X-Request-ID.
	ID string

	// Method is the inbound HTTP method.
	Method string

	// Target is the resolved absolute target URL (host:port for CONNECT).
	Target string

	// Source is how Target was resolved.
	Source TargetSource

	// Header is the transformed outbound header set.
	Header http.Header

	// Body is the inbound body, read in full. May be empty.
	Body []byte

	// Query holds the parameters forwarded to the target.
	Query url.Values

	// ClientID identifies the client for rate limiting (host part of the
	// remote address).
	ClientID string

	// Endpoint is the chain endpoint selected for dispatch, if any.
	Endpoint *ProxyEndpoint

	// StartTime is when the request was first received.
	StartTime time.Time
}

type requestContextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// GetRequestContext retrieves the RequestContext from the context, or nil.
func GetRequestContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// ResolveTarget determines the absolute target URL of r. The first
// non-empty source wins:
//
//  1. the "url" query parameter;
//  2. the X-Target-URL header;
//  3. the absolute request URI of a forward-proxy request;
//  4. the request path without its leading slash, with "http://"
//     prepended when it carries no http or https scheme.
//
// The target is not validated; a malformed URL fails at dispatch.
func ResolveTarget(r *http.Request) (string, TargetSource, error) {
	if v := strings.TrimSpace(r.URL.Query().Get(TargetQueryParam)); v != "" {
		return v, SourceQuery, nil
	}
	if v := strings.TrimSpace(r.Header.Get(TargetURLHeader)); v != "" {
		return v, SourceHeader, nil
	}
	if r.URL.IsAbs() && r.URL.Host != "" {
		u := *r.URL
		u.RawQuery = ""
		u.ForceQuery = false
		u.Fragment = ""
		return u.String(), SourceAbsolute, nil
	}

	path := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	if path == "" {
		return "", "", ErrNoTargetSpecified
	}
	lower := strings.ToLower(path)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		path = "http://" + path
	}
	return path, SourcePath, nil
}

// forwardQuery returns the query parameters to send to the target. The
// url parameter is dropped when it named the target.
func forwardQuery(r *http.Request, source TargetSource) url.Values {
	q := r.URL.Query()
	if source == SourceQuery {
		q.Del(TargetQueryParam)
	}
	return q
}
