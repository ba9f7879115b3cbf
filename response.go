package ipmask

import (
	"net/http"
	"strconv"
)

// DefaultIdentification is the X-Proxied-By value used when none is configured.
const DefaultIdentification = "CustomProxy/1.0"

// Response headers set by the builder.
const (
	ProxiedByHeader = "X-Proxied-By"
	RequestIDHeader = "X-Request-ID"
)

// builtResponseDrop are upstream headers that describe the upstream
// framing rather than the body the proxy sends.
var builtResponseDrop = []string{
	"Content-Encoding",
	"Transfer-Encoding",
	"Connection",
	"Content-Length",
	"Keep-Alive",
	"Proxy-Connection",
	"Trailer",
	"Upgrade",
}

// OutboundResponse is the response the proxy writes back to its client.
type OutboundResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ResponseBuilder turns an upstream reply into the client response.
type ResponseBuilder struct {
	// Identification is the X-Proxied-By value.
	Identification string
}

// Build copies status and body verbatim and the headers minus upstream
// framing. Content-Length is recomputed from the body, except for HEAD
// replies, which keep the length the upstream advertised. requestID, when
// non-empty, is echoed as X-Request-ID.
func (b ResponseBuilder) Build(up *UpstreamResponse, requestID string) *OutboundResponse {
	h := up.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	length := strconv.Itoa(len(up.Body))
	if up.Method == http.MethodHead {
		if cl := up.Header.Get("Content-Length"); cl != "" {
			length = cl
		}
	}
	removeFold(h, builtResponseDrop...)

	id := b.Identification
	if id == "" {
		id = DefaultIdentification
	}
	h.Set(ProxiedByHeader, id)
	if requestID != "" {
		h.Set(RequestIDHeader, requestID)
	}
	h.Set("Content-Length", length)

	return &OutboundResponse{
		StatusCode: up.StatusCode,
		Header:     h,
		Body:       up.Body,
	}
}

// Write sends the response to w and returns the number of body bytes
// written.
func (o *OutboundResponse) Write(w http.ResponseWriter) (int64, error) {
	dst := w.Header()
	for k, vv := range o.Header {
		dst[k] = append([]string(nil), vv...)
	}
	if !bodyAllowed(o.StatusCode) {
		dst.Del("Content-Length")
		w.WriteHeader(o.StatusCode)
		return 0, nil
	}
	w.WriteHeader(o.StatusCode)
	n, err := w.Write(o.Body)
	return int64(n), err
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
