package ipmask

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResponseBuilder_Build(t *testing.T) {
	up := &UpstreamResponse{
		StatusCode: http.StatusTeapot,
		Header: http.Header{
			"Content-Type":      {"text/plain"},
			"Content-Encoding":  {"gzip"},
			"Transfer-Encoding": {"chunked"},
			"Connection":        {"close"},
			"Content-Length":    {"999"},
			"Set-Cookie":        {"a=1", "b=2"},
		},
		Body: []byte("hello"),
	}

	out := ResponseBuilder{}.Build(up, "req-1")

	if out.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want %d", out.StatusCode, http.StatusTeapot)
	}
	if string(out.Body) != "hello" {
		t.Errorf("body = %q, want hello", out.Body)
	}
	for _, h := range []string{"Content-Encoding", "Transfer-Encoding", "Connection"} {
		if out.Header.Get(h) != "" {
			t.Errorf("%s should be stripped", h)
		}
	}
	if got := out.Header.Get("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %q, want 5", got)
	}
	if got := out.Header.Get(ProxiedByHeader); got != DefaultIdentification {
		t.Errorf("X-Proxied-By = %q, want %q", got, DefaultIdentification)
	}
	if got := out.Header.Get(RequestIDHeader); got != "req-1" {
		t.Errorf("X-Request-ID = %q, want req-1", got)
	}
	if got := out.Header.Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("Set-Cookie = %v, want both values", got)
	}
	if up.Header.Get("Content-Encoding") != "gzip" {
		t.Error("Build must not modify the upstream headers")
	}
}

func TestResponseBuilder_HeadKeepsContentLength(t *testing.T) {
	tests := []struct {
		name   string
		method string
		header http.Header
		want   string
	}{
		{"HEAD with upstream length", http.MethodHead, http.Header{"Content-Length": {"4096"}}, "4096"},
		{"HEAD without upstream length", http.MethodHead, http.Header{}, "0"},
		{"GET recomputes", http.MethodGet, http.Header{"Content-Length": {"4096"}}, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ResponseBuilder{}.Build(&UpstreamResponse{
				Method:     tt.method,
				StatusCode: http.StatusOK,
				Header:     tt.header,
			}, "")
			if got := out.Header.Get("Content-Length"); got != tt.want {
				t.Errorf("Content-Length = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResponseBuilder_Identification(t *testing.T) {
	out := ResponseBuilder{Identification: "Edge/2"}.Build(&UpstreamResponse{StatusCode: 200}, "")

	if got := out.Header.Get(ProxiedByHeader); got != "Edge/2" {
		t.Errorf("X-Proxied-By = %q, want Edge/2", got)
	}
	if out.Header.Get(RequestIDHeader) != "" {
		t.Error("empty request ID should not be echoed")
	}
	if out.Header.Get("Content-Length") != "0" {
		t.Errorf("Content-Length = %q, want 0", out.Header.Get("Content-Length"))
	}
}

func TestOutboundResponse_Write(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantBody string
	}{
		{"ok", http.StatusOK, "payload", "payload"},
		{"not found keeps body", http.StatusNotFound, "missing", "missing"},
		{"no content drops body", http.StatusNoContent, "ignored", ""},
		{"not modified drops body", http.StatusNotModified, "ignored", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ResponseBuilder{}.Build(&UpstreamResponse{
				StatusCode: tt.status,
				Header:     http.Header{"X-Upstream": {"1"}},
				Body:       []byte(tt.body),
			}, "id")

			rec := httptest.NewRecorder()
			n, err := out.Write(rec)
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if n != int64(len(tt.wantBody)) {
				t.Errorf("written = %d, want %d", n, len(tt.wantBody))
			}
			if rec.Header().Get("X-Upstream") != "1" {
				t.Error("upstream header should be copied")
			}
		})
	}
}
