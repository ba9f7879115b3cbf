package ipmask

import (
	"net/http"
	"slices"
	"strings"
	"testing"
)

func defaultPolicy() *HeaderPolicy {
	return NewHeaderPolicy(DefaultConfig().Headers)
}

func TestHeaderPolicy_RemovesPrivacyHeaders(t *testing.T) {
	p := defaultPolicy()

	in := http.Header{}
	for _, name := range PrivacyHeaders {
		in.Set(name, "203.0.113.7")
	}
	// Non-canonical and duplicated spellings must go too.
	in["x-forwarded-for"] = []string{"1.1.1.1", "2.2.2.2"}
	in["X-REAL-IP"] = []string{"3.3.3.3"}
	in.Add("Via", "1.1 other-proxy")
	in.Set("Accept", "text/html")

	out := p.Transform(in)

	for key := range out {
		for _, removed := range PrivacyHeaders {
			if strings.EqualFold(key, removed) {
				t.Errorf("outbound headers still contain %q", key)
			}
		}
	}
	if out.Get("Accept") != "text/html" {
		t.Errorf("Accept = %q, want text/html", out.Get("Accept"))
	}
}

func TestHeaderPolicy_RemovesFramingHeaders(t *testing.T) {
	p := &HeaderPolicy{}

	in := http.Header{
		"Host":                {"client.example"},
		"Content-Length":      {"12"},
		"Connection":          {"keep-alive, X-Secret-Hop"},
		"X-Secret-Hop":        {"1"},
		"Proxy-Authorization": {"Basic Zm9vOmJhcg=="},
		"Proxy-Connection":    {"keep-alive"},
		"Keep-Alive":          {"timeout=5"},
		"Transfer-Encoding":   {"chunked"},
		"Upgrade":             {"websocket"},
		"X-Target-Url":        {"http://example.com"},
		"Cookie":              {"a=b"},
	}

	out := p.Transform(in)

	for _, name := range []string{"Host", "Content-Length", "Connection", "X-Secret-Hop",
		"Proxy-Authorization", "Proxy-Connection", "Keep-Alive", "Transfer-Encoding",
		"Upgrade", TargetURLHeader} {
		if _, ok := out[http.CanonicalHeaderKey(name)]; ok {
			t.Errorf("%s should be removed", name)
		}
	}
	if out.Get("Cookie") != "a=b" {
		t.Error("end-to-end headers should be kept")
	}
}

func TestHeaderPolicy_AddOverrides(t *testing.T) {
	p := &HeaderPolicy{
		Add: map[string]string{
			"accept-encoding": "gzip, deflate",
			"DNT":             "1",
		},
	}

	in := http.Header{"Accept-Encoding": {"br"}}
	out := p.Transform(in)

	if got := out.Values("Accept-Encoding"); !slices.Equal(got, []string{"gzip, deflate"}) {
		t.Errorf("Accept-Encoding = %v, want [gzip, deflate]", got)
	}
	if out.Get("Dnt") != "1" {
		t.Errorf("DNT = %q, want 1", out.Get("Dnt"))
	}
}

func TestHeaderPolicy_UserAgent(t *testing.T) {
	pool := []string{"ua-0", "ua-1", "ua-2"}

	tests := []struct {
		name    string
		policy  *HeaderPolicy
		inbound http.Header
		want    string
	}{
		{
			name:    "injected when missing",
			policy:  &HeaderPolicy{UserAgents: pool, Intn: func(int) int { return 2 }},
			inbound: http.Header{},
			want:    "ua-2",
		},
		{
			name:    "client value kept",
			policy:  &HeaderPolicy{UserAgents: pool, Intn: func(int) int { return 0 }},
			inbound: http.Header{"User-Agent": {"curl/8.0"}},
			want:    "curl/8.0",
		},
		{
			name:    "explicit empty value kept",
			policy:  &HeaderPolicy{UserAgents: pool, Intn: func(int) int { return 1 }},
			inbound: http.Header{"User-Agent": {""}},
			want:    "",
		},
		{
			name:    "empty pool leaves it absent",
			policy:  &HeaderPolicy{},
			inbound: http.Header{},
			want:    "",
		},
		{
			name: "override wins over pool",
			policy: &HeaderPolicy{
				Add:        map[string]string{"User-Agent": "fixed"},
				UserAgents: pool,
				Intn:       func(int) int { return 1 },
			},
			inbound: http.Header{},
			want:    "fixed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.policy.Transform(tt.inbound)
			if got := out.Get("User-Agent"); got != tt.want {
				t.Errorf("User-Agent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHeaderPolicy_RandomSelectionInPool(t *testing.T) {
	p := &HeaderPolicy{UserAgents: DefaultUserAgents}
	for range 50 {
		ua := p.Transform(nil).Get("User-Agent")
		if !slices.Contains(DefaultUserAgents, ua) {
			t.Fatalf("User-Agent %q not from pool", ua)
		}
	}
}

func TestHeaderPolicy_InboundUnmodified(t *testing.T) {
	p := defaultPolicy()
	in := http.Header{"X-Forwarded-For": {"1.2.3.4"}, "Host": {"h"}}

	_ = p.Transform(in)

	if in.Get("X-Forwarded-For") != "1.2.3.4" || in.Get("Host") != "h" {
		t.Error("Transform must not modify its input")
	}
}
