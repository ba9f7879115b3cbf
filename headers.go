package ipmask

import (
	"math/rand/v2"
	"net/http"
	"strings"
)

// TargetURLHeader names the header clients may use to specify the target.
const TargetURLHeader = "X-Target-URL"

// PrivacyHeaders are the forwarding and origin-revealing headers removed
// from every outbound request by default.
var PrivacyHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Originating-IP",
	"CF-Connecting-IP",
	"X-Forwarded-Proto",
	"X-Forwarded-Host",
	"X-Forwarded-Port",
	"Via",
	"Forwarded",
	"X-Client-IP",
	"X-Cluster-Client-IP",
	"X-Remote-Addr",
	"X-Remote-IP",
}

// DefaultUserAgents is the User-Agent pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

// framingHeaders are regenerated by the dispatcher and never forwarded
// verbatim, along with hop-by-hop headers and the proxy's own control header.
var framingHeaders = []string{
	"Host",
	"Content-Length",
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	TargetURLHeader,
}

// HeaderPolicy describes how inbound request headers are rewritten before
// dispatch. A policy is built once from configuration and shared read-only.
type HeaderPolicy struct {
	// Remove lists header names stripped from every request (case-insensitive).
	Remove []string

	// Add holds headers set on every request, overriding inbound values.
	Add map[string]string

	// UserAgents is the pool a User-Agent is drawn from when the request
	// carries none. Empty disables User-Agent injection.
	UserAgents []string

	// Intn returns a uniform random int in [0, n). Defaults to rand.IntN.
	// Tests replace it for deterministic selection.
	Intn func(n int) int
}

// NewHeaderPolicy builds a HeaderPolicy from configuration.
func NewHeaderPolicy(cfg HeadersConfig) *HeaderPolicy {
	return &HeaderPolicy{
		Remove:     cfg.Remove,
		Add:        cfg.Add,
		UserAgents: cfg.UserAgents,
	}
}

// Transform returns the outbound header set for inbound. inbound is not
// modified.
//
// Steps, in order: copy; drop every header in the removal set; drop
// framing and hop-by-hop headers (including any named by Connection);
// apply additions; inject a pooled User-Agent when none is present.
func (p *HeaderPolicy) Transform(inbound http.Header) http.Header {
	out := inbound.Clone()
	if out == nil {
		out = make(http.Header)
	}

	removeFold(out, p.Remove...)

	for _, v := range out.Values("Connection") {
		for name := range strings.SplitSeq(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				removeFold(out, name)
			}
		}
	}
	removeFold(out, framingHeaders...)

	for k, v := range p.Add {
		removeFold(out, k)
		out.Set(k, v)
	}

	if !hasFold(out, "User-Agent") && len(p.UserAgents) > 0 {
		out.Set("User-Agent", p.UserAgents[p.intn(len(p.UserAgents))])
	}

	return out
}

func (p *HeaderPolicy) intn(n int) int {
	if p.Intn != nil {
		return p.Intn(n)
	}
	return rand.IntN(n)
}

// removeFold deletes every key of h equal to one of names, ignoring case.
// Keys are compared directly rather than canonicalised, so headers
// inserted into the map without canonical casing are removed too.
func removeFold(h http.Header, names ...string) {
	for key := range h {
		for _, name := range names {
			if strings.EqualFold(key, name) {
				delete(h, key)
				break
			}
		}
	}
}

// hasFold reports whether name is present in h, even with an empty value.
func hasFold(h http.Header, name string) bool {
	for key := range h {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}
