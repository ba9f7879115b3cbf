package ipmask

import (
	"net"
	"net/url"
	"strings"
)

// DomainFilter decides whether a target host may be reached. A host is
// refused when it matches the blocklist, or when an allowlist is present
// and the host does not match it. Both lists accept exact domains and
// "*.example.com" wildcards, which match the domain and every subdomain.
//
// A DomainFilter is built once from configuration and is safe for
// concurrent use.
type DomainFilter struct {
	blocked domainSet
	allowed domainSet
}

type domainSet struct {
	exact     map[string]struct{}
	wildcards []string // stored without the "*." prefix
}

func newDomainSet(domains []string) domainSet {
	s := domainSet{exact: make(map[string]struct{})}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		switch {
		case d == "":
		case strings.HasPrefix(d, "*."):
			s.wildcards = append(s.wildcards, d[2:])
		default:
			s.exact[d] = struct{}{}
		}
	}
	return s
}

func (s domainSet) empty() bool {
	return len(s.exact) == 0 && len(s.wildcards) == 0
}

func (s domainSet) match(host string) bool {
	if _, ok := s.exact[host]; ok {
		return true
	}
	for _, pattern := range s.wildcards {
		if host == pattern || strings.HasSuffix(host, "."+pattern) {
			return true
		}
	}
	return false
}

// NewDomainFilter creates a filter from block and allow lists. It returns
// nil when both lists are empty.
func NewDomainFilter(blocked, allowed []string) *DomainFilter {
	f := &DomainFilter{
		blocked: newDomainSet(blocked),
		allowed: newDomainSet(allowed),
	}
	if f.blocked.empty() && f.allowed.empty() {
		return nil
	}
	return f
}

// ShouldBlock reports whether host (optionally with a port) is refused,
// along with a short reason.
func (f *DomainFilter) ShouldBlock(host string) (bool, string) {
	if f == nil {
		return false, ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")

	if f.blocked.match(host) {
		return true, "domain blocked"
	}
	if !f.allowed.empty() && !f.allowed.match(host) {
		return true, "domain not allowed"
	}
	return false, ""
}

// ShouldBlockURL applies ShouldBlock to the host of a target URL. Targets
// that do not parse are left for the dispatcher to reject.
func (f *DomainFilter) ShouldBlockURL(target string) (bool, string) {
	if f == nil {
		return false, ""
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return false, ""
	}
	return f.ShouldBlock(u.Host)
}
