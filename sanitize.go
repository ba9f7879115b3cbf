package ipmask

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
	"strings"
)

// sensitivePattern matches credential-looking key=value or key: value pairs
// such as password=hunter2, "token": "abc", or api_key=xyz.
var sensitivePattern = regexp.MustCompile(`(?i)\b([\w-]*(?:password|passwd|token|secret|key))(["']?\s*[:=]\s*["']?)[^"'\s&,;]+`)

// SanitizeLogData redacts credential-looking values from s so it can be
// written to logs or returned in error bodies.
func SanitizeLogData(s string) string {
	return sensitivePattern.ReplaceAllString(s, "${1}${2}***REDACTED***")
}

// redactURL strips userinfo from a raw URL string.
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***@" + raw[at+1:]
}

// MaskIP hides the trailing octets of an IPv4 address (or groups of an
// IPv6 address) for privacy-preserving logs. level is clamped to [1,3].
// Unparseable input yields "invalid.ip".
func MaskIP(addr string, level int) string {
	host := clientHost(addr)
	ip := net.ParseIP(host)
	if ip == nil {
		return "invalid.ip"
	}
	level = min(max(level, 1), 3)

	if v4 := ip.To4(); v4 != nil {
		octets := strings.Split(v4.String(), ".")
		for i := range level {
			octets[len(octets)-1-i] = "xxx"
		}
		return strings.Join(octets, ".")
	}

	parts := strings.Split(ip.String(), ":")
	n := min(level*2, len(parts)-1)
	for i := range n {
		parts[len(parts)-1-i] = "xxxx"
	}
	return strings.Join(parts, ":")
}

// HashIP returns a short salted digest of addr, stable across requests.
func HashIP(addr, salt string) string {
	sum := sha256.Sum256([]byte(clientHost(addr) + salt))
	return hex.EncodeToString(sum[:])[:16]
}

// clientHost returns the host part of a host:port address, or addr as-is.
func clientHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
