package ipmask

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured record per inbound request.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger

	// MaskClientIP replaces the client address with MaskIP(addr, 1).
	MaskClientIP bool

	// HashSalt, when set, replaces the client address with HashIP(addr,
	// HashSalt). It takes precedence over MaskClientIP.
	HashSalt string
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was received.
	Timestamp time.Time

	// RequestID is the ID echoed in X-Request-ID.
	RequestID string

	// Method is the HTTP method (GET, POST, CONNECT, etc.).
	Method string

	// Host is the target hostname.
	Host string

	// Path is the target URL path.
	Path string

	// Scheme is "http" or "https".
	Scheme string

	// Source is how the target was resolved: query, header, path or absolute.
	Source string

	// StatusCode is the status written to the client.
	StatusCode int

	// Duration is the time to process the request.
	Duration time.Duration

	// BytesWritten is the response body size.
	BytesWritten int64

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Endpoint is the redacted chain endpoint, empty for direct dispatch.
	Endpoint string

	// Error is a description of any error that occurred.
	Error string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
func NewAccessLogger(logger *slog.Logger, maskClientIP bool) *AccessLogger {
	return &AccessLogger{logger: logger, MaskClientIP: maskClientIP}
}

// Log writes an access log entry using slog.LogAttrs to minimize allocations.
func (al *AccessLogger) Log(e AccessLogEntry) {
	if al == nil {
		return
	}

	client := e.ClientAddr
	switch {
	case al.HashSalt != "":
		client = HashIP(client, al.HashSalt)
	case al.MaskClientIP:
		client = MaskIP(client, 1)
	}

	attrs := make([]slog.Attr, 0, 13)
	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("request_id", e.RequestID),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("scheme", e.Scheme),
		slog.String("client", client),
		slog.Int("status", e.StatusCode),
		slog.Int64("bytes", e.BytesWritten),
		slog.Duration("duration", e.Duration),
	)

	if e.Source != "" {
		attrs = append(attrs, slog.String("source", e.Source))
	}
	if e.Endpoint != "" {
		attrs = append(attrs, slog.String("upstream", e.Endpoint))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", SanitizeLogData(e.Error)))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
