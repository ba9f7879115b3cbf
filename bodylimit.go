package ipmask

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Common body size constants for convenience.
const (
	KB = 1024
	MB = 1024 * KB
)

// BodyLimiter reads inbound request bodies in full, enforcing a maximum
// size. The limit is checked against Content-Length before any byte is
// read, then enforced on the stream for chunked or lying clients.
type BodyLimiter struct {
	// MaxSize is the maximum allowed request body size in bytes.
	// Zero means no limit.
	MaxSize int64
}

// NewBodyLimiter creates a BodyLimiter with the given maximum size.
func NewBodyLimiter(maxSize int64) *BodyLimiter {
	return &BodyLimiter{MaxSize: maxSize}
}

// ReadBody returns the whole request body. It returns an error wrapping
// ErrBodyTooLarge when the body exceeds MaxSize.
func (bl *BodyLimiter) ReadBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	limit := int64(0)
	if bl != nil {
		limit = bl.MaxSize
	}

	if limit > 0 && req.ContentLength > limit {
		return nil, fmt.Errorf("%w: content-length %d exceeds limit %d", ErrBodyTooLarge, req.ContentLength, limit)
	}

	var r io.Reader = req.Body
	if limit > 0 {
		r = &limitedReader{r: req.Body, remaining: limit, limit: limit}
	}

	body, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

// limitedReader fails with ErrBodyTooLarge once more than limit bytes
// are available, instead of silently truncating like io.LimitReader.
type limitedReader struct {
	r         io.Reader
	remaining int64
	limit     int64
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		// Peek to see if there's more data
		var peek [1]byte
		pn, perr := l.r.Read(peek[:])
		if pn > 0 {
			return 0, fmt.Errorf("%w: exceeded limit of %d bytes", ErrBodyTooLarge, l.limit)
		}
		return 0, perr
	}

	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}

	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
