package ipmask

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding values understood by the dispatcher.
const (
	EncodingGzip     = "gzip"
	EncodingXGzip    = "x-gzip"
	EncodingDeflate  = "deflate"
	EncodingBrotli   = "br"
	EncodingZstd     = "zstd"
	EncodingIdentity = "identity"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding the dispatcher
// cannot decode.
var ErrUnsupportedEncoding = fmt.Errorf("unsupported content encoding")

// decodeBody reverses the Content-Encoding header value on body. Multiple
// codings are undone last-applied first. limit caps the decoded size; zero
// means unlimited.
func decodeBody(contentEncoding string, body []byte, limit int64) ([]byte, error) {
	codings := parseContentEncoding(contentEncoding)
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		body, err = decodeOne(codings[i], body, limit)
		if err != nil {
			return nil, fmt.Errorf("decode %s body: %w", codings[i], err)
		}
	}
	return body, nil
}

func parseContentEncoding(header string) []string {
	var out []string
	for part := range strings.SplitSeq(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" && part != EncodingIdentity {
			out = append(out, part)
		}
	}
	return out
}

func decodeOne(encoding string, body []byte, limit int64) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case EncodingGzip, EncodingXGzip:
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer func() { _ = gr.Close() }()
		r = gr

	case EncodingDeflate:
		// Servers disagree on whether "deflate" means zlib-wrapped or raw
		// DEFLATE; try the RFC form first.
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(body))
			defer func() { _ = fr.Close() }()
			r = fr
		} else {
			defer func() { _ = zr.Close() }()
			r = zr
		}

	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(body))

	case EncodingZstd:
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}

	return readAllLimited(r, limit)
}

// readAllLimited reads r to EOF, failing once more than limit bytes are
// produced. A zero limit reads without bound.
func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}
