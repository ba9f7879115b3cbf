package ipmask

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

func TestDecodeBody_Encodings(t *testing.T) {
	payload := []byte(strings.Repeat("anonymous payload ", 100))

	for _, enc := range []string{EncodingGzip, EncodingXGzip, EncodingDeflate, EncodingBrotli, EncodingZstd} {
		t.Run(enc, func(t *testing.T) {
			compressed, err := compressBody(payload, enc)
			if err != nil {
				t.Fatalf("compressBody: %v", err)
			}
			if bytes.Equal(compressed, payload) {
				t.Fatal("compressBody returned input unchanged")
			}

			got, err := decodeBody(enc, compressed, 0)
			if err != nil {
				t.Fatalf("decodeBody: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("decoded %d bytes, want %d", len(got), len(payload))
			}
		})
	}
}

func TestDecodeBody_Identity(t *testing.T) {
	for _, header := range []string{"", "identity", " Identity "} {
		got, err := decodeBody(header, []byte("plain"), 0)
		if err != nil {
			t.Fatalf("decodeBody(%q): %v", header, err)
		}
		if string(got) != "plain" {
			t.Errorf("decodeBody(%q) = %q, want plain", header, got)
		}
	}
}

func TestDecodeBody_CaseInsensitive(t *testing.T) {
	compressed, _ := compressBody([]byte("hi"), EncodingGzip)
	got, err := decodeBody("GZIP", compressed, 0)
	if err != nil || string(got) != "hi" {
		t.Fatalf("decodeBody = %q, %v", got, err)
	}
}

func TestDecodeBody_Stacked(t *testing.T) {
	inner, _ := compressBody([]byte("layered"), EncodingGzip)
	outer, _ := compressBody(inner, EncodingBrotli)

	got, err := decodeBody("gzip, br", outer, 0)
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if string(got) != "layered" {
		t.Errorf("got %q, want layered", got)
	}
}

func TestDecodeBody_RawDeflate(t *testing.T) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("raw deflate"))
	_ = fw.Close()

	got, err := decodeBody(EncodingDeflate, buf.Bytes(), 0)
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if string(got) != "raw deflate" {
		t.Errorf("got %q, want raw deflate", got)
	}
}

func TestDecodeBody_Unsupported(t *testing.T) {
	_, err := decodeBody("compress", []byte("x"), 0)
	if !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("err = %v, want ErrUnsupportedEncoding", err)
	}
}

func TestDecodeBody_Corrupt(t *testing.T) {
	if _, err := decodeBody(EncodingGzip, []byte("not gzip"), 0); err == nil {
		t.Fatal("expected error for corrupt gzip body")
	}
}

func TestDecodeBody_Limit(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 4096)
	compressed, _ := compressBody(payload, EncodingGzip)

	if _, err := decodeBody(EncodingGzip, compressed, 1024); err == nil {
		t.Fatal("expected error when decoded body exceeds the limit")
	}
	if _, err := decodeBody(EncodingGzip, compressed, 4096); err != nil {
		t.Fatalf("body at the limit should decode: %v", err)
	}
}

func TestReadAllLimited(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		limit   int64
		wantErr bool
	}{
		{"unlimited", "abcdef", 0, false},
		{"under", "abc", 5, false},
		{"exact", "abcde", 5, false},
		{"over", "abcdef", 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readAllLimited(strings.NewReader(tt.data), tt.limit)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(got) != tt.data {
				t.Errorf("got %q, want %q", got, tt.data)
			}
		})
	}
}

// compressBody encodes data with a single coding, the inverse of decodeOne.
func compressBody(data []byte, encoding string) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error

	switch encoding {
	case EncodingGzip, EncodingXGzip:
		w = gzip.NewWriter(&buf)
	case EncodingDeflate:
		w = zlib.NewWriter(&buf)
	case EncodingBrotli:
		w = brotli.NewWriter(&buf)
	case EncodingZstd:
		w, err = zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
	default:
		return data, nil
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
