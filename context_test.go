package ipmask

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		header     string
		wantURL    string
		wantSource TargetSource
		wantErr    error
	}{
		{
			name:       "query parameter",
			target:     "/?url=https%3A%2F%2Fexample.com%2Fa%3Fb%3D1",
			wantURL:    "https://example.com/a?b=1",
			wantSource: SourceQuery,
		},
		{
			name:       "query beats header",
			target:     "/?url=http://q.example",
			header:     "http://h.example",
			wantURL:    "http://q.example",
			wantSource: SourceQuery,
		},
		{
			name:       "header beats path",
			target:     "/path.example/x",
			header:     "http://h.example/y",
			wantURL:    "http://h.example/y",
			wantSource: SourceHeader,
		},
		{
			name:       "blank query falls through",
			target:     "/?url=%20",
			header:     "http://h.example",
			wantURL:    "http://h.example",
			wantSource: SourceHeader,
		},
		{
			name:       "path without scheme",
			target:     "/example.com/x",
			wantURL:    "http://example.com/x",
			wantSource: SourcePath,
		},
		{
			name:       "path with https scheme",
			target:     "/https://example.com/secure",
			wantURL:    "https://example.com/secure",
			wantSource: SourcePath,
		},
		{
			name:       "path with uppercase scheme kept",
			target:     "/HTTP://example.com/",
			wantURL:    "HTTP://example.com/",
			wantSource: SourcePath,
		},
		{
			name:       "absolute-form request",
			target:     "http://example.com/page?x=1",
			wantURL:    "http://example.com/page",
			wantSource: SourceAbsolute,
		},
		{
			name:    "nothing given",
			target:  "/",
			wantErr: ErrNoTargetSpecified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set(TargetURLHeader, tt.header)
			}

			got, source, err := ResolveTarget(req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.wantURL {
				t.Errorf("target = %q, want %q", got, tt.wantURL)
			}
			if source != tt.wantSource {
				t.Errorf("source = %q, want %q", source, tt.wantSource)
			}
		})
	}
}

func TestForwardQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?url=http://a.example&page=2&q=go", nil)

	q := forwardQuery(req, SourceQuery)
	if q.Has(TargetQueryParam) {
		t.Error("url parameter should be dropped when it named the target")
	}
	if q.Get("page") != "2" || q.Get("q") != "go" {
		t.Errorf("other parameters lost: %v", q)
	}

	q = forwardQuery(req, SourceHeader)
	if q.Get(TargetQueryParam) != "http://a.example" {
		t.Error("url parameter should be forwarded when the target came from elsewhere")
	}
}

func TestRequestContext_RoundTrip(t *testing.T) {
	if GetRequestContext(context.Background()) != nil {
		t.Fatal("empty context should carry no RequestContext")
	}

	rc := &RequestContext{ID: "abc", Method: http.MethodGet}
	ctx := WithRequestContext(context.Background(), rc)
	if got := GetRequestContext(ctx); got != rc {
		t.Fatalf("GetRequestContext = %v, want %v", got, rc)
	}
}
