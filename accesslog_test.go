package ipmask

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestAccessLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)), false)

	al.Log(AccessLogEntry{
		Timestamp:    time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		RequestID:    "req-1",
		Method:       "GET",
		Host:         "example.com",
		Path:         "/api/v1",
		Scheme:       "https",
		Source:       "query",
		StatusCode:   200,
		Duration:     150 * time.Millisecond,
		BytesWritten: 1024,
		ClientAddr:   "192.168.1.100:54321",
		Endpoint:     "http://proxy:3128_",
	})

	entry := decodeLogLine(t, &buf)

	checks := map[string]any{
		"msg":        "access",
		"request_id": "req-1",
		"method":     "GET",
		"host":       "example.com",
		"path":       "/api/v1",
		"scheme":     "https",
		"source":     "query",
		"status":     float64(200),
		"bytes":      float64(1024),
		"client":     "192.168.1.100:54321",
		"upstream":   "http://proxy:3128_",
	}
	for key, want := range checks {
		if entry[key] != want {
			t.Errorf("%s = %v, want %v", key, entry[key], want)
		}
	}
	if _, ok := entry["error"]; ok {
		t.Error("error attribute should be absent")
	}
}

func TestAccessLogger_MaskClientIP(t *testing.T) {
	var buf bytes.Buffer
	al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)), true)

	al.Log(AccessLogEntry{Method: "GET", ClientAddr: "10.1.2.3:4444", StatusCode: 200})

	entry := decodeLogLine(t, &buf)
	if entry["client"] != "10.1.2.xxx" {
		t.Errorf("client = %v, want 10.1.2.xxx", entry["client"])
	}
}

func TestAccessLogger_HashClientIP(t *testing.T) {
	var buf bytes.Buffer
	al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)), true)
	al.HashSalt = "pepper"

	al.Log(AccessLogEntry{Method: "GET", ClientAddr: "10.1.2.3:4444", StatusCode: 200})

	entry := decodeLogLine(t, &buf)
	if want := HashIP("10.1.2.3", "pepper"); entry["client"] != want {
		t.Errorf("client = %v, want %s", entry["client"], want)
	}
}

func TestAccessLogger_ErrorSanitized(t *testing.T) {
	var buf bytes.Buffer
	al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)), false)

	al.Log(AccessLogEntry{
		Method:     "GET",
		StatusCode: 502,
		Error:      errors.New("dispatch http://x/?password=hunter2: refused").Error(),
	})

	entry := decodeLogLine(t, &buf)
	msg, _ := entry["error"].(string)
	if msg == "" {
		t.Fatal("error attribute missing")
	}
	if bytes.Contains([]byte(msg), []byte("hunter2")) {
		t.Errorf("error leaks credentials: %q", msg)
	}
}

func TestAccessLogger_Nil(t *testing.T) {
	var al *AccessLogger
	al.Log(AccessLogEntry{Method: "GET"})
}
