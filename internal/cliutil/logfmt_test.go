package cliutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/tannerhall/childminder/internal/logmux"
)

func TestNewLogRecordDefaults(t *testing.T) {
	rec := NewLogRecord(logmux.Event{Pid: 12, Message: "plain line"})
	if rec.Stream != logmux.StreamStdout {
		t.Fatalf("expected stdout default stream, got %q", rec.Stream)
	}
	if rec.Level != "info" {
		t.Fatalf("expected info default level, got %q", rec.Level)
	}
	if rec.Pid != 12 {
		t.Fatalf("expected pid to carry over, got %d", rec.Pid)
	}
}

func TestNewLogRecordKeepsExplicitLevel(t *testing.T) {
	rec := NewLogRecord(logmux.Event{Stream: logmux.StreamStderr, Level: "warn", Message: "ERROR everywhere"})
	if rec.Level != "warn" {
		t.Fatalf("explicit level must win over inference, got %q", rec.Level)
	}
}

func TestInferLogLevel(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"ERROR: disk full", "error"},
		{"level=warn something odd", "warn"},
		{"info: started", "info"},
		{"nothing notable here", ""},
		{"terrorize and warning lack standalone tokens", ""},
	}
	for _, tc := range cases {
		if got := inferLogLevel(tc.message); got != tc.want {
			t.Fatalf("inferLogLevel(%q) = %q, want %q", tc.message, got, tc.want)
		}
	}
}

func TestEncodeLogEvent(t *testing.T) {
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	EncodeLogEvent(enc, &bytes.Buffer{}, logmux.Event{
		Timestamp: ts,
		Pid:       31,
		Stream:    logmux.StreamStderr,
		Message:   "warn: low disk",
	})

	var rec LogRecord
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("decode encoded record: %v", err)
	}
	if !rec.Timestamp.Equal(ts) {
		t.Fatalf("expected timestamp %v, got %v", ts, rec.Timestamp)
	}
	if rec.Pid != 31 || rec.Stream != logmux.StreamStderr {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Level != "warn" {
		t.Fatalf("expected inferred warn level, got %q", rec.Level)
	}
}

func TestFormatTextEvent(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 120_000_000, time.UTC)
	line := FormatTextEvent(logmux.Event{Timestamp: ts, Stream: logmux.StreamStdout, Message: "hello"})
	if !strings.HasPrefix(line, "09:26:53.120 ") {
		t.Fatalf("unexpected timestamp rendering: %q", line)
	}
	if !strings.HasSuffix(line, "[stdout] hello") {
		t.Fatalf("unexpected line rendering: %q", line)
	}
}
