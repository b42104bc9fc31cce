package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/tannerhall/childminder/internal/logmux"
)

// LogRecord represents a structured output event ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Pid       int       `json:"pid"`
	Stream    string    `json:"stream"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
}

// NewLogRecord converts a mux event into a structured log record.
func NewLogRecord(event logmux.Event) LogRecord {
	level := event.Level
	if level == "" {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		} else {
			level = "info"
		}
	}
	stream := event.Stream
	if stream == "" {
		stream = logmux.StreamStdout
	}
	return LogRecord{
		Timestamp: event.Timestamp,
		Pid:       event.Pid,
		Stream:    stream,
		Level:     level,
		Message:   event.Message,
	}
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeLogEvent encodes an output event to JSON, reporting errors to stderr
// if needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event logmux.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// FormatTextEvent renders an output event as a single human-readable line.
func FormatTextEvent(event logmux.Event) string {
	record := NewLogRecord(event)
	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("%s [%s] %s", ts.Format("15:04:05.000"), record.Stream, record.Message)
}
