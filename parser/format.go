// Package parser turns raw log bytes into normalized event records.
//
// A Parser splits content into RawLine records and attaches whatever
// structure its format carries natively. Normalize then derives event time,
// level, message and attributes from a RawLine. Both stages are pure
// functions of their input: the same bytes always produce the same events.
package parser

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// Format identifies a registered line format.
type Format string

const (
	FormatPlaintext Format = "plaintext"
	FormatJSONL     Format = "jsonl"
	FormatSyslog    Format = "syslog"
	FormatCSV       Format = "csv"
)

var (
	// ErrUnsupportedFormat is returned when no parser is registered for a
	// format, or when a format cannot be inferred for the content.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrUnreadableInput wraps I/O failures while reading content.
	ErrUnreadableInput = errors.New("unreadable input")
)

// ParseFormat maps a user-supplied hint to a Format. Common aliases are
// accepted. Unknown hints are returned as-is so Lookup can reject them.
func ParseFormat(hint string) Format {
	s := strings.ToLower(strings.TrimSpace(hint))
	switch s {
	case "txt", "text", "plain", "raw", "log":
		return FormatPlaintext
	case "json", "ndjson", "json-lines", "jsonlines":
		return FormatJSONL
	case "rfc3164", "rfc5424":
		return FormatSyslog
	}
	return Format(s)
}

// RawLine is one physical line of input plus any structure its format
// exposes. Number is 1-based; Offset is the byte offset of the line start.
type RawLine struct {
	Number int
	Offset int64
	Text   string

	// Fields are format-native key/value pairs (JSON keys, syslog header
	// parts, CSV columns).
	Fields map[string]any
	// Time and Level are format-native hints, still unparsed.
	Time  string
	Level string
	// Message replaces Text as the event message when HasMessage is set.
	Message    string
	HasMessage bool
}

// Parser produces the line sequence for one format.
type Parser interface {
	Format() Format
	// Sniff returns a 0..1 confidence that sample is in this format.
	Sniff(sample []byte, filename string) float64
	// Lines returns a lazy sequence over r. Calling Lines again with a fresh
	// reader over the same content restarts the sequence.
	Lines(r io.Reader) iter.Seq2[RawLine, error]
}

func unreadable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnreadableInput, err)
}
