package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"regexp"
	"strings"
	"time"
)

// FileDigest streams r through sha256 and returns the hex digest. Read
// failures are reported as ErrUnreadableInput, never as empty content.
func FileDigest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", unreadable(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BytesDigest is FileDigest for in-memory content.
func BytesDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// EventFields are the parts of a normalized event that make up its
// content identity.
type EventFields struct {
	Message   string
	EventTime *time.Time
	Level     string
	Attrs     map[string]any
}

// EventDigest hashes the normalized content of an event. Where the line
// came from (path, line number) is deliberately left out so identical
// lines in different files share a digest.
func EventDigest(f EventFields) string {
	h := sha256.New()
	io.WriteString(h, NormalizeText(f.Message))
	h.Write([]byte{0})
	if f.EventTime != nil {
		io.WriteString(h, f.EventTime.UTC().Format(time.RFC3339Nano))
	}
	h.Write([]byte{0})
	io.WriteString(h, f.Level)
	h.Write([]byte{0})
	if len(f.Attrs) > 0 {
		// encoding/json sorts map keys.
		b, _ := json.Marshal(f.Attrs)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

var timestampPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d{1,9})?(?:Z|[+-]\d{2}:?\d{2})?`),
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}`),
	regexp.MustCompile(`\d{4}\.\d{2}\.\d{2}T\d{2}:\d{2}:\d{2}(\.\d{3,6})?`),
	regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}(?::\d{2})?`),
	regexp.MustCompile(`\d{4}-\d{1,2}-\d{1,2} \d{1,2}:\d{1,2}:\d{1,2}`),
	regexp.MustCompile(months + `\s+\d{1,2}\s\d{2}:\d{2}:\d{2}`),
}

// NormalizeText removes embedded timestamps and collapses whitespace so
// lines differing only in spacing or stamp text compare equal. The event
// time itself is hashed separately.
func NormalizeText(input string) string {
	s := input
	for _, re := range timestampPatterns {
		s = re.ReplaceAllString(s, "")
	}
	return strings.Join(strings.Fields(s), " ")
}
