package parser

import (
	"time"
)

// FileContext is the file-level information Normalize combines with each
// line.
type FileContext struct {
	FileID uint
	Path   string
	Host   string
	App    string
	Format Format
	// Reference anchors year-less timestamps, normally the file mtime.
	Reference time.Time
	// Location is used for timestamps without a zone; nil means UTC.
	Location *time.Location
	// Tags are codes copied into the "tag" attribute when they occur in a
	// message.
	Tags []string
}

// Event is one normalized line.
type Event struct {
	FileID     uint
	LineNumber int
	ByteOffset int64
	EventTime  *time.Time
	Level      string
	Message    string
	Attrs      map[string]any
	Host       string
	App        string
	Format     Format
	RawExcerpt string
	Digest     string
}

// Normalize builds the event for one raw line. It never fails: fields that
// cannot be derived are left empty and the event is still produced.
func Normalize(line RawLine, fc FileContext) Event {
	ev := Event{
		FileID:     fc.FileID,
		LineNumber: line.Number,
		ByteOffset: line.Offset,
		Message:    line.Text,
		Host:       fc.Host,
		App:        fc.App,
		Format:     fc.Format,
		RawExcerpt: line.Text,
	}
	if line.HasMessage {
		ev.Message = line.Message
	}

	if line.Time != "" {
		if ts, ok := ParseTime(line.Time, fc.Reference, fc.Location); ok {
			ev.EventTime = &ts
		}
	}
	if ev.EventTime == nil {
		if ts, ok := FindTime(line.Text, fc.Reference, fc.Location); ok {
			ev.EventTime = &ts
		}
	}

	ev.Level = NormalizeLevel(line.Level)
	if ev.Level == "" {
		ev.Level = FindLevel(ev.Message)
	}

	ev.Attrs = mergeAttrs(line.Fields, ExtractAttrs(ev.Message, fc.Tags))
	if ev.Host == "" {
		ev.Host = stringAttr(line.Fields, "host")
	}
	if ev.App == "" {
		ev.App = stringAttr(line.Fields, "app")
	}

	ev.Digest = EventDigest(EventFields{
		Message:   ev.Message,
		EventTime: ev.EventTime,
		Level:     ev.Level,
		Attrs:     ev.Attrs,
	})
	return ev
}

// mergeAttrs prefers format-native fields over attributes extracted from
// text.
func mergeAttrs(native, extracted map[string]any) map[string]any {
	if len(native) == 0 && len(extracted) == 0 {
		return nil
	}
	out := make(map[string]any, len(native)+len(extracted))
	for k, v := range extracted {
		out[k] = v
	}
	for k, v := range native {
		out[k] = v
	}
	return out
}

func stringAttr(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
