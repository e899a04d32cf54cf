package parser

import (
	"bytes"
	"encoding/json"
	"io"
	"iter"
	"strings"
)

var (
	jsonTimeKeys    = []string{"ts", "time", "timestamp", "@timestamp", "date", "datetime"}
	jsonLevelKeys   = []string{"level", "lvl", "severity", "levelname", "log.level"}
	jsonMessageKeys = []string{"msg", "message", "event", "log"}
)

// JSONL parses one JSON object per line. Lines that are not objects pass
// through as plain text.
type JSONL struct{}

func (JSONL) Format() Format { return FormatJSONL }

func (JSONL) Sniff(sample []byte, _ string) float64 {
	lines := firstLines(sample, 1)
	if len(lines) == 0 {
		return 0
	}
	s := strings.TrimSpace(lines[0])
	if !strings.HasPrefix(s, "{") {
		return 0
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return 0
	}
	return 0.9
}

func (JSONL) Lines(r io.Reader) iter.Seq2[RawLine, error] {
	return scanLines(r, func() func(*RawLine) { return decorateJSON })
}

func decorateJSON(line *RawLine) {
	s := strings.TrimSpace(line.Text)
	if !strings.HasPrefix(s, "{") {
		return
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return
	}

	if k, v := pickKey(obj, jsonTimeKeys); k != "" {
		line.Time = scalarString(v)
		delete(obj, k)
	}
	if k, v := pickKey(obj, jsonLevelKeys); k != "" {
		line.Level = scalarString(v)
		delete(obj, k)
	}
	if k, v := pickKey(obj, jsonMessageKeys); k != "" {
		if s, ok := v.(string); ok {
			line.Message = s
		} else {
			b, _ := json.Marshal(v)
			line.Message = string(b)
		}
		line.HasMessage = true
		delete(obj, k)
	}
	if len(obj) > 0 {
		line.Fields = FlattenJSON(obj, FlattenOptions{MaxDepth: 8, MaxKeys: 256})
	}
}

func pickKey(obj map[string]any, keys []string) (string, any) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return k, v
		}
	}
	return "", nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(t)
		return strings.TrimSpace(buf.String())
	}
}

