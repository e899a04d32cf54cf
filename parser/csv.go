package parser

import (
	"encoding/csv"
	"io"
	"iter"
	"strconv"
	"strings"
)

var (
	csvTimeColumns    = []string{"timestamp", "time", "ts", "date", "datetime", "event_time"}
	csvLevelColumns   = []string{"level", "severity", "lvl"}
	csvMessageColumns = []string{"message", "msg", "event", "description"}
)

// CSV parses comma separated logs line by line. The first line is taken as
// the header and names the columns of later lines; it is still emitted as
// a line of its own. Quoted fields spanning physical lines are not joined.
type CSV struct{}

func (CSV) Format() Format { return FormatCSV }

func (CSV) Sniff(sample []byte, _ string) float64 {
	lines := firstLines(sample, 2)
	if len(lines) == 0 {
		return 0
	}
	first, err := splitCSV(lines[0])
	if err != nil || len(first) < 2 {
		return 0
	}
	if len(lines) > 1 {
		second, err := splitCSV(lines[1])
		if err != nil || len(second) != len(first) {
			return 0
		}
	}
	return 0.6
}

func (CSV) Lines(r io.Reader) iter.Seq2[RawLine, error] {
	return scanLines(r, func() func(*RawLine) {
		var header []string
		return func(line *RawLine) {
			row, err := splitCSV(line.Text)
			if err != nil || len(row) == 0 {
				return
			}
			if header == nil {
				header = make([]string, len(row))
				for i, h := range row {
					h = strings.ToLower(strings.TrimSpace(h))
					if h == "" {
						h = "col_" + strconv.Itoa(i+1)
					}
					header[i] = h
				}
				return
			}
			decorateCSVRow(line, header, row)
		}
	})
}

func decorateCSVRow(line *RawLine, header, row []string) {
	fields := make(map[string]any, len(row))
	for i, v := range row {
		key := "col_" + strconv.Itoa(i+1)
		if i < len(header) {
			key = header[i]
		}
		fields[key] = v
	}
	if k := firstColumn(fields, csvTimeColumns); k != "" {
		line.Time = fields[k].(string)
	} else if len(row) > 0 {
		line.Time = row[0]
	}
	if k := firstColumn(fields, csvLevelColumns); k != "" {
		line.Level = fields[k].(string)
	}
	if k := firstColumn(fields, csvMessageColumns); k != "" {
		line.Message, line.HasMessage = fields[k].(string), true
	}
	line.Fields = fields
}

func firstColumn(fields map[string]any, names []string) string {
	for _, n := range names {
		if v, ok := fields[n].(string); ok && strings.TrimSpace(v) != "" {
			return n
		}
	}
	return ""
}

func splitCSV(s string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(s))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.Read()
}
