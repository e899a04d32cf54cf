package parser

import (
	"io"
	"iter"
	"regexp"
	"strconv"
)

var (
	rfc5424Re = regexp.MustCompile(`^<(\d{1,3})>1\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(-|(?:\[[^\]]*\])+)\s?(.*)$`)
	rfc3164Re = regexp.MustCompile(`^(?:<(\d{1,3})>)?([A-Z][a-z]{2}\s+\d{1,2}\s\d{2}:\d{2}:\d{2}|\d{4}-\d{2}-\d{2}T\S+)\s+(\S+)\s+([^\s:\[]+)(?:\[(\d+)\])?:\s?(.*)$`)
)

// Syslog parses RFC 5424 and BSD (RFC 3164) style lines, including the
// common "<pri>"-less form written by rsyslog to files.
type Syslog struct{}

func (Syslog) Format() Format { return FormatSyslog }

func (Syslog) Sniff(sample []byte, _ string) float64 {
	lines := firstLines(sample, 1)
	if len(lines) == 0 {
		return 0
	}
	if rfc5424Re.MatchString(lines[0]) || rfc3164Re.MatchString(lines[0]) {
		return 0.7
	}
	return 0
}

func (Syslog) Lines(r io.Reader) iter.Seq2[RawLine, error] {
	return scanLines(r, func() func(*RawLine) { return decorateSyslog })
}

func decorateSyslog(line *RawLine) {
	if m := rfc5424Re.FindStringSubmatch(line.Text); m != nil {
		fields := map[string]any{}
		setPriority(line, fields, m[1])
		if m[2] != "-" {
			line.Time = m[2]
		}
		putNil(fields, "host", m[3])
		putNil(fields, "app", m[4])
		putNil(fields, "pid", m[5])
		putNil(fields, "msgid", m[6])
		putNil(fields, "structured_data", m[7])
		line.Fields = fields
		line.Message, line.HasMessage = m[8], true
		return
	}
	if m := rfc3164Re.FindStringSubmatch(line.Text); m != nil {
		fields := map[string]any{}
		if m[1] != "" {
			setPriority(line, fields, m[1])
		}
		line.Time = m[2]
		fields["host"] = m[3]
		fields["app"] = m[4]
		if m[5] != "" {
			fields["pid"] = m[5]
		}
		line.Fields = fields
		line.Message, line.HasMessage = m[6], true
	}
}

func setPriority(line *RawLine, fields map[string]any, raw string) {
	pri, err := strconv.Atoi(raw)
	if err != nil || pri > 191 {
		return
	}
	fields["facility"] = pri / 8
	fields["severity"] = pri % 8
	line.Level = LevelFromPriority(pri)
}

func putNil(fields map[string]any, key, v string) {
	if v == "" || v == "-" {
		return
	}
	fields[key] = v
}
