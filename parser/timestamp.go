package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const months = `(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)`

type timePattern struct {
	re    *regexp.Regexp
	parse func(s string, ref time.Time, loc *time.Location) (time.Time, bool)
}

var timePatterns = []timePattern{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d{1,9})?(?:Z|[+-]\d{2}:?\d{2})?`), parseISO},
	{regexp.MustCompile(`\d{4}/\d{2}/\d{2}[ T]\d{2}:\d{2}:\d{2}(?:\.\d{1,9})?`), parseSlashDate},
	{regexp.MustCompile(`\d{2}/` + months + `/\d{4}:\d{2}:\d{2}:\d{2} [+-]\d{4}`), parseCLF},
	{regexp.MustCompile(months + `\s+\d{1,2}\s\d{2}:\d{2}:\d{2}`), parseBSD},
}

// ParseTime parses a format-native timestamp value. Besides the layouts
// FindTime recognises it accepts unix epochs in seconds or milliseconds.
// Zone-less values are read in loc. ref anchors year-less syslog stamps.
func ParseTime(s string, ref time.Time, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if ts, ok := parseEpoch(s); ok {
		return ts, true
	}
	for _, p := range timePatterns {
		if idx := p.re.FindStringIndex(s); idx != nil && idx[0] == 0 {
			return p.parse(s[:idx[1]], ref, locOrUTC(loc))
		}
	}
	return time.Time{}, false
}

// FindTime returns the earliest timestamp found in text. A candidate that
// matches a pattern but is not a valid date is skipped; nothing is ever
// guessed.
func FindTime(text string, ref time.Time, loc *time.Location) (time.Time, bool) {
	loc = locOrUTC(loc)
	best := time.Time{}
	bestPos := len(text) + 1
	for _, p := range timePatterns {
		for _, idx := range p.re.FindAllStringIndex(text, 4) {
			if idx[0] >= bestPos {
				break
			}
			if ts, ok := p.parse(text[idx[0]:idx[1]], ref, loc); ok {
				best, bestPos = ts, idx[0]
				break
			}
		}
	}
	return best, bestPos <= len(text)
}

func locOrUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

func parseISO(s string, _ time.Time, loc *time.Location) (time.Time, bool) {
	s = strings.Replace(s, " ", "T", 1)
	s = strings.Replace(s, ",", ".", 1)
	if hasZone(s) {
		if n := len(s); s[n-1] != 'Z' && s[n-3] != ':' {
			s = s[:n-2] + ":" + s[n-2:]
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
		return ts.UTC(), true
	}
	ts, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func hasZone(s string) bool {
	if strings.HasSuffix(s, "Z") {
		return true
	}
	t := strings.IndexByte(s, 'T')
	return t >= 0 && strings.ContainsAny(s[t:], "+-")
}

func parseSlashDate(s string, _ time.Time, loc *time.Location) (time.Time, bool) {
	s = strings.Replace(s, "T", " ", 1)
	ts, err := time.ParseInLocation("2006/01/02 15:04:05.999999999", s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func parseCLF(s string, _ time.Time, _ *time.Location) (time.Time, bool) {
	ts, err := time.Parse("02/Jan/2006:15:04:05 -0700", s)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// parseBSD handles "Jan _2 15:04:05". The year comes from ref; without a
// reference the stamp is unusable. A stamp more than a day past ref
// belongs to the previous year.
func parseBSD(s string, ref time.Time, loc *time.Location) (time.Time, bool) {
	if ref.IsZero() {
		return time.Time{}, false
	}
	s = strings.Join(strings.Fields(s), " ")
	ts, err := time.ParseInLocation("Jan 2 15:04:05", s, loc)
	if err != nil {
		return time.Time{}, false
	}
	year := ref.In(loc).Year()
	full := time.Date(year, ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, loc)
	if full.Day() != ts.Day() {
		// Feb 29 outside a leap year.
		return time.Time{}, false
	}
	if full.After(ref.Add(24 * time.Hour)) {
		full = full.AddDate(-1, 0, 0)
	}
	return full.UTC(), true
}

func parseEpoch(s string) (time.Time, bool) {
	if len(s) != 10 && len(s) != 13 {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if len(s) == 13 {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}
