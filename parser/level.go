package parser

import (
	"regexp"
	"strings"
)

// Canonical levels. An absent level is the empty string.
const (
	LevelTrace = "trace"
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelFatal = "fatal"
)

var (
	levelKVRe      = regexp.MustCompile(`(?i)\b(?:level|severity|lvl|loglevel)\s*[=:]\s*["']?([a-z]+|\d{2})`)
	levelBracketRe = regexp.MustCompile(`(?i)[\[<(](trace|debug|info|notice|warn|warning|error|err|crit|critical|fatal|emerg|alert|panic)[\]>)]`)
	levelWordRe    = regexp.MustCompile(`\b(TRACE|DEBUG|INFO|NOTICE|WARN|WARNING|ERROR|ERR|CRIT|CRITICAL|FATAL|EMERG|ALERT|PANIC)\b`)
)

// NormalizeLevel maps a level marker to its canonical name, or "" when the
// marker is not recognised. Numeric pino/bunyan levels are accepted.
func NormalizeLevel(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "trace", "10":
		return LevelTrace
	case "debug", "dbg", "20":
		return LevelDebug
	case "info", "information", "informational", "notice", "30":
		return LevelInfo
	case "warn", "warning", "40":
		return LevelWarn
	case "error", "err", "50":
		return LevelError
	case "fatal", "critical", "crit", "emerg", "emergency", "alert", "panic", "60":
		return LevelFatal
	default:
		return ""
	}
}

// LevelFromPriority derives the level from a syslog PRI value.
func LevelFromPriority(pri int) string {
	switch pri % 8 {
	case 0, 1, 2:
		return LevelFatal
	case 3:
		return LevelError
	case 4:
		return LevelWarn
	case 5, 6:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// FindLevel looks for a level marker in free text: key/value pairs first,
// then bracketed markers, then upper-case words.
func FindLevel(text string) string {
	if m := levelKVRe.FindStringSubmatch(text); m != nil {
		if lvl := NormalizeLevel(m[1]); lvl != "" {
			return lvl
		}
	}
	if m := levelBracketRe.FindStringSubmatch(text); m != nil {
		if lvl := NormalizeLevel(m[1]); lvl != "" {
			return lvl
		}
	}
	if m := levelWordRe.FindStringSubmatch(text); m != nil {
		return NormalizeLevel(m[1])
	}
	return ""
}
