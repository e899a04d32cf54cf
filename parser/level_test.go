package parser

import "testing"

func TestNormalizeLevel(t *testing.T) {
	cases := map[string]string{
		"INFO":        LevelInfo,
		" Warning ":   LevelWarn,
		"err":         LevelError,
		"CRITICAL":    LevelFatal,
		"notice":      LevelInfo,
		"30":          LevelInfo,
		"60":          LevelFatal,
		"dbg":         LevelDebug,
		"verbose":     "",
		"":            "",
	}
	for in, want := range cases {
		if got := NormalizeLevel(in); got != want {
			t.Fatalf("NormalizeLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLevelFromPriority(t *testing.T) {
	cases := map[int]string{0: LevelFatal, 11: LevelError, 12: LevelWarn, 13: LevelInfo, 14: LevelInfo, 15: LevelDebug, 34: LevelFatal}
	for pri, want := range cases {
		if got := LevelFromPriority(pri); got != want {
			t.Fatalf("LevelFromPriority(%d) = %q, want %q", pri, got, want)
		}
	}
}

func TestFindLevel(t *testing.T) {
	cases := map[string]string{
		"ts=1 level=warn msg=slow":           LevelWarn,
		"severity: 50 boom":                  LevelError,
		"2024-01-01 [ERROR] disk full":       LevelError,
		"<debug> tracing":                    LevelDebug,
		"main: FATAL cannot open socket":     LevelFatal,
		"an error occurred in lower case":    "",
		"information about the INFORMATION":  "",
	}
	for in, want := range cases {
		if got := FindLevel(in); got != want {
			t.Fatalf("FindLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
