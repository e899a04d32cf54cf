package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	n1 := NormalizeText("2025-06-01 15:30:00 foo   error")
	n2 := NormalizeText("2025-06-02 11:22:33\tfoo error ")
	if n1 != "foo error" || n2 != "foo error" {
		t.Fatalf("unexpected normalize: %q %q", n1, n2)
	}
}

func TestFileDigest_MatchesBytesDigest(t *testing.T) {
	content := "line one\nline two\n"
	got, err := FileDigest(strings.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, BytesDigest([]byte(content)), got)
	require.Len(t, got, 64)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestFileDigest_ReadErrorIsUnreadableInput(t *testing.T) {
	_, err := FileDigest(failingReader{})
	require.ErrorIs(t, err, ErrUnreadableInput)
}

func TestEventDigest(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	base := EventFields{Message: "disk  full on /var", EventTime: &ts, Level: LevelError, Attrs: map[string]any{"b": "2", "a": "1"}}

	t.Run("whitespace differences hash equal", func(t *testing.T) {
		other := base
		other.Message = "disk full  on /var "
		require.Equal(t, EventDigest(base), EventDigest(other))
	})

	t.Run("attribute order does not matter", func(t *testing.T) {
		other := base
		other.Attrs = map[string]any{"a": "1", "b": "2"}
		require.Equal(t, EventDigest(base), EventDigest(other))
	})

	t.Run("event time participates", func(t *testing.T) {
		later := ts.Add(time.Second)
		other := base
		other.EventTime = &later
		require.NotEqual(t, EventDigest(base), EventDigest(other))
	})

	t.Run("absent time differs from present time", func(t *testing.T) {
		other := base
		other.EventTime = nil
		require.NotEqual(t, EventDigest(base), EventDigest(other))
	})

	t.Run("level participates", func(t *testing.T) {
		other := base
		other.Level = LevelWarn
		require.NotEqual(t, EventDigest(base), EventDigest(other))
	})
}
