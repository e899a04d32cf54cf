package spooler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"logvault/parser"
)

func seedQueryEvents(t *testing.T) (*EventStore, uint) {
	t.Helper()
	db := openTestDB(t)
	store := NewEventStore(db)
	entry := committedFile(t, NewManifest(db, ManifestOptions{}), "q")

	at := func(h int) *time.Time {
		ts := time.Date(2024, 1, 1, h, 0, 0, 0, time.UTC)
		return &ts
	}
	events := []parser.Event{
		{LineNumber: 1, EventTime: at(1), Level: "info", Message: "service started", Host: "web1", App: "api", Digest: "a"},
		{LineNumber: 2, EventTime: at(2), Level: "warn", Message: "disk 50% full", Host: "web1", App: "api", Digest: "b"},
		{LineNumber: 3, EventTime: at(3), Level: "warn", Message: "disk 500 blocks free", Host: "web2", App: "api", Digest: "c"},
		{LineNumber: 4, Level: "", Message: "no time here", Host: "web2", App: "worker", Digest: "d"},
		{LineNumber: 5, EventTime: at(5), Level: "error", Message: "user_id missing", Host: "web1", App: "worker", Digest: "e"},
	}
	for i := range events {
		events[i].FileID = entry.ID
	}
	_, err := store.WriteBatch(t.Context(), events)
	require.NoError(t, err)
	return store, entry.ID
}

func lineNumbers(rows []EventOccurrence) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = r.LineNo
	}
	return out
}

func TestQuery_Filters(t *testing.T) {
	store, fileID := seedQueryEvents(t)
	ctx := t.Context()

	from := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter EventFilter
		want   []int
	}{
		{"all", EventFilter{}, []int{1, 2, 3, 4, 5}},
		{"time range excludes untimed rows", EventFilter{From: &from, To: &to}, []int{2, 3}},
		{"host", EventFilter{Host: "web2"}, []int{3, 4}},
		{"host and app", EventFilter{Host: "web1", App: "worker"}, []int{5}},
		{"level is case-insensitive", EventFilter{Level: "WARN"}, []int{2, 3}},
		{"level alias", EventFilter{Level: "WARNING"}, []int{2, 3}},
		{"level short form", EventFilter{Level: "err"}, []int{5}},
		{"unknown level matches nothing", EventFilter{Level: "loud"}, []int{}},
		{"contains ignores case", EventFilter{Contains: "DISK"}, []int{2, 3}},
		{"percent is literal", EventFilter{Contains: "50%"}, []int{2}},
		{"underscore is literal", EventFilter{Contains: "user_id"}, []int{5}},
		{"file", EventFilter{FileID: fileID + 1}, []int{}},
		{"limit and offset", EventFilter{Limit: 2, Offset: 1}, []int{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := store.Query(ctx, tt.filter)
			require.NoError(t, err)
			require.Equal(t, tt.want, lineNumbers(rows))
		})
	}
}
