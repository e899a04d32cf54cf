package spooler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnnotations_AddAndList(t *testing.T) {
	ctx := t.Context()
	db := openTestDB(t)
	store := NewEventStore(db)
	notes := NewAnnotations(db)
	entry := committedFile(t, NewManifest(db, ManifestOptions{}), "d1")

	_, err := store.WriteBatch(ctx, makeEvents(entry.ID, "x", 1))
	require.NoError(t, err)
	rows, err := store.Query(ctx, EventFilter{FileID: entry.ID})
	require.NoError(t, err)
	eventID := rows[0].ID

	first, err := notes.Add(ctx, Annotation{EventID: eventID, Body: "first"})
	require.NoError(t, err)
	require.Equal(t, "note", first.Kind)
	require.NotZero(t, first.ID)
	_, err = notes.Add(ctx, Annotation{EventID: eventID, Kind: "summary", Body: "second"})
	require.NoError(t, err)

	list, err := notes.List(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "first", list[0].Body)
	require.Equal(t, "summary", list[1].Kind)

	_, err = notes.Add(ctx, Annotation{EventID: eventID + 100, Body: "orphan"})
	require.ErrorIs(t, err, ErrEventNotFound)
}
