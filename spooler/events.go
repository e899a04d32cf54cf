package spooler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"logvault/parser"
)

// EventStore persists normalized events.
type EventStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db, now: time.Now}
}

// WriteBatch stores events in one transaction: either every row becomes
// visible or none does. Rows whose (file, line) already exist are skipped,
// which makes a retried batch a no-op for lines that were committed before.
// It returns the number of rows inserted.
func (s *EventStore) WriteBatch(ctx context.Context, events []parser.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	rows := make([]EventOccurrence, len(events))
	now := s.now().UTC()
	for i, ev := range events {
		rows[i] = toOccurrence(ev, now)
	}

	var inserted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := flagDuplicates(tx, rows); err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "file_id"}, {Name: "line_no"}},
			DoNothing: true,
		}).CreateInBatches(&rows, 200)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	return inserted, nil
}

// flagDuplicates marks rows whose content digest was already stored by
// another line, or appears earlier in the same batch. A row that already
// exists at the same (file, line) is the row itself and does not count.
func flagDuplicates(tx *gorm.DB, rows []EventOccurrence) error {
	digests := make([]string, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		if !seen[r.ContentDigest] {
			seen[r.ContentDigest] = true
			digests = append(digests, r.ContentDigest)
		}
	}

	type located struct {
		FileID        uint
		LineNo        int
		ContentDigest string
	}
	var existing []located
	for start := 0; start < len(digests); start += 500 {
		end := min(start+500, len(digests))
		var chunk []located
		err := tx.Model(&EventOccurrence{}).
			Select("file_id, line_no, content_digest").
			Where("content_digest IN ?", digests[start:end]).
			Find(&chunk).Error
		if err != nil {
			return fmt.Errorf("duplicate lookup: %w", err)
		}
		existing = append(existing, chunk...)
	}

	stored := make(map[string][]located, len(existing))
	for _, e := range existing {
		stored[e.ContentDigest] = append(stored[e.ContentDigest], e)
	}
	inBatch := make(map[string]bool, len(rows))
	for i := range rows {
		r := &rows[i]
		if inBatch[r.ContentDigest] {
			r.PossibleDuplicate = true
		}
		inBatch[r.ContentDigest] = true
		for _, e := range stored[r.ContentDigest] {
			if e.FileID == r.FileID && e.LineNo >= r.LineNo {
				continue
			}
			r.PossibleDuplicate = true
			break
		}
	}
	return nil
}

func toOccurrence(ev parser.Event, now time.Time) EventOccurrence {
	row := EventOccurrence{
		FileID:        ev.FileID,
		LineNo:        ev.LineNumber,
		ByteOffset:    ev.ByteOffset,
		Level:         ev.Level,
		Message:       ev.Message,
		SourceHost:    ev.Host,
		SourceApp:     ev.App,
		Format:        string(ev.Format),
		RawExcerpt:    ev.RawExcerpt,
		ContentDigest: ev.Digest,
		IngestedAt:    now,
	}
	if ev.EventTime != nil {
		t := ev.EventTime.UTC()
		row.EventTime = &t
	}
	if len(ev.Attrs) > 0 {
		if b, err := json.Marshal(ev.Attrs); err == nil {
			row.Attrs = string(b)
		}
	}
	return row
}

// CountByFile returns the number of stored rows for one file.
func (s *EventStore) CountByFile(ctx context.Context, fileID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&EventOccurrence{}).Where("file_id = ?", fileID).Count(&n).Error
	return n, err
}

// Get returns one event by id.
func (s *EventStore) Get(ctx context.Context, id uint) (EventOccurrence, error) {
	var ev EventOccurrence
	err := s.db.WithContext(ctx).First(&ev, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ev, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	return ev, err
}

// AttrMap decodes the stored attributes.
func (e EventOccurrence) AttrMap() map[string]any {
	if e.Attrs == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(e.Attrs), &m); err != nil {
		return nil
	}
	return m
}
