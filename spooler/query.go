package spooler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"logvault/parser"
)

// EventFilter selects stored events. Zero fields do not filter.
type EventFilter struct {
	// From and To bound the event time (inclusive From, exclusive To).
	// Rows without an event time never match a time bound.
	From *time.Time
	To   *time.Time

	Host string
	App  string

	// Level accepts any marker the normalizer knows ("WARNING", "err").
	Level string

	// Contains is a case-insensitive substring of the message.
	Contains       string
	FileID         uint
	DuplicatesOnly bool

	Limit  int
	Offset int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 10000
)

// Query returns matching events ordered by file and line.
func (s *EventStore) Query(ctx context.Context, f EventFilter) ([]EventOccurrence, error) {
	q := s.db.WithContext(ctx).Model(&EventOccurrence{})
	if f.From != nil {
		q = q.Where("event_time >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("event_time < ?", f.To.UTC())
	}
	if f.Host != "" {
		q = q.Where("source_host = ?", f.Host)
	}
	if f.App != "" {
		q = q.Where("source_app = ?", f.App)
	}
	if f.Level != "" {
		level := parser.NormalizeLevel(f.Level)
		if level == "" {
			level = strings.ToLower(strings.TrimSpace(f.Level))
		}
		q = q.Where("level = ?", level)
	}
	if f.Contains != "" {
		q = q.Where(`message LIKE ? ESCAPE '\'`, "%"+escapeLike(f.Contains)+"%")
	}
	if f.FileID != 0 {
		q = q.Where("file_id = ?", f.FileID)
	}
	if f.DuplicatesOnly {
		q = q.Where("possible_duplicate = ?", true)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	limit = min(limit, maxQueryLimit)

	var out []EventOccurrence
	err := q.Order("file_id, line_no").Limit(limit).Offset(max(f.Offset, 0)).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
