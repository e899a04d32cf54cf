package spooler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"gorm.io/gorm"

	"logvault/logging"
)

// Notifier accepts alert notices without blocking.
type Notifier interface {
	Notify(n Notice) bool
}

type RetentionOptions struct {
	ChunkSize     int
	HighWatermark int64
	LowWatermark  int64
	MinAge        time.Duration
	StorageSize   func(ctx context.Context) (int64, error)
	Alerts        Notifier
	Logger        *slog.Logger
	Now           func() time.Time
}

// Retention prunes events by ingest time. Manifest entries are never
// touched: pruning a file's events leaves its entry committed.
type Retention struct {
	db     *gorm.DB
	chunk  int
	high   int64
	low    int64
	minAge time.Duration
	sizeFn func(ctx context.Context) (int64, error)
	alerts Notifier
	logger *slog.Logger
	now    func() time.Time
}

func NewRetention(db *gorm.DB, opts RetentionOptions) *Retention {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = 5000
	}
	low := opts.LowWatermark
	if low <= 0 || low > opts.HighWatermark {
		low = opts.HighWatermark
	}
	sizeFn := opts.StorageSize
	if sizeFn == nil {
		sizeFn = func(ctx context.Context) (int64, error) { return StorageBytes(ctx, db) }
	}
	return &Retention{
		db:     db,
		chunk:  chunk,
		high:   opts.HighWatermark,
		low:    low,
		minAge: opts.MinAge,
		sizeFn: sizeFn,
		alerts: opts.Alerts,
		logger: logging.Default(opts.Logger).With("component", "retention"),
		now:    now,
	}
}

// PruneOlderThan deletes events ingested more than horizon ago and returns
// how many rows were removed. Event time plays no part, so rows without
// one age out like any other. A chunk that fails to delete is reported and
// skipped; the rows after it are still pruned.
func (r *Retention) PruneOlderThan(ctx context.Context, horizon time.Duration) (int64, error) {
	cutoff := r.now().UTC().Add(-horizon)
	var removed int64
	var lastID uint
	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		var ids []uint
		err := r.db.WithContext(ctx).Model(&EventOccurrence{}).
			Where("ingested_at < ? AND id > ?", cutoff, lastID).
			Order("id").Limit(r.chunk).Pluck("id", &ids).Error
		if err != nil {
			return removed, fmt.Errorf("select prunable: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		lastID = ids[len(ids)-1]

		n, err := r.deleteEvents(ctx, ids)
		if err != nil {
			r.chunkFailed(ids, err)
			continue
		}
		removed += n
	}
	if removed > 0 {
		r.logger.Info("pruned events", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// QuotaResult summarises one EnforceQuota run.
type QuotaResult struct {
	Before  int64
	After   int64
	Removed int64
	// Exhausted is set when storage stayed above the low watermark with no
	// prunable rows left.
	Exhausted bool
}

// EnforceQuota prunes the oldest events once storage passes the high
// watermark, until it is back under the low watermark. Rows younger than
// MinAge are kept; if only those remain a STORAGE_HIGH alert is raised.
func (r *Retention) EnforceQuota(ctx context.Context) (QuotaResult, error) {
	var res QuotaResult
	if r.high <= 0 {
		return res, nil
	}
	size, err := r.sizeFn(ctx)
	if err != nil {
		return res, fmt.Errorf("storage size: %w", err)
	}
	res.Before, res.After = size, size
	if size <= r.high {
		return res, nil
	}

	cutoff := r.now().UTC().Add(-r.minAge)
	var failedUpTo uint
	for res.After > r.low {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var ids []uint
		err := r.db.WithContext(ctx).Model(&EventOccurrence{}).
			Where("ingested_at < ? AND id > ?", cutoff, failedUpTo).
			Order("ingested_at, id").Limit(r.chunk).Pluck("id", &ids).Error
		if err != nil {
			return res, fmt.Errorf("select oldest: %w", err)
		}
		if len(ids) == 0 {
			res.Exhausted = true
			break
		}
		n, err := r.deleteEvents(ctx, ids)
		if err != nil {
			r.chunkFailed(ids, err)
			failedUpTo = max(failedUpTo, maxID(ids))
			continue
		}
		res.Removed += n
		if res.After, err = r.sizeFn(ctx); err != nil {
			return res, fmt.Errorf("storage size: %w", err)
		}
	}

	r.logger.Info("quota enforced",
		"before", humanize.IBytes(uint64(res.Before)),
		"after", humanize.IBytes(uint64(res.After)),
		"removed", res.Removed)
	if res.Exhausted && r.alerts != nil {
		r.alerts.Notify(Notice{
			Code:     CodeStorageHigh,
			Severity: SeverityError,
			Subject:  "quota",
			Message: fmt.Sprintf("storage %s above low watermark %s and nothing older than %s left to prune",
				humanize.IBytes(uint64(res.After)), humanize.IBytes(uint64(r.low)), r.minAge),
			Metadata: map[string]any{"bytes": res.After, "low_watermark": r.low, "high_watermark": r.high},
		})
	}
	return res, nil
}

// Run applies the age horizon (when positive) and then the quota.
func (r *Retention) Run(ctx context.Context, horizon time.Duration) error {
	if horizon > 0 {
		if _, err := r.PruneOlderThan(ctx, horizon); err != nil {
			return err
		}
	}
	_, err := r.EnforceQuota(ctx)
	return err
}

// deleteEvents removes events and their annotations in one transaction.
func (r *Retention) deleteEvents(ctx context.Context, ids []uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id IN ?", ids).Delete(&Annotation{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&EventOccurrence{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

func (r *Retention) chunkFailed(ids []uint, err error) {
	r.logger.Error("prune chunk failed", "rows", len(ids), "first_id", ids[0], "error", err)
	if r.alerts != nil {
		r.alerts.Notify(Notice{
			Code:     CodePruneFailure,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("failed to prune %d rows: %v", len(ids), err),
			Metadata: map[string]any{"first_id": ids[0], "rows": len(ids)},
		})
	}
}

func maxID(ids []uint) uint {
	var m uint
	for _, id := range ids {
		m = max(m, id)
	}
	return m
}
