package spooler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"logvault/logging"
)

// ClaimOutcome describes how BeginIngest resolved a file.
type ClaimOutcome int

const (
	// ClaimCreated: a new processing entry was created.
	ClaimCreated ClaimOutcome = iota
	// ClaimAlreadyCommitted: identical content is already stored.
	ClaimAlreadyCommitted
	// ClaimInProgress: a live worker owns the entry.
	ClaimInProgress
	// ClaimResumed: a stale processing entry was taken over.
	ClaimResumed
	// ClaimPreviouslyFailed: the content failed before; only Retry re-opens it.
	ClaimPreviouslyFailed
	// ClaimRetried: an error entry was re-opened by Retry.
	ClaimRetried
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimCreated:
		return "created"
	case ClaimAlreadyCommitted:
		return "already_committed"
	case ClaimInProgress:
		return "in_progress"
	case ClaimResumed:
		return "resumed"
	case ClaimPreviouslyFailed:
		return "previously_failed"
	case ClaimRetried:
		return "retried"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Claim is the result of BeginIngest or Retry.
type Claim struct {
	Entry     FileManifestEntry
	Outcome   ClaimOutcome
	AttemptID string
}

// Owned reports whether the caller now owns the entry and must drive it to
// committed or error.
func (c Claim) Owned() bool {
	return c.Outcome == ClaimCreated || c.Outcome == ClaimResumed || c.Outcome == ClaimRetried
}

// FileInfo describes a candidate file for BeginIngest.
type FileInfo struct {
	Path    string
	Digest  string
	Size    int64
	ModTime time.Time
	Host    string
	App     string
	Format  string
}

type ManifestOptions struct {
	// StaleAfter is how long a processing claim may go without finishing
	// before another BeginIngest takes it over. Zero disables takeover of
	// claims made by this process.
	StaleAfter time.Duration
	// OnError is called after an entry transitions to error.
	OnError func(FileManifestEntry)
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manifest is the file manifest tracker. All transitions run in a single
// transaction so concurrent workers observe a consistent state.
type Manifest struct {
	db         *gorm.DB
	staleAfter time.Duration
	onError    func(FileManifestEntry)
	logger     *slog.Logger
	now        func() time.Time
	// epoch is when this tracker was created. Processing claims older than
	// epoch belong to an earlier run and are always resumable.
	epoch time.Time
}

func NewManifest(db *gorm.DB, opts ManifestOptions) *Manifest {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manifest{
		db:         db,
		staleAfter: opts.StaleAfter,
		onError:    opts.OnError,
		logger:     logging.Default(opts.Logger).With("component", "manifest"),
		now:        now,
		epoch:      now().UTC(),
	}
}

// BeginIngest claims fi for ingestion, or reports why the caller should not
// process it.
func (m *Manifest) BeginIngest(ctx context.Context, fi FileInfo) (Claim, error) {
	var claim Claim
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := m.now().UTC()
		var entry FileManifestEntry
		err := tx.Where("digest = ? AND status <> ?", fi.Digest, StatusDeleted).First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entry = FileManifestEntry{
				Path:       fi.Path,
				Digest:     fi.Digest,
				SizeBytes:  fi.Size,
				ModTime:    fi.ModTime.UTC(),
				SourceHost: fi.Host,
				SourceApp:  fi.App,
				Format:     fi.Format,
				StartedAt:  now,
				Status:     StatusProcessing,
				Attempts:   1,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("create entry: %w", err)
			}
			id, err := openAttempt(tx, entry.ID, now)
			if err != nil {
				return err
			}
			claim = Claim{Entry: entry, Outcome: ClaimCreated, AttemptID: id}
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup digest: %w", err)
		}

		switch entry.Status {
		case StatusCommitted:
			claim = Claim{Entry: entry, Outcome: ClaimAlreadyCommitted}
			return nil
		case StatusError:
			claim = Claim{Entry: entry, Outcome: ClaimPreviouslyFailed}
			return nil
		}

		if !m.isStale(entry, now) {
			claim = Claim{Entry: entry, Outcome: ClaimInProgress}
			return nil
		}
		if err := closeAttempts(tx, entry.ID, AttemptAbandoned, "claim went stale", now); err != nil {
			return err
		}
		res := tx.Model(&FileManifestEntry{}).
			Where("id = ? AND status = ?", entry.ID, StatusProcessing).
			Updates(map[string]any{
				"path":       fi.Path,
				"started_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return fmt.Errorf("resume entry: %w", res.Error)
		}
		id, err := openAttempt(tx, entry.ID, now)
		if err != nil {
			return err
		}
		if err := tx.First(&entry, entry.ID).Error; err != nil {
			return err
		}
		claim = Claim{Entry: entry, Outcome: ClaimResumed, AttemptID: id}
		return nil
	})
	if err != nil {
		return Claim{}, fmt.Errorf("begin ingest %s: %w", fi.Path, err)
	}
	if claim.Outcome == ClaimResumed {
		m.logger.Info("resumed stale claim", "file_id", claim.Entry.ID, "path", fi.Path, "attempt", claim.Entry.Attempts)
	}
	return claim, nil
}

func (m *Manifest) isStale(entry FileManifestEntry, now time.Time) bool {
	if entry.StartedAt.Before(m.epoch) {
		return true
	}
	return m.staleAfter > 0 && now.Sub(entry.StartedAt) >= m.staleAfter
}

// MarkCommitted moves a processing entry to committed.
func (m *Manifest) MarkCommitted(ctx context.Context, id uint, lines int) error {
	now := m.now().UTC()
	_, err := m.transition(ctx, id, []FileStatus{StatusProcessing}, StatusCommitted, func(tx *gorm.DB) error {
		if err := tx.Model(&FileManifestEntry{}).Where("id = ?", id).
			Updates(map[string]any{"completed_at": now, "last_error": "", "quarantine_path": ""}).Error; err != nil {
			return err
		}
		return closeAttemptsWithLines(tx, id, AttemptCommitted, "", lines, now)
	})
	return err
}

// MarkError moves a processing entry to error. quarantinePath may be empty
// when the source could not be moved.
func (m *Manifest) MarkError(ctx context.Context, id uint, reason, quarantinePath string) error {
	now := m.now().UTC()
	entry, err := m.transition(ctx, id, []FileStatus{StatusProcessing}, StatusError, func(tx *gorm.DB) error {
		if err := tx.Model(&FileManifestEntry{}).Where("id = ?", id).
			Updates(map[string]any{"completed_at": now, "last_error": reason, "quarantine_path": quarantinePath}).Error; err != nil {
			return err
		}
		return closeAttempts(tx, id, AttemptFailed, reason, now)
	})
	if err != nil {
		return err
	}
	m.notifyError(entry)
	return nil
}

// MarkDeleted retires a committed or error entry and removes the events and
// annotations it owns. The entry row itself is kept.
func (m *Manifest) MarkDeleted(ctx context.Context, id uint) error {
	now := m.now().UTC()
	_, err := m.transition(ctx, id, []FileStatus{StatusCommitted, StatusError}, StatusDeleted, func(tx *gorm.DB) error {
		events := tx.Model(&EventOccurrence{}).Select("id").Where("file_id = ?", id)
		if err := tx.Where("event_id IN (?)", events).Delete(&Annotation{}).Error; err != nil {
			return fmt.Errorf("delete annotations: %w", err)
		}
		if err := tx.Where("file_id = ?", id).Delete(&EventOccurrence{}).Error; err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		return tx.Model(&FileManifestEntry{}).Where("id = ?", id).Update("deleted_at", now).Error
	})
	if err == nil {
		m.logger.Info("entry deleted", "file_id", id)
	}
	return err
}

// Retry re-opens an error entry under a fresh attempt. The failed attempt
// rows are left as they were.
func (m *Manifest) Retry(ctx context.Context, id uint) (Claim, error) {
	now := m.now().UTC()
	var attemptID string
	entry, err := m.transition(ctx, id, []FileStatus{StatusError}, StatusProcessing, func(tx *gorm.DB) error {
		err := tx.Model(&FileManifestEntry{}).Where("id = ?", id).
			Updates(map[string]any{
				"started_at":   now,
				"completed_at": nil,
				"last_error":   "",
				"attempts":     gorm.Expr("attempts + 1"),
			}).Error
		if err != nil {
			return err
		}
		attemptID, err = openAttempt(tx, id, now)
		return err
	})
	if err != nil {
		return Claim{}, err
	}
	return Claim{Entry: entry, Outcome: ClaimRetried, AttemptID: attemptID}, nil
}

// PromoteStale moves processing entries started before cutoff to error.
// It is an administrative sweep for claims nobody will resume.
func (m *Manifest) PromoteStale(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []FileManifestEntry
	if err := m.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", StatusProcessing, cutoff.UTC()).
		Order("id").Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("find stale: %w", err)
	}
	promoted := 0
	for _, e := range stale {
		now := m.now().UTC()
		entry, err := m.transition(ctx, e.ID, []FileStatus{StatusProcessing}, StatusError, func(tx *gorm.DB) error {
			if err := tx.Model(&FileManifestEntry{}).Where("id = ?", e.ID).
				Updates(map[string]any{"completed_at": now, "last_error": "abandoned"}).Error; err != nil {
				return err
			}
			return closeAttempts(tx, e.ID, AttemptAbandoned, "abandoned", now)
		})
		if errors.Is(err, ErrInvalidTransition) {
			// Finished between the scan and the update.
			continue
		}
		if err != nil {
			return promoted, err
		}
		promoted++
		m.notifyError(entry)
	}
	return promoted, nil
}

// Get returns one entry by id.
func (m *Manifest) Get(ctx context.Context, id uint) (FileManifestEntry, error) {
	var entry FileManifestEntry
	err := m.db.WithContext(ctx).First(&entry, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entry, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	return entry, err
}

// ListByStatus returns entries in the given status, oldest first. An empty
// status lists every entry. limit <= 0 means no limit.
func (m *Manifest) ListByStatus(ctx context.Context, status FileStatus, limit int) ([]FileManifestEntry, error) {
	q := m.db.WithContext(ctx).Order("id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []FileManifestEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list manifest: %w", err)
	}
	return out, nil
}

// Attempts returns the attempt history of one entry, oldest first.
func (m *Manifest) Attempts(ctx context.Context, fileID uint) ([]IngestAttempt, error) {
	var out []IngestAttempt
	err := m.db.WithContext(ctx).Where("file_id = ?", fileID).Order("started_at, rowid").Find(&out).Error
	return out, err
}

// transition applies from→to atomically, running extra inside the same
// transaction, and returns the updated entry.
func (m *Manifest) transition(ctx context.Context, id uint, from []FileStatus, to FileStatus, extra func(tx *gorm.DB) error) (FileManifestEntry, error) {
	var entry FileManifestEntry
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&entry, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
			}
			return err
		}
		if !slices.Contains(from, entry.Status) {
			return fmt.Errorf("%w: entry %d is %s, cannot become %s", ErrInvalidTransition, id, entry.Status, to)
		}
		res := tx.Model(&FileManifestEntry{}).Where("id = ? AND status = ?", id, entry.Status).Update("status", to)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: entry %d changed concurrently", ErrInvalidTransition, id)
		}
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		return tx.First(&entry, id).Error
	})
	return entry, err
}

func (m *Manifest) notifyError(entry FileManifestEntry) {
	m.logger.Warn("entry failed", "file_id", entry.ID, "path", entry.Path, "reason", entry.LastError)
	if m.onError != nil {
		m.onError(entry)
	}
}

func openAttempt(tx *gorm.DB, fileID uint, now time.Time) (string, error) {
	a := IngestAttempt{
		ID:        uuid.NewString(),
		FileID:    fileID,
		StartedAt: now,
		Outcome:   AttemptRunning,
	}
	if err := tx.Create(&a).Error; err != nil {
		return "", fmt.Errorf("open attempt: %w", err)
	}
	return a.ID, nil
}

func closeAttempts(tx *gorm.DB, fileID uint, outcome AttemptOutcome, reason string, now time.Time) error {
	return closeAttemptsWithLines(tx, fileID, outcome, reason, -1, now)
}

func closeAttemptsWithLines(tx *gorm.DB, fileID uint, outcome AttemptOutcome, reason string, lines int, now time.Time) error {
	updates := map[string]any{"outcome": outcome, "reason": reason, "finished_at": now}
	if lines >= 0 {
		updates["lines_written"] = lines
	}
	err := tx.Model(&IngestAttempt{}).
		Where("file_id = ? AND outcome = ?", fileID, AttemptRunning).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("close attempts: %w", err)
	}
	return nil
}

// SetFormat records the format a processing entry was parsed with.
func (m *Manifest) SetFormat(ctx context.Context, id uint, format string) error {
	err := m.db.WithContext(ctx).Model(&FileManifestEntry{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Update("format", format).Error
	if err != nil {
		return fmt.Errorf("set format: %w", err)
	}
	return nil
}
