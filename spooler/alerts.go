package spooler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"logvault/logging"
)

// Notice is a request to raise an alert. Subject narrows the dedup key so
// that, for example, each quarantined file gets its own alert.
type Notice struct {
	Code     string
	Severity Severity
	Subject  string
	Message  string
	Metadata map[string]any
}

func (n Notice) dedupKey() string {
	if n.Subject == "" {
		return n.Code
	}
	return n.Code + ":" + n.Subject
}

// AlertForwarder ships persisted alerts to an external collector.
type AlertForwarder interface {
	Forward(ctx context.Context, a Alert) error
}

// IntakeStatus reports whether ingestion intake is currently suspended.
type IntakeStatus interface {
	Suspended() (bool, string)
}

type AlertOptions struct {
	// Cooldown suppresses repeats of the same dedup key.
	Cooldown time.Duration
	// StorageThreshold raises STORAGE_HIGH when exceeded; zero disables.
	StorageThreshold int64
	// StorageSize measures stored bytes for Evaluate.
	StorageSize func(ctx context.Context) (int64, error)
	Intake      IntakeStatus
	Forwarder   AlertForwarder
	QueueSize   int
	Logger      *slog.Logger
	Now         func() time.Time
}

// AlertEngine persists alerts with a per-key cooldown. Notify is safe to
// call from hot paths: it never blocks and never touches the database.
type AlertEngine struct {
	db        *gorm.DB
	cooldown  time.Duration
	threshold int64
	sizeFn    func(ctx context.Context) (int64, error)
	intake    IntakeStatus
	forwarder AlertForwarder
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	recent map[string]time.Time

	qmu     sync.RWMutex
	queue   chan Notice
	closed  bool
	started bool
	done    chan struct{}

	dropped atomic.Int64
	dropLog rate.Sometimes
}

func NewAlertEngine(db *gorm.DB, opts AlertOptions) *AlertEngine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	return &AlertEngine{
		db:        db,
		cooldown:  opts.Cooldown,
		threshold: opts.StorageThreshold,
		sizeFn:    opts.StorageSize,
		intake:    opts.Intake,
		forwarder: opts.Forwarder,
		logger:    logging.Default(opts.Logger).With("component", "alerts"),
		now:       now,
		recent:    make(map[string]time.Time),
		queue:     make(chan Notice, size),
		done:      make(chan struct{}),
		dropLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Start launches the goroutine that persists queued notices.
func (a *AlertEngine) Start() {
	a.qmu.Lock()
	defer a.qmu.Unlock()
	if a.started || a.closed {
		return
	}
	a.started = true
	go func() {
		defer close(a.done)
		for n := range a.queue {
			a.emitLogged(n)
		}
	}()
}

// Stop closes the queue and waits until every queued notice is persisted.
// Notify after Stop drops the notice.
func (a *AlertEngine) Stop() {
	a.qmu.Lock()
	if a.closed {
		a.qmu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	started := a.started
	a.qmu.Unlock()

	if started {
		<-a.done
		return
	}
	for n := range a.queue {
		a.emitLogged(n)
	}
}

// Notify queues n without blocking. It reports false when the notice was
// dropped because the queue is full or the engine is stopped.
func (a *AlertEngine) Notify(n Notice) bool {
	a.qmu.RLock()
	defer a.qmu.RUnlock()
	if a.closed {
		a.logger.Warn("alert dropped after stop", "code", n.Code)
		return false
	}
	select {
	case a.queue <- n:
		return true
	default:
		total := a.dropped.Add(1)
		a.dropLog.Do(func() {
			a.logger.Warn("alert queue full, dropping", "code", n.Code, "subject", n.Subject, "dropped_total", total)
		})
		return false
	}
}

// Dropped reports how many notices were discarded on a full queue.
func (a *AlertEngine) Dropped() int64 { return a.dropped.Load() }

func (a *AlertEngine) emitLogged(n Notice) {
	if _, err := a.Emit(context.Background(), n); err != nil {
		a.logger.Error("persist alert", "code", n.Code, "error", err)
	}
}

// Emit persists n unless the same dedup key fired within the cooldown. The
// last persisted alert is consulted as well, so a restart does not repeat
// alerts that are still cooling down. It reports whether an alert was
// written.
func (a *AlertEngine) Emit(ctx context.Context, n Notice) (bool, error) {
	key := n.dedupKey()
	now := a.now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	if last, ok := a.recent[key]; ok && a.cooldown > 0 && now.Sub(last) < a.cooldown {
		return false, nil
	}
	if a.cooldown > 0 {
		var prev Alert
		err := a.db.WithContext(ctx).Where("dedup_key = ?", key).Order("created_at DESC").First(&prev).Error
		switch {
		case err == nil:
			if now.Sub(prev.CreatedAt) < a.cooldown {
				a.recent[key] = prev.CreatedAt
				return false, nil
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return false, fmt.Errorf("cooldown lookup: %w", err)
		}
	}

	sev := n.Severity
	if sev == "" {
		sev = SeverityWarning
	}
	row := Alert{
		Severity:  sev,
		Code:      n.Code,
		Message:   n.Message,
		DedupKey:  key,
		CreatedAt: now,
	}
	if len(n.Metadata) > 0 {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return false, fmt.Errorf("alert metadata: %w", err)
		}
		row.Metadata = string(b)
	}
	if err := a.db.WithContext(ctx).Create(&row).Error; err != nil {
		return false, fmt.Errorf("create alert: %w", err)
	}
	a.recent[key] = now
	a.logger.Info("alert raised", "code", row.Code, "severity", row.Severity, "message", row.Message)

	if a.forwarder != nil {
		if err := a.forwarder.Forward(ctx, row); err != nil {
			a.logger.Warn("alert forward failed", "code", row.Code, "error", err)
		}
	}
	return true, nil
}

// Evaluate runs the periodic condition checks: storage volume against the
// configured threshold and the intake gate state.
func (a *AlertEngine) Evaluate(ctx context.Context) error {
	var errs []error
	if a.threshold > 0 && a.sizeFn != nil {
		size, err := a.sizeFn(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("storage size: %w", err))
		} else if size > a.threshold {
			_, err := a.Emit(ctx, Notice{
				Code:     CodeStorageHigh,
				Severity: SeverityWarning,
				Message: fmt.Sprintf("stored data %s exceeds threshold %s",
					humanize.IBytes(uint64(size)), humanize.IBytes(uint64(a.threshold))),
				Metadata: map[string]any{"bytes": size, "threshold": a.threshold},
			})
			errs = append(errs, err)
		}
	}
	if a.intake != nil {
		if suspended, reason := a.intake.Suspended(); suspended {
			_, err := a.Emit(ctx, Notice{
				Code:     CodeIngestionBackpressure,
				Severity: SeverityWarning,
				Message:  "ingestion intake suspended: " + reason,
				Metadata: map[string]any{"reason": reason},
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertFilter selects stored alerts. Zero fields do not filter.
type AlertFilter struct {
	Severity Severity
	Code     string
	Since    *time.Time
	Limit    int
}

// List returns alerts newest first.
func (a *AlertEngine) List(ctx context.Context, f AlertFilter) ([]Alert, error) {
	q := a.db.WithContext(ctx).Model(&Alert{})
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.Code != "" {
		q = q.Where("code = ?", f.Code)
	}
	if f.Since != nil {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	var out []Alert
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

// QuarantineNotice builds the QUARANTINE_NEW notice for an entry that
// moved to error.
func QuarantineNotice(e FileManifestEntry) Notice {
	return Notice{
		Code:     CodeQuarantineNew,
		Severity: SeverityError,
		Subject:  fmt.Sprintf("file:%d", e.ID),
		Message:  fmt.Sprintf("%s quarantined: %s", e.Path, e.LastError),
		Metadata: map[string]any{
			"file_id":         e.ID,
			"path":            e.Path,
			"digest":          e.Digest,
			"reason":          e.LastError,
			"quarantine_path": e.QuarantinePath,
		},
	}
}
