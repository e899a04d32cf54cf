package spooler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"logvault/logging"
	"logvault/parser"
)

// Source is a watched glob plus the context applied to its files.
type Source struct {
	Name     string
	Glob     string
	Format   string
	Host     string
	App      string
	Location *time.Location
}

type PipelineConfig struct {
	Sources      []Source
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
	Retry        RetryPolicy
	PollInterval time.Duration
	// StableWait is the pause between the size checks that decide a file
	// is no longer being written.
	StableWait        time.Duration
	IgnoreSuffixes    []string
	DeleteAfterCommit bool
	ArchiveDir        string
	SampleBytes       int
	Tags              []string
	// Sleep replaces time-based waits in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StableWait <= 0 {
		c.StableWait = time.Second
	}
	if c.IgnoreSuffixes == nil {
		c.IgnoreSuffixes = defaultIgnoreSuffixes
	}
	if c.SampleBytes <= 0 {
		c.SampleBytes = 8 * 1024
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	if c.Retry.Sleep == nil {
		c.Retry.Sleep = c.Sleep
	}
	return c
}

// BatchWriter stores one batch atomically.
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []parser.Event) (int64, error)
}

type PipelineDeps struct {
	DB         *gorm.DB
	Manifest   *Manifest
	Events     BatchWriter
	Registry   *parser.Registry
	Quarantine *Quarantine
	Alerts     Notifier
	Gate       *IntakeGate
	Policy     SaturationPolicy
	Logger     *slog.Logger
}

// Outcome is what happened to one file.
type Outcome string

const (
	OutcomeCommitted        Outcome = "committed"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeInProgress       Outcome = "in_progress"
	OutcomePreviouslyFailed Outcome = "previously_failed"
	OutcomeQuarantined      Outcome = "quarantined"
	OutcomeFailed           Outcome = "failed"
	OutcomeSkipped          Outcome = "skipped"
)

type Result struct {
	Path     string
	FileID   uint
	Outcome  Outcome
	Format   parser.Format
	Lines    int
	Inserted int64
	Reason   string
}

// Submission is pre-validated content handed to IngestContent.
type Submission struct {
	Path    string
	Host    string
	App     string
	Format  string
	Content []byte
	ModTime time.Time
}

// Pipeline moves files from sources into the event store.
type Pipeline struct {
	cfg        PipelineConfig
	db         *gorm.DB
	manifest   *Manifest
	events     BatchWriter
	registry   *parser.Registry
	quarantine *Quarantine
	alerts     Notifier
	gate       *IntakeGate
	policy     SaturationPolicy
	logger     *slog.Logger
	openFile   func(path string) (io.ReadCloser, error)

	mu       sync.Mutex
	inflight map[string]struct{}
	// settled remembers files that reached a final outcome so polling does
	// not re-read them while they stay unchanged.
	settled map[string]fileStamp
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

func NewPipeline(cfg PipelineConfig, deps PipelineDeps) (*Pipeline, error) {
	if deps.DB == nil || deps.Manifest == nil || deps.Events == nil || deps.Quarantine == nil {
		return nil, fmt.Errorf("pipeline: DB, Manifest, Events and Quarantine are required")
	}
	if deps.Registry == nil {
		deps.Registry = parser.Default()
	}
	if deps.Gate == nil {
		deps.Gate = NewIntakeGate()
	}
	if deps.Policy == nil {
		deps.Policy = StoragePolicy{}
	}
	if deps.Alerts == nil {
		deps.Alerts = discardNotifier{}
	}
	return &Pipeline{
		cfg:        cfg.withDefaults(),
		db:         deps.DB,
		manifest:   deps.Manifest,
		events:     deps.Events,
		registry:   deps.Registry,
		quarantine: deps.Quarantine,
		alerts:     deps.Alerts,
		gate:       deps.Gate,
		policy:     deps.Policy,
		logger:     logging.Default(deps.Logger).With("component", "pipeline"),
		openFile:   func(path string) (io.ReadCloser, error) { return os.Open(path) },
		inflight:   make(map[string]struct{}),
		settled:    make(map[string]fileStamp),
	}, nil
}

type discardNotifier struct{}

func (discardNotifier) Notify(Notice) bool { return false }

// input is a file on disk or a submitted buffer, seen through one
// interface by process.
type input struct {
	path      string
	src       Source
	size      int64
	modTime   time.Time
	content   []byte
	submitted bool
	// quarantined marks a retry whose source already lives in quarantine.
	quarantined bool
}

func (p *Pipeline) open(in input) (io.ReadCloser, error) {
	if in.submitted {
		return io.NopCloser(bytes.NewReader(in.content)), nil
	}
	return p.openFile(in.path)
}

// sourceReader records read failures of the underlying source, so a broken
// stream can be told apart from content the decoder or parser rejects.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(b []byte) (int, error) {
	n, err := s.r.Read(b)
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
	return n, err
}

// IngestFile processes one file with the context of src.
func (p *Pipeline) IngestFile(ctx context.Context, path string, src Source) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{Path: path}, fmt.Errorf("%w: %w", ErrUnreadableInput, err)
	}
	if info.IsDir() {
		return Result{Path: path, Outcome: OutcomeSkipped, Reason: "directory"}, nil
	}
	if err := p.awaitIntake(ctx); err != nil {
		return Result{Path: path}, err
	}
	return p.process(ctx, input{path: path, src: src, size: info.Size(), modTime: info.ModTime()})
}

// IngestContent ingests submitted content through the same manifest,
// parser and store path as watched files. Submissions run concurrently;
// the results keep the submission order.
func (p *Pipeline) IngestContent(ctx context.Context, subs []Submission) ([]Result, error) {
	results := make([]Result, len(subs))
	errs := make([]error, len(subs))
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, s := range subs {
		g.Go(func() error {
			modTime := s.ModTime
			if modTime.IsZero() {
				modTime = time.Now()
			}
			in := input{
				path:      s.Path,
				src:       Source{Format: s.Format, Host: s.Host, App: s.App},
				size:      int64(len(s.Content)),
				modTime:   modTime,
				content:   s.Content,
				submitted: true,
			}
			if err := p.awaitIntake(ctx); err != nil {
				results[i], errs[i] = Result{Path: s.Path}, err
				return nil
			}
			results[i], errs[i] = p.process(ctx, in)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// RetryEntry re-opens an entry in error and ingests its content again,
// from quarantine when it was moved there. formatHint overrides the
// recorded format when set.
func (p *Pipeline) RetryEntry(ctx context.Context, id uint, formatHint string) (Result, error) {
	entry, err := p.manifest.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	source := entry.QuarantinePath
	if source == "" {
		source = entry.Path
	}
	info, err := os.Stat(source)
	if err != nil {
		return Result{Path: source, FileID: id}, fmt.Errorf("retry %d: content not available: %w", id, err)
	}
	claim, err := p.manifest.Retry(ctx, id)
	if err != nil {
		return Result{Path: source, FileID: id}, err
	}
	format := entry.Format
	if strings.TrimSpace(formatHint) != "" {
		format = formatHint
	}
	in := input{
		path:        source,
		src:         Source{Format: format, Host: entry.SourceHost, App: entry.SourceApp},
		size:        info.Size(),
		modTime:     entry.ModTime,
		quarantined: entry.QuarantinePath != "",
	}
	return p.ingestClaimed(ctx, in, claim)
}

func (p *Pipeline) process(ctx context.Context, in input) (Result, error) {
	res := Result{Path: in.path}
	if in.size == 0 {
		res.Outcome, res.Reason = OutcomeSkipped, "empty"
		return res, nil
	}
	if err := Ping(ctx, p.db); err != nil {
		p.storageUnreachable(err)
		return res, fmt.Errorf("storage unreachable: %w", err)
	}

	digest, err := p.digest(in)
	if err != nil {
		return res, err
	}
	claim, err := p.manifest.BeginIngest(ctx, FileInfo{
		Path:    in.path,
		Digest:  digest,
		Size:    in.size,
		ModTime: in.modTime,
		Host:    in.src.Host,
		App:     in.src.App,
		Format:  in.src.Format,
	})
	if err != nil {
		return res, err
	}
	res.FileID = claim.Entry.ID

	switch claim.Outcome {
	case ClaimAlreadyCommitted:
		res.Outcome = OutcomeDuplicate
		p.disposeSource(in)
		return res, nil
	case ClaimInProgress:
		res.Outcome = OutcomeInProgress
		return res, nil
	case ClaimPreviouslyFailed:
		res.Outcome, res.Reason = OutcomePreviouslyFailed, claim.Entry.LastError
		if !in.submitted {
			if _, err := p.quarantine.Move(in.path, "content previously failed: "+claim.Entry.LastError); err != nil {
				p.logger.Warn("move previously failed file", "path", in.path, "error", err)
			}
		}
		return res, nil
	}
	return p.ingestClaimed(ctx, in, claim)
}

// ingestClaimed parses and stores a file the caller owns.
func (p *Pipeline) ingestClaimed(ctx context.Context, in input, claim Claim) (Result, error) {
	entry := claim.Entry
	res := Result{Path: in.path, FileID: entry.ID}

	prs, err := p.resolveParser(in)
	if errors.Is(err, errSourceGone) {
		// The claim stays processing and is resumed when the content shows
		// up again or swept by PromoteStale.
		return res, err
	}
	if err != nil {
		return p.fail(ctx, in, entry, res, OutcomeQuarantined, err.Error())
	}
	res.Format = prs.Format()
	if err := p.manifest.SetFormat(ctx, entry.ID, string(prs.Format())); err != nil {
		return res, err
	}

	raw, err := p.open(in)
	if err != nil {
		return res, fmt.Errorf("%w: %w", errSourceGone, err)
	}
	defer raw.Close()
	src := &sourceReader{r: raw}
	rc, err := parser.Decompress(in.path, src)
	if src.err != nil {
		return res, fmt.Errorf("%w: %w", errSourceGone, src.err)
	}
	if err != nil {
		return p.fail(ctx, in, entry, res, OutcomeQuarantined, err.Error())
	}
	defer rc.Close()

	fc := parser.FileContext{
		FileID:    entry.ID,
		Path:      in.path,
		Host:      in.src.Host,
		App:       in.src.App,
		Format:    prs.Format(),
		Reference: in.modTime,
		Location:  in.src.Location,
		Tags:      p.cfg.Tags,
	}
	batch := make([]parser.Event, 0, p.cfg.BatchSize)
	var readErr, writeErr error
	flush := func() {
		n, err := p.writeBatch(ctx, entry.ID, batch)
		res.Inserted += n
		writeErr = err
		batch = batch[:0]
	}
	for line, err := range prs.Lines(rc) {
		if err != nil {
			readErr = err
			break
		}
		res.Lines++
		batch = append(batch, parser.Normalize(line, fc))
		if len(batch) == p.cfg.BatchSize {
			if flush(); writeErr != nil {
				break
			}
		}
	}
	if readErr == nil && writeErr == nil && len(batch) > 0 {
		flush()
	}

	switch {
	case ctx.Err() != nil:
		// Shutdown: what was committed stays; the claim is resumed on restart.
		return res, ctx.Err()
	case readErr != nil && src.err != nil:
		// The source failed mid-read. Stored batches stay and the claim
		// stays processing, so a resumed attempt fills in the rest.
		p.logger.Warn("source read failed", "path", in.path, "file_id", entry.ID, "lines", res.Lines, "error", src.err)
		return res, fmt.Errorf("%w: %w", errSourceGone, src.err)
	case readErr != nil:
		return p.fail(ctx, in, entry, res, OutcomeQuarantined, readErr.Error())
	case writeErr != nil:
		return p.fail(ctx, in, entry, res, OutcomeFailed, "write retries exhausted: "+writeErr.Error())
	}

	if err := p.manifest.MarkCommitted(ctx, entry.ID, res.Lines); err != nil {
		return res, err
	}
	res.Outcome = OutcomeCommitted
	p.logger.Info("file committed", "path", in.path, "file_id", entry.ID, "format", res.Format, "lines", res.Lines, "inserted", res.Inserted)
	p.disposeSource(in)
	return res, nil
}

var errSourceGone = errors.New("source not readable")

func (p *Pipeline) resolveParser(in input) (parser.Parser, error) {
	raw, err := p.open(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errSourceGone, err)
	}
	defer raw.Close()
	src := &sourceReader{r: raw}
	rc, err := parser.Decompress(in.path, src)
	if src.err != nil {
		return nil, fmt.Errorf("%w: %w", errSourceGone, src.err)
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	sample, err := io.ReadAll(io.LimitReader(rc, int64(p.cfg.SampleBytes)))
	if src.err != nil {
		return nil, fmt.Errorf("%w: %w", errSourceGone, src.err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableInput, err)
	}
	return p.registry.Resolve(in.src.Format, in.path, sample)
}

func (p *Pipeline) digest(in input) (string, error) {
	if in.submitted {
		return parser.BytesDigest(in.content), nil
	}
	f, err := p.openFile(in.path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnreadableInput, err)
	}
	defer f.Close()
	return parser.FileDigest(f)
}

// writeBatch stores one batch with bounded retries. A failure the policy
// classifies as saturation closes the intake gate before the next attempt.
func (p *Pipeline) writeBatch(ctx context.Context, fileID uint, batch []parser.Event) (int64, error) {
	var inserted int64
	err := p.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
		defer cancel()
		n, err := p.events.WriteBatch(actx, batch)
		if err != nil {
			return err
		}
		inserted = n
		return nil
	}, func(attempt int, err error) {
		p.logger.Warn("batch write failed", "file_id", fileID, "attempt", attempt, "error", err)
		if saturated, reason := p.policy.Saturated(ctx, err); saturated {
			p.suspendIntake(reason)
		}
	})
	if err != nil {
		return 0, err
	}
	p.resumeIntake()
	return inserted, nil
}

// fail quarantines the source and moves the entry to error.
func (p *Pipeline) fail(ctx context.Context, in input, entry FileManifestEntry, res Result, outcome Outcome, reason string) (Result, error) {
	res.Outcome, res.Reason = outcome, reason
	qpath, err := p.quarantineSource(in, reason)
	if err != nil {
		p.logger.Warn("quarantine failed", "path", in.path, "error", err)
	}
	// Record the failure even when the caller is shutting down.
	if err := p.manifest.MarkError(context.WithoutCancel(ctx), entry.ID, reason, qpath); err != nil {
		return res, err
	}
	p.settle(in)
	return res, nil
}

func (p *Pipeline) quarantineSource(in input, reason string) (string, error) {
	switch {
	case in.submitted:
		return p.quarantine.Store(in.path, in.content, reason)
	case in.quarantined:
		p.quarantine.writeReason(in.path, in.path, reason)
		return in.path, nil
	default:
		return p.quarantine.Move(in.path, reason)
	}
}

// disposeSource applies the archive/delete policy to a stored file.
func (p *Pipeline) disposeSource(in input) {
	defer p.settle(in)
	switch {
	case in.submitted:
		return
	case in.quarantined:
		_ = os.Remove(in.path + reasonSuffix)
		if err := os.Remove(in.path); err != nil {
			p.logger.Warn("remove retried quarantine file", "path", in.path, "error", err)
		}
	case p.cfg.ArchiveDir != "":
		if dst, err := MoveFileToDir(in.path, p.cfg.ArchiveDir); err != nil {
			p.logger.Warn("archive source", "path", in.path, "error", err)
		} else {
			p.logger.Debug("archived source", "path", in.path, "archive", dst)
		}
	case p.cfg.DeleteAfterCommit:
		if err := os.Remove(in.path); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("delete source", "path", in.path, "error", err)
		}
	}
}

func (p *Pipeline) suspendIntake(reason string) {
	if !p.gate.Close(reason) {
		return
	}
	p.logger.Warn("intake suspended", "reason", reason)
	p.alerts.Notify(Notice{
		Code:     CodeIngestionBackpressure,
		Severity: SeverityWarning,
		Message:  "ingestion intake suspended: " + reason,
		Metadata: map[string]any{"reason": reason},
	})
}

func (p *Pipeline) resumeIntake() {
	if p.gate.Open() {
		p.logger.Info("intake resumed")
	}
}

func (p *Pipeline) storageUnreachable(err error) {
	if !p.gate.Close("storage unreachable") {
		return
	}
	p.logger.Error("storage unreachable, intake suspended", "error", err)
	p.alerts.Notify(Notice{
		Code:     CodeStorageUnreachable,
		Severity: SeverityError,
		Message:  "storage unreachable: " + err.Error(),
	})
}

// awaitIntake blocks while the gate is closed, probing storage every poll
// interval and reopening the gate once it is healthy.
func (p *Pipeline) awaitIntake(ctx context.Context) error {
	for {
		if suspended, _ := p.gate.Suspended(); !suspended {
			return nil
		}
		if p.healthy(ctx) {
			p.resumeIntake()
			continue
		}
		if err := p.cfg.Sleep(ctx, p.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (p *Pipeline) healthy(ctx context.Context) bool {
	if err := Ping(ctx, p.db); err != nil {
		return false
	}
	saturated, _ := p.policy.Saturated(ctx, nil)
	return !saturated
}

// claimPath marks path in flight. It reports false if it already was.
func (p *Pipeline) claimPath(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[path]; ok {
		return false
	}
	p.inflight[path] = struct{}{}
	return true
}

func (p *Pipeline) releasePath(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, path)
}

func (p *Pipeline) settle(in input) {
	if in.submitted {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled[in.path] = fileStamp{size: in.size, modTime: in.modTime}
}

// isSettled reports whether path reached a final outcome and has not
// changed since.
func (p *Pipeline) isSettled(path string, info os.FileInfo) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.settled[path]
	if !ok {
		return false
	}
	if st.size == info.Size() && st.modTime.Equal(info.ModTime()) {
		return true
	}
	delete(p.settled, path)
	return false
}

func (p *Pipeline) ignored(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(base, reasonSuffix) {
		return true
	}
	for _, s := range p.cfg.IgnoreSuffixes {
		if s != "" && strings.HasSuffix(base, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
