package spooler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"logvault/parser"
)

const threeLines = "2024-01-01T00:00:00Z INFO start\n" +
	"??:??:?? [WARN] clock glitch\n" +
	"2024-01-01T00:00:02Z ERROR end\n"

type pipelineFixture struct {
	dir      string
	db       *gorm.DB
	manifest *Manifest
	store    *EventStore
	alerts   *recordingNotifier
	gate     *IntakeGate
	qdir     string
	pipeline *Pipeline
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// newPipelineFixture builds a pipeline over a fresh database. wrap, when
// set, decorates the event store to inject write failures.
func newPipelineFixture(t *testing.T, cfg PipelineConfig, wrap func(BatchWriter) BatchWriter) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{dir: t.TempDir(), db: openTestDB(t), alerts: &recordingNotifier{}, gate: NewIntakeGate()}
	f.qdir = filepath.Join(f.dir, "quarantine")
	f.manifest = NewManifest(f.db, ManifestOptions{
		StaleAfter: time.Hour,
		OnError:    func(e FileManifestEntry) { f.alerts.Notify(QuarantineNotice(e)) },
	})
	f.store = NewEventStore(f.db)
	var writer BatchWriter = f.store
	if wrap != nil {
		writer = wrap(writer)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = noSleep
	}
	p, err := NewPipeline(cfg, PipelineDeps{
		DB:         f.db,
		Manifest:   f.manifest,
		Events:     writer,
		Quarantine: NewQuarantine(f.qdir, QuarantineOptions{}),
		Alerts:     f.alerts,
		Gate:       f.gate,
	})
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func (f *pipelineFixture) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(f.dir, "in", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func (f *pipelineFixture) rows(t *testing.T) []EventOccurrence {
	t.Helper()
	rows, err := f.store.Query(t.Context(), EventFilter{Limit: maxQueryLimit})
	require.NoError(t, err)
	return rows
}

func (f *pipelineFixture) countCode(code string) int {
	n := 0
	for _, c := range f.alerts.codes() {
		if c == code {
			n++
		}
	}
	return n
}

// flakyWriter fails the first fail calls. With applyFirst set, a failing
// call still writes its batch before reporting the error, like a commit
// whose acknowledgement was lost.
type flakyWriter struct {
	next       BatchWriter
	mu         sync.Mutex
	fail       int
	always     bool
	applyFirst bool
	err        error
	calls      int
}

func (w *flakyWriter) WriteBatch(ctx context.Context, events []parser.Event) (int64, error) {
	w.mu.Lock()
	w.calls++
	failing := w.always || w.fail > 0
	if w.fail > 0 {
		w.fail--
	}
	w.mu.Unlock()
	if !failing {
		return w.next.WriteBatch(ctx, events)
	}
	if w.applyFirst {
		if _, err := w.next.WriteBatch(ctx, events); err != nil {
			return 0, err
		}
	}
	return 0, w.err
}

func (w *flakyWriter) heal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.always = false
	w.fail = 0
}

// failAfterWriter lets the first ok calls through and fails every call
// after that until healed.
type failAfterWriter struct {
	next   BatchWriter
	mu     sync.Mutex
	ok     int
	healed bool
	calls  int
}

func (w *failAfterWriter) WriteBatch(ctx context.Context, events []parser.Event) (int64, error) {
	w.mu.Lock()
	w.calls++
	failing := !w.healed && w.calls > w.ok
	w.mu.Unlock()
	if failing {
		return 0, errors.New("disk I/O error")
	}
	return w.next.WriteBatch(ctx, events)
}

func (w *failAfterWriter) heal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healed = true
}

// hangWriter blocks until the write context ends.
type hangWriter struct {
	mu    sync.Mutex
	calls int
}

func (w *hangWriter) WriteBatch(ctx context.Context, _ []parser.Event) (int64, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	<-ctx.Done()
	return 0, ctx.Err()
}

// brokenReader returns data and then fails like a disk that went away.
type brokenReader struct {
	data []byte
}

func (r *brokenReader) Read(b []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, errors.New("input/output error")
	}
	n := copy(b, r.data)
	r.data = r.data[n:]
	return n, nil
}

func (*brokenReader) Close() error { return nil }

func TestPipeline_ThreeLineFile(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{}, nil)
	path := f.write(t, "app.log", threeLines)

	res, err := f.pipeline.IngestFile(t.Context(), path, Source{Host: "web1", App: "api"})
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, res.Outcome)
	require.Equal(t, parser.FormatPlaintext, res.Format)
	require.Equal(t, 3, res.Lines)
	require.EqualValues(t, 3, res.Inserted)

	rows := f.rows(t)
	require.Len(t, rows, 3)
	require.NotNil(t, rows[0].EventTime)
	require.Nil(t, rows[1].EventTime)
	require.Equal(t, "warn", rows[1].Level)
	require.Equal(t, "??:??:?? [WARN] clock glitch", rows[1].Message)
	require.Equal(t, "error", rows[2].Level)
	for i, r := range rows {
		require.Equal(t, i+1, r.LineNo)
		require.Equal(t, "web1", r.SourceHost)
		require.Equal(t, res.FileID, r.FileID)
	}

	entry, err := f.manifest.Get(t.Context(), res.FileID)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, entry.Status)
	require.Equal(t, "plaintext", entry.Format)
	require.FileExists(t, path, "sources stay unless delete or archive is configured")
}

func TestPipeline_ReingestIsIdempotent(t *testing.T) {
	ctx := t.Context()
	f := newPipelineFixture(t, PipelineConfig{}, nil)
	path := f.write(t, "app.log", threeLines)

	first, err := f.pipeline.IngestFile(ctx, path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, first.Outcome)

	again, err := f.pipeline.IngestFile(ctx, path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, again.Outcome)
	require.Equal(t, first.FileID, again.FileID)

	copyPath := f.write(t, "renamed.log", threeLines)
	dup, err := f.pipeline.IngestFile(ctx, copyPath, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, dup.Outcome)
	require.Equal(t, first.FileID, dup.FileID)

	require.Len(t, f.rows(t), 3)
	all, err := f.manifest.ListByStatus(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPipeline_UnsupportedFormatQuarantinesOnce(t *testing.T) {
	ctx := t.Context()
	f := newPipelineFixture(t, PipelineConfig{}, nil)
	path := f.write(t, "events.xml", "<event>one</event>\n")

	res, err := f.pipeline.IngestFile(ctx, path, Source{Format: "xml"})
	require.NoError(t, err)
	require.Equal(t, OutcomeQuarantined, res.Outcome)
	require.Contains(t, res.Reason, "unsupported format")
	require.Empty(t, f.rows(t))

	entry, err := f.manifest.Get(ctx, res.FileID)
	require.NoError(t, err)
	require.Equal(t, StatusError, entry.Status)
	require.NoFileExists(t, path)
	require.FileExists(t, entry.QuarantinePath)
	reason, err := ReadReason(entry.QuarantinePath)
	require.NoError(t, err)
	require.Equal(t, entry.LastError, reason)

	require.Equal(t, []string{CodeQuarantineNew}, f.alerts.codes())

	// Dropping the same content again is not a new failure.
	again := f.write(t, "events-again.xml", "<event>one</event>\n")
	res, err = f.pipeline.IngestFile(ctx, again, Source{Format: "xml"})
	require.NoError(t, err)
	require.Equal(t, OutcomePreviouslyFailed, res.Outcome)
	require.Equal(t, 1, f.countCode(CodeQuarantineNew))
}

func TestPipeline_BinaryContentIsQuarantined(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{}, nil)
	path := f.write(t, "blob.dat", "\x00\x01\x02\x03binary")

	res, err := f.pipeline.IngestFile(t.Context(), path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeQuarantined, res.Outcome)
	require.Empty(t, f.rows(t))
	require.Equal(t, 1, f.countCode(CodeQuarantineNew))
}

func TestPipeline_EmptyFileIsSkipped(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{}, nil)
	path := f.write(t, "empty.log", "")

	res, err := f.pipeline.IngestFile(t.Context(), path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, res.Outcome)
	all, err := f.manifest.ListByStatus(t.Context(), "", 0)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestPipeline_RetriesLostAcknowledgements(t *testing.T) {
	var w *flakyWriter
	f := newPipelineFixture(t, PipelineConfig{BatchSize: 2, Retry: RetryPolicy{Attempts: 3}}, func(next BatchWriter) BatchWriter {
		w = &flakyWriter{next: next, fail: 2, applyFirst: true, err: errors.New("connection reset")}
		return w
	})
	path := f.write(t, "app.log", "a\nb\nc\nd\ne\n")

	res, err := f.pipeline.IngestFile(t.Context(), path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, res.Outcome)
	require.Equal(t, 5, res.Lines)

	rows := f.rows(t)
	require.Len(t, rows, 5, "every line exactly once")
	for i, r := range rows {
		require.Equal(t, i+1, r.LineNo)
	}
	// Two failures on the first batch, then three successful batches.
	require.Equal(t, 5, w.calls)
}

func TestPipeline_SaturationSuspendsThenResumes(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{Retry: RetryPolicy{Attempts: 5}}, func(next BatchWriter) BatchWriter {
		return &flakyWriter{next: next, fail: 2, err: errors.New("database is locked (5) (SQLITE_BUSY)")}
	})
	path := f.write(t, "app.log", threeLines)

	res, err := f.pipeline.IngestFile(t.Context(), path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, res.Outcome)
	require.Equal(t, 1, f.countCode(CodeIngestionBackpressure))

	suspended, _ := f.gate.Suspended()
	require.False(t, suspended)
}

func TestPipeline_ExhaustedRetriesThenManualRetry(t *testing.T) {
	ctx := t.Context()
	var w *flakyWriter
	f := newPipelineFixture(t, PipelineConfig{Retry: RetryPolicy{Attempts: 3}}, func(next BatchWriter) BatchWriter {
		w = &flakyWriter{next: next, always: true, err: errors.New("disk I/O error")}
		return w
	})
	path := f.write(t, "app.log", threeLines)

	res, err := f.pipeline.IngestFile(ctx, path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, 3, w.calls)
	require.Empty(t, f.rows(t))

	entry, err := f.manifest.Get(ctx, res.FileID)
	require.NoError(t, err)
	require.Equal(t, StatusError, entry.Status)
	require.Contains(t, entry.LastError, "write retries exhausted")
	require.FileExists(t, entry.QuarantinePath)
	require.Equal(t, 1, f.countCode(CodeQuarantineNew))

	w.heal()
	retried, err := f.pipeline.RetryEntry(ctx, entry.ID, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, retried.Outcome)
	require.Equal(t, entry.ID, retried.FileID)
	require.Len(t, f.rows(t), 3)
	require.NoFileExists(t, entry.QuarantinePath)
	require.NoFileExists(t, entry.QuarantinePath+reasonSuffix)

	entry, err = f.manifest.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, entry.Status)
	require.Equal(t, 2, entry.Attempts)
}

func TestPipeline_RetryWithFormatHint(t *testing.T) {
	ctx := t.Context()
	f := newPipelineFixture(t, PipelineConfig{}, nil)
	path := f.write(t, "events.xml", "{\"msg\":\"hi\",\"level\":\"info\"}\n")

	res, err := f.pipeline.IngestFile(ctx, path, Source{Format: "xml"})
	require.NoError(t, err)
	require.Equal(t, OutcomeQuarantined, res.Outcome)

	retried, err := f.pipeline.RetryEntry(ctx, res.FileID, "jsonl")
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, retried.Outcome)
	require.Equal(t, parser.FormatJSONL, retried.Format)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	require.Equal(t, "info", rows[0].Level)

	_, err = f.pipeline.RetryEntry(ctx, res.FileID, "")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPipeline_IngestContent(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{}, nil)
	results, err := f.pipeline.IngestContent(t.Context(), []Submission{
		{Path: "upload/a.jsonl", Host: "edge", Content: []byte("{\"msg\":\"one\"}\n{\"msg\":\"two\"}\n")},
		{Path: "upload/b.bin", Content: []byte{0, 0, 1, 2}},
		{Path: "upload/c.log"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, OutcomeCommitted, results[0].Outcome)
	require.Equal(t, parser.FormatJSONL, results[0].Format)
	require.Equal(t, OutcomeQuarantined, results[1].Outcome)
	require.Equal(t, OutcomeSkipped, results[2].Outcome)

	rows := f.rows(t)
	require.Len(t, rows, 2)
	require.Equal(t, "edge", rows[0].SourceHost)

	entry, err := f.manifest.Get(t.Context(), results[1].FileID)
	require.NoError(t, err)
	b, err := os.ReadFile(entry.QuarantinePath)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 1, 2}, b)
}

func TestPipeline_CompressedInput(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{}, nil)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(threeLines))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	path := f.write(t, "app.log.gz", buf.String())

	res, err := f.pipeline.IngestFile(t.Context(), path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, res.Outcome)
	require.Equal(t, 3, res.Lines)
	require.Equal(t, "??:??:?? [WARN] clock glitch", f.rows(t)[1].Message)
}

func TestPipeline_CorruptCompressedInputIsQuarantined(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{}, nil)
	path := f.write(t, "app.log.gz", "this is not gzip")

	res, err := f.pipeline.IngestFile(t.Context(), path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeQuarantined, res.Outcome)
	require.Equal(t, 1, f.countCode(CodeQuarantineNew))
}

func TestPipeline_ArchiveAfterCommit(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "archive")
	f := newPipelineFixture(t, PipelineConfig{ArchiveDir: archive}, nil)
	path := f.write(t, "app.log", threeLines)

	_, err := f.pipeline.IngestFile(t.Context(), path, Source{})
	require.NoError(t, err)
	require.NoFileExists(t, path)
	require.FileExists(t, filepath.Join(archive, "app.log"))
}

func TestPipeline_ReopensGateWhenStorageIsHealthy(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{}, nil)
	f.gate.Close("database is locked")
	path := f.write(t, "app.log", threeLines)

	res, err := f.pipeline.IngestFile(t.Context(), path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, res.Outcome)
	suspended, _ := f.gate.Suspended()
	require.False(t, suspended)
}

func TestPipeline_RunOnceSkipsIgnoredSuffixes(t *testing.T) {
	ctx := t.Context()
	f := newPipelineFixture(t, PipelineConfig{}, nil)
	f.write(t, "a.log", "alpha\n")
	f.write(t, "nested/b.log", "beta\n")
	partial := f.write(t, "c.log.partial", "gamma\n")
	f.write(t, "d.txt", "not matched\n")

	f.pipeline.cfg.Sources = []Source{{Name: "logs", Glob: filepath.Join(f.dir, "in", "**", "*.log*"), App: "svc"}}
	results, err := f.pipeline.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equal(t, OutcomeCommitted, r.Outcome, r.Path)
	}
	require.FileExists(t, partial)

	rows := f.rows(t)
	require.Len(t, rows, 2)
	require.Equal(t, "svc", rows[0].SourceApp)
}

func TestPipeline_RunWatchesSources(t *testing.T) {
	f := newPipelineFixture(t, PipelineConfig{
		PollInterval: 20 * time.Millisecond,
		StableWait:   5 * time.Millisecond,
		Workers:      2,
		Sleep:        sleepContext,
	}, nil)
	inDir := filepath.Join(f.dir, "in")
	require.NoError(t, os.MkdirAll(inDir, 0o755))
	f.pipeline.cfg.Sources = []Source{{Name: "in", Glob: filepath.Join(inDir, "*.log")}}

	backlog := f.write(t, "backlog.log", "before start\n")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()

	f.write(t, "live.log", "after start\n")

	require.Eventually(t, func() bool {
		committed, err := f.manifest.ListByStatus(context.Background(), StatusCommitted, 0)
		return err == nil && len(committed) == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	require.FileExists(t, backlog)
	require.Len(t, f.rows(t), 2)
}

func TestStaticPrefixAndMatch(t *testing.T) {
	require.Equal(t, "/var/log", staticPrefix("/var/log/*.log"))
	require.Equal(t, "/var/log", staticPrefix("/var/log/**/app/*.log"))
	require.Equal(t, "/var/log/app", staticPrefix("/var/log/app/current.log"))

	sources := []Source{{Name: "a", Glob: "/var/log/**/*.log"}, {Name: "b", Glob: "/var/log/*"}}
	src, ok := matchSource("/var/log/nginx/access.log", sources)
	require.True(t, ok)
	require.Equal(t, "a", src.Name)
	src, ok = matchSource("/var/log/messages", sources)
	require.True(t, ok)
	require.Equal(t, "b", src.Name)
	_, ok = matchSource("/etc/passwd", sources)
	require.False(t, ok)
}

func TestPipeline_ConcurrentSubmissionsClaimOnce(t *testing.T) {
	ctx := t.Context()
	f := newPipelineFixture(t, PipelineConfig{Workers: 8}, nil)
	subs := make([]Submission, 16)
	for i := range subs {
		subs[i] = Submission{Path: fmt.Sprintf("upload/%02d.log", i), Content: []byte(threeLines)}
	}

	results, err := f.pipeline.IngestContent(ctx, subs)
	require.NoError(t, err)
	require.Len(t, results, 16)
	counts := map[Outcome]int{}
	for _, r := range results {
		counts[r.Outcome]++
		require.Equal(t, results[0].FileID, r.FileID)
	}
	require.Equal(t, 1, counts[OutcomeCommitted])
	require.Equal(t, 15, counts[OutcomeDuplicate]+counts[OutcomeInProgress])

	all, err := f.manifest.ListByStatus(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Len(t, f.rows(t), 3)
}

func TestPipeline_BatchTimeoutCountsAsFailedAttempt(t *testing.T) {
	ctx := t.Context()
	w := &hangWriter{}
	f := newPipelineFixture(t, PipelineConfig{
		BatchTimeout: 20 * time.Millisecond,
		Retry:        RetryPolicy{Attempts: 2},
	}, func(BatchWriter) BatchWriter { return w })
	path := f.write(t, "app.log", threeLines)

	res, err := f.pipeline.IngestFile(ctx, path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Contains(t, res.Reason, context.DeadlineExceeded.Error())
	require.Equal(t, 2, w.calls)

	entry, err := f.manifest.Get(ctx, res.FileID)
	require.NoError(t, err)
	require.Equal(t, StatusError, entry.Status)
	require.Equal(t, 1, f.countCode(CodeQuarantineNew))
}

func TestPipeline_FailedBatchKeepsEarlierBatches(t *testing.T) {
	ctx := t.Context()
	var w *failAfterWriter
	f := newPipelineFixture(t, PipelineConfig{BatchSize: 2, Retry: RetryPolicy{Attempts: 2}}, func(next BatchWriter) BatchWriter {
		w = &failAfterWriter{next: next, ok: 1}
		return w
	})
	path := f.write(t, "app.log", "a\nb\nc\nd\ne\n")

	res, err := f.pipeline.IngestFile(ctx, path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.EqualValues(t, 2, res.Inserted)
	require.Len(t, f.rows(t), 2, "the first batch stays committed")

	entry, err := f.manifest.Get(ctx, res.FileID)
	require.NoError(t, err)
	require.Equal(t, StatusError, entry.Status)

	w.heal()
	retried, err := f.pipeline.RetryEntry(ctx, entry.ID, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, retried.Outcome)
	require.Equal(t, 5, retried.Lines)
	require.EqualValues(t, 3, retried.Inserted, "only the missing lines are written")

	rows := f.rows(t)
	require.Len(t, rows, 5)
	for i, r := range rows {
		require.Equal(t, i+1, r.LineNo)
	}
}

func TestPipeline_SourceReadFailureKeepsClaim(t *testing.T) {
	ctx := t.Context()
	f := newPipelineFixture(t, PipelineConfig{BatchSize: 1}, nil)
	content := "first\nsecond\nthird\n"
	path := f.write(t, "app.log", content)

	opens := 0
	f.pipeline.openFile = func(name string) (io.ReadCloser, error) {
		opens++
		// The digest and the format sample read the whole file; the line
		// stream then breaks after the first line.
		if opens == 3 {
			return &brokenReader{data: []byte("first\n")}, nil
		}
		return os.Open(name)
	}

	res, err := f.pipeline.IngestFile(ctx, path, Source{})
	require.ErrorIs(t, err, errSourceGone)
	require.Len(t, f.rows(t), 1)
	require.FileExists(t, path)
	require.Empty(t, f.alerts.codes())

	entry, err := f.manifest.Get(ctx, res.FileID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, entry.Status)

	// A restarted process resumes the claim and writes the remaining lines.
	f.pipeline.openFile = func(name string) (io.ReadCloser, error) { return os.Open(name) }
	f.pipeline.manifest = NewManifest(f.db, ManifestOptions{
		StaleAfter: time.Hour,
		Now:        func() time.Time { return time.Now().Add(time.Minute) },
	})
	resumed, err := f.pipeline.IngestFile(ctx, path, Source{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, resumed.Outcome)
	require.Equal(t, entry.ID, resumed.FileID)
	require.EqualValues(t, 2, resumed.Inserted)
	require.Len(t, f.rows(t), 3)
}
