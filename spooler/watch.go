package spooler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// candidate is a discovered file and the source whose glob matched it.
type candidate struct {
	path string
	src  Source
}

// maxStableChecks bounds how long a worker waits for a growing file before
// leaving it to the next poll.
const maxStableChecks = 10

var errNotStable = errors.New("file still changing")

// Run watches the configured sources until ctx ends. New and changed files
// are picked up through fsnotify and, as a fallback, a poll of every glob.
func (p *Pipeline) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	for _, dir := range watchDirs(p.cfg.Sources) {
		if err := watcher.Add(dir); err != nil {
			p.logger.Warn("cannot watch directory, relying on polling", "dir", dir, "error", err)
		}
	}

	jobs := make(chan candidate)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		return p.watchLoop(gctx, watcher, jobs)
	})
	for range p.cfg.Workers {
		g.Go(func() error {
			for c := range jobs {
				p.handle(gctx, c)
			}
			return nil
		})
	}
	p.logger.Info("watching sources", "sources", len(p.cfg.Sources), "workers", p.cfg.Workers)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, jobs chan<- candidate) error {
	if err := p.scan(ctx, jobs); err != nil {
		return err
	}
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if src, ok := matchSource(abs, p.cfg.Sources); ok {
				if err := p.dispatch(ctx, jobs, candidate{path: abs, src: src}); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("fsnotify error", "error", err)
		case <-ticker.C:
			if err := p.scan(ctx, jobs); err != nil {
				return err
			}
		}
	}
}

// scan dispatches every file currently matching a source glob.
func (p *Pipeline) scan(ctx context.Context, jobs chan<- candidate) error {
	found, err := discover(p.cfg.Sources)
	if err != nil {
		p.logger.Warn("discover files", "error", err)
	}
	for _, c := range found {
		if err := p.dispatch(ctx, jobs, c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, jobs chan<- candidate, c candidate) error {
	if p.ignored(c.path) || p.underManagedDir(c.path) {
		return nil
	}
	if info, err := os.Stat(c.path); err != nil || !info.Mode().IsRegular() || p.isSettled(c.path, info) {
		return nil
	}
	if !p.claimPath(c.path) {
		return nil
	}
	select {
	case jobs <- c:
		return nil
	case <-ctx.Done():
		p.releasePath(c.path)
		return ctx.Err()
	}
}

func (p *Pipeline) handle(ctx context.Context, c candidate) {
	defer p.releasePath(c.path)
	info, err := p.waitStable(ctx, c.path)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Debug("skipping file for now", "path", c.path, "error", err)
		}
		return
	}
	if err := p.awaitIntake(ctx); err != nil {
		return
	}
	res, err := p.process(ctx, input{path: c.path, src: c.src, size: info.Size(), modTime: info.ModTime()})
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("ingest failed", "path", c.path, "error", err)
		}
		return
	}
	if res.Outcome != OutcomeCommitted {
		p.logger.Debug("file handled", "path", c.path, "outcome", res.Outcome, "reason", res.Reason)
	}
}

// waitStable returns the file info once two checks StableWait apart see the
// same size and mtime.
func (p *Pipeline) waitStable(ctx context.Context, path string) (os.FileInfo, error) {
	prev, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	for range maxStableChecks {
		if err := p.cfg.Sleep(ctx, p.cfg.StableWait); err != nil {
			return nil, err
		}
		cur, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if cur.Size() == prev.Size() && cur.ModTime().Equal(prev.ModTime()) {
			return cur, nil
		}
		prev = cur
	}
	return nil, errNotStable
}

// RunOnce ingests every file currently matching a source and returns the
// per-file results. Files are assumed to be complete.
func (p *Pipeline) RunOnce(ctx context.Context) ([]Result, error) {
	found, err := discover(p.cfg.Sources)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(found))
	resCh := make(chan Result, len(found))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, c := range found {
		if p.ignored(c.path) || p.underManagedDir(c.path) {
			continue
		}
		g.Go(func() error {
			res, err := p.IngestFile(gctx, c.path, c.src)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn("ingest failed", "path", c.path, "error", err)
				res.Reason = err.Error()
			}
			resCh <- res
			return nil
		})
	}
	err = g.Wait()
	close(resCh)
	for r := range resCh {
		results = append(results, r)
	}
	return results, err
}

// underManagedDir reports whether path lives in the quarantine or archive
// directory, which a broad glob could otherwise pick up again.
func (p *Pipeline) underManagedDir(path string) bool {
	for _, dir := range []string{p.quarantine.Dir(), p.cfg.ArchiveDir} {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if rel, err := filepath.Rel(abs, path); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// discover returns deduplicated absolute paths of regular files matching
// the source globs. A file matched by several sources belongs to the first.
func discover(sources []Source) ([]candidate, error) {
	seen := make(map[string]bool)
	var out []candidate
	var errs []error
	for _, src := range sources {
		matches, err := doublestar.FilepathGlob(absPattern(src.Glob))
		if err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", src.Name, err))
			continue
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil || seen[abs] {
				continue
			}
			info, err := os.Stat(abs)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[abs] = true
			out = append(out, candidate{path: abs, src: src})
		}
	}
	return out, errors.Join(errs...)
}

// watchDirs returns the static directory prefix of each source glob.
func watchDirs(sources []Source) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, src := range sources {
		dir := staticPrefix(absPattern(src.Glob))
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// staticPrefix returns the longest directory path before the first glob
// character.
func staticPrefix(pattern string) string {
	for i, c := range pattern {
		if c == '*' || c == '?' || c == '[' || c == '{' {
			return filepath.Dir(pattern[:i])
		}
	}
	return filepath.Dir(pattern)
}

func matchSource(path string, sources []Source) (Source, bool) {
	for _, src := range sources {
		if ok, _ := doublestar.PathMatch(absPattern(src.Glob), path); ok {
			return src, true
		}
	}
	return Source{}, false
}

func absPattern(pattern string) string {
	if filepath.IsAbs(pattern) {
		return pattern
	}
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, pattern)
	}
	return pattern
}
