package spooler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"logvault/logging"
)

const reasonSuffix = ".reason.txt"

// Quarantine holds files that could not be ingested, each with a
// .reason.txt sidecar explaining why.
type Quarantine struct {
	dir      string
	maxAge   time.Duration
	maxBytes int64
	now      func() time.Time
	logger   *slog.Logger
}

type QuarantineOptions struct {
	// MaxAge removes quarantined files older than this; zero keeps them.
	MaxAge time.Duration
	// MaxBytes caps the total size, oldest files go first; zero is unlimited.
	MaxBytes int64
	Logger   *slog.Logger
}

func NewQuarantine(dir string, opts QuarantineOptions) *Quarantine {
	return &Quarantine{
		dir:      dir,
		maxAge:   opts.MaxAge,
		maxBytes: opts.MaxBytes,
		now:      time.Now,
		logger:   logging.Default(opts.Logger).With("component", "quarantine"),
	}
}

func (q *Quarantine) Dir() string { return q.dir }

// Move moves path into quarantine and writes its reason sidecar.
func (q *Quarantine) Move(path, reason string) (string, error) {
	dst, err := MoveFileToDir(path, q.dir)
	if err != nil {
		return "", fmt.Errorf("quarantine %s: %w", path, err)
	}
	q.writeReason(dst, path, reason)
	return dst, nil
}

// Store writes submitted content into quarantine with its reason sidecar.
func (q *Quarantine) Store(name string, content []byte, reason string) (string, error) {
	dst, err := WriteFileToDir(name, content, q.dir)
	if err != nil {
		return "", fmt.Errorf("quarantine %s: %w", name, err)
	}
	q.writeReason(dst, name, reason)
	return dst, nil
}

func (q *Quarantine) writeReason(dst, source, reason string) {
	body := fmt.Sprintf("source: %s\ntime: %s\nreason: %s\n", source, q.now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(dst+reasonSuffix, []byte(body), 0o644); err != nil {
		q.logger.Warn("write reason sidecar", "path", dst, "error", err)
	}
}

// ReadReason returns the recorded reason for a quarantined file.
func ReadReason(quarantinedPath string) (string, error) {
	b, err := os.ReadFile(quarantinedPath + reasonSuffix)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(b), "\n") {
		if r, ok := strings.CutPrefix(line, "reason: "); ok {
			return r, nil
		}
	}
	return "", nil
}

type PurgeStats struct {
	Removed    int
	FreedBytes int64
}

type quarantinedFile struct {
	path string
	size int64
	at   time.Time
}

// quarantinedAt reads the time recorded in the sidecar. A moved file keeps
// its source mtime, so the file itself is only the last fallback.
func quarantinedAt(path string, fileTime time.Time) time.Time {
	b, err := os.ReadFile(path + reasonSuffix)
	if err != nil {
		return fileTime
	}
	for _, line := range strings.Split(string(b), "\n") {
		if v, ok := strings.CutPrefix(line, "time: "); ok {
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
				return t
			}
		}
	}
	if si, err := os.Stat(path + reasonSuffix); err == nil {
		return si.ModTime()
	}
	return fileTime
}

// Purge removes files quarantined longer ago than MaxAge, then the oldest
// files until the total is within MaxBytes. Sidecars go with their file.
func (q *Quarantine) Purge(ctx context.Context) (PurgeStats, error) {
	var stats PurgeStats
	entries, err := os.ReadDir(q.dir)
	if os.IsNotExist(err) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("read quarantine: %w", err)
	}

	var files []quarantinedFile
	var total int64
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), reasonSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		f := quarantinedFile{path: filepath.Join(q.dir, e.Name()), size: info.Size()}
		f.at = quarantinedAt(f.path, info.ModTime())
		if si, err := os.Stat(f.path + reasonSuffix); err == nil {
			f.size += si.Size()
		}
		files = append(files, f)
		total += f.size
	}
	sort.Slice(files, func(i, j int) bool { return files[i].at.Before(files[j].at) })

	now := q.now()
	for _, f := range files {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		expired := q.maxAge > 0 && now.Sub(f.at) > q.maxAge
		overCap := q.maxBytes > 0 && total > q.maxBytes
		if !expired && !overCap {
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			q.logger.Warn("purge quarantined file", "path", f.path, "error", err)
			continue
		}
		_ = os.Remove(f.path + reasonSuffix)
		total -= f.size
		stats.Removed++
		stats.FreedBytes += f.size
	}
	if stats.Removed > 0 {
		q.logger.Info("quarantine purged", "removed", stats.Removed, "freed", humanize.IBytes(uint64(stats.FreedBytes)))
	}
	return stats, nil
}
