package spooler

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"logvault/parser"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "logvault.db"), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseDB(db) })
	return db
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingNotifier captures notices instead of persisting them.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingNotifier) Notify(n Notice) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return true
}

func (r *recordingNotifier) codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notices))
	for i, n := range r.notices {
		out[i] = n.Code
	}
	return out
}

// makeEvents builds n plaintext events for fileID with distinct messages
// prefixed by tag.
func makeEvents(fileID uint, tag string, n int) []parser.Event {
	fc := parser.FileContext{FileID: fileID, Format: parser.FormatPlaintext}
	events := make([]parser.Event, n)
	for i := range n {
		text := fmt.Sprintf("%s line %d", tag, i+1)
		events[i] = parser.Normalize(parser.RawLine{Number: i + 1, Offset: int64(i * 32), Text: text}, fc)
	}
	return events
}

// committedFile creates a committed manifest entry to own test events.
func committedFile(t *testing.T, m *Manifest, digest string) FileManifestEntry {
	t.Helper()
	ctx := t.Context()
	claim, err := m.BeginIngest(ctx, FileInfo{Path: "/in/" + digest + ".log", Digest: digest, Size: 10, ModTime: time.Now()})
	require.NoError(t, err)
	require.Equal(t, ClaimCreated, claim.Outcome)
	require.NoError(t, m.MarkCommitted(ctx, claim.Entry.ID, 0))
	return claim.Entry
}
