package spooler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestService_IngestAndHousekeep(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	require.NoError(t, os.MkdirAll(in, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(in, "app.log"), []byte(threeLines), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "blob.log"), []byte{0, 1, 2, 3}, 0o644))

	cfg := &FileConfig{
		Database:   DatabaseConfig{Path: filepath.Join(dir, "vault.db")},
		Sources:    SourcesConfig{Items: []SourceConfig{{Name: "in", Glob: filepath.Join(in, "*.log"), Host: "web1"}}},
		Ingest:     IngestConfig{DeleteAfterCommit: true},
		Quarantine: QuarantineConfig{Dir: filepath.Join(dir, "quarantine")},
		Retention:  RetentionConfig{MaxAge: 100 * 365 * 24 * time.Hour},
	}
	svc, err := NewService(cfg, nil)
	require.NoError(t, err)
	defer svc.Close()

	results, err := svc.Pipeline.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	byPath := map[string]Outcome{}
	for _, r := range results {
		byPath[filepath.Base(r.Path)] = r.Outcome
	}
	require.Equal(t, OutcomeCommitted, byPath["app.log"])
	require.Equal(t, OutcomeQuarantined, byPath["blob.log"])
	require.NoFileExists(t, filepath.Join(in, "app.log"))
	require.FileExists(t, filepath.Join(dir, "quarantine", "blob.log"))

	rows, err := svc.Events.Query(ctx, EventFilter{Host: "web1"})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	require.NoError(t, svc.Housekeep(ctx))
	rows, err = svc.Events.Query(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 3, "nothing is old enough to prune")

	svc.Alerts.Stop()
	alerts, err := svc.Alerts.List(ctx, AlertFilter{Code: CodeQuarantineNew})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
}

func TestNewService_RejectsInvalidConfig(t *testing.T) {
	cfg := &FileConfig{
		Database: DatabaseConfig{Path: filepath.Join(t.TempDir(), "vault.db")},
		Sources:  SourcesConfig{Items: []SourceConfig{{Name: "bad", Glob: ""}}},
	}
	_, err := NewService(cfg, nil)
	require.ErrorContains(t, err, "glob is required")
}
