package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/sqliteutil"
	"example.com/buskercal/internal/store"
)

func seededStore(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	db, err := sqliteutil.Open(path)
	require.NoError(t, err)
	defer db.Close()
	st := store.NewSQLite(db)
	require.NoError(t, st.Init(ctx))
	require.NoError(t, st.RecordRun(ctx, domain.JobPublish, domain.RunMetadata{
		LastRunAt:      time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC),
		LastRunStatus:  domain.RunCompleted,
		RecordsScraped: 4,
		EventsCreated:  3,
		EventsAdopted:  2,
		EventsSkipped:  1,
		Duration:       2 * time.Second,
	}))
	require.NoError(t, st.AppendError(ctx, domain.ErrorLogEntry{JobType: domain.JobPublish, Message: "calendar create failed"}))
}

func TestStatusCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	seededStore(t, dbPath)

	cfgPath := filepath.Join(t.TempDir(), "buskercal.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: error\nstore:\n  backend: sqlite\n  sqlite_path: "+dbPath+"\n"), 0o600))

	var out bytes.Buffer
	cmd := NewRootCommand("test")
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--config", cfgPath})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "publish")
	assert.Contains(t, text, "2025-03-01T15:00:00Z")
	assert.Contains(t, text, "completed")
	assert.Contains(t, text, "ADOPTED")
	assert.Contains(t, text, "reconcile")
	assert.Contains(t, text, "never")
	assert.Contains(t, text, "calendar create failed")
}

func TestPrintStatusEmpty(t *testing.T) {
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer db.Close()
	st := store.NewSQLite(db)
	require.NoError(t, st.Init(context.Background()))

	var out bytes.Buffer
	require.NoError(t, printStatus(context.Background(), &out, st, 5))
	assert.Contains(t, out.String(), "no recorded errors")
}

func TestWorkerRequiresTemporal(t *testing.T) {
	cmd := NewRootCommand("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"worker"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.enabled")
}

func TestRunRejectsIncompleteConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "buskercal.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: error\n"), 0o600))

	cmd := NewRootCommand("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"publish", "--config", cfgPath})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calendar.id is required")
	assert.Contains(t, err.Error(), "feed.url is required")
}
