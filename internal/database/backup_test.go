package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"calsyncd/internal/config"
	"calsyncd/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupSnapshot(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	item := &models.QueueItem{UserID: 1, AccountID: 1, Provider: models.ProviderGoogle, Operation: models.OpFullSync}
	require.NoError(t, db.EnqueueItem(context.Background(), item))

	storage := filepath.Join(dir, "backups")
	svc := NewBackupService(dbPath, config.BackupConfig{Enabled: true, StoragePath: storage}, &logger)
	require.NoError(t, svc.Snapshot())

	entries, err := os.ReadDir(storage)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The snapshot must be a readable database with the queued row.
	snap, err := sql.Open("sqlite3", filepath.Join(storage, entries[0].Name()))
	require.NoError(t, err)
	defer snap.Close()

	var count int
	require.NoError(t, snap.QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestBackupPrune(t *testing.T) {
	dir := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	stale := filepath.Join(dir, "queue_old.db")
	fresh := filepath.Join(dir, "queue_new.db")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0o644))

	past := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(stale, past, past))

	svc := NewBackupService("", config.BackupConfig{StoragePath: dir, RetentionDays: 7}, &logger)
	svc.Prune()

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
