package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lines-service/database"
	"lines-service/pkg/models"
)

func TestCleanupCutoff(t *testing.T) {
	s := NewDataCleanupService(nil, CleanupConfig{RetainDays: 7})
	s.now = func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) }

	assert.Equal(t, time.Date(2026, 10, 11, 12, 0, 0, 0, time.UTC), s.Cutoff())
	assert.Equal(t, 6*time.Hour, s.config.Interval)
}

func TestCleanupDisabledSkipsDatabase(t *testing.T) {
	s := NewDataCleanupService(nil, CleanupConfig{})

	result := s.ExecuteCleanup(context.Background())
	assert.NoError(t, result.Error)
	assert.Zero(t, result.DeletedRows)
}

// 需要真实数据库：DATABASE_TEST_URL=postgres://...
func TestCleanupAndStoreAgainstPostgres(t *testing.T) {
	url := os.Getenv("DATABASE_TEST_URL")
	if url == "" {
		t.Skip("DATABASE_TEST_URL not set")
	}
	ctx := context.Background()

	db, err := database.Connect(ctx, url)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, database.Migrate(ctx, db))
	_, err = db.ExecContext(ctx, `DELETE FROM games`)
	require.NoError(t, err)

	store := NewLineStore(db)
	old := time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC)
	soon := time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)
	games := []models.GameSnapshot{
		{ID: 100, StartTime: old, LinesActive: true, Markets: []models.MarketLine{{LineID: "a"}}},
		{ID: 101, StartTime: soon, LinesActive: true, Markets: []models.MarketLine{{LineID: "b"}, {LineID: "c"}}},
	}
	require.NoError(t, store.SaveGames(ctx, ChangeSourceAPI, games))

	got, err := store.GetGame(ctx, 101)
	require.NoError(t, err)
	assert.Len(t, got.Markets, 2)

	suspended, err := store.SuspendAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), suspended)

	cleaner := NewDataCleanupService(db, CleanupConfig{RetainDays: 7})
	cleaner.now = func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) }
	result := cleaner.ExecuteCleanup(ctx)
	require.NoError(t, result.Error)
	assert.Equal(t, int64(1), result.DeletedRows)

	_, err = store.GetGame(ctx, 100)
	assert.ErrorIs(t, err, ErrGameNotFound)

	counts, err := cleaner.GetTableRowCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["games"])
	assert.Equal(t, int64(2), counts["market_lines"])
}
