package sqlite

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubfetch/hubfetch/internal/storage"
)

func newTestRepository(t *testing.T) *HistoryRepository {
	t.Helper()

	db, err := InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewHistoryRepository(db)
}

func TestRecordDownloadAndGetHistory(t *testing.T) {
	repo := newTestRepository(t)

	for i := 0; i < 3; i++ {
		err := repo.RecordDownload(storage.DownloadRecord{
			RepoID:      "org/model",
			Revision:    "main",
			FilePath:    fmt.Sprintf("shard-%02d.bin", i),
			SizeBytes:   int64(1000 * (i + 1)),
			DurationMS:  int64(50 * (i + 1)),
			Status:      "success",
			CompletedAt: time.Now().UTC().Format(time.RFC3339),
		})
		require.NoError(t, err)
	}

	records, err := repo.GetHistory(10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Newest first.
	assert.Equal(t, "shard-02.bin", records[0].FilePath)
	assert.Equal(t, "shard-00.bin", records[2].FilePath)
	assert.Equal(t, int64(3000), records[0].SizeBytes)
	assert.NotZero(t, records[0].ID)
}

func TestGetHistory_Limit(t *testing.T) {
	repo := newTestRepository(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.RecordDownload(storage.DownloadRecord{
			RepoID:      "org/model",
			Revision:    "main",
			FilePath:    fmt.Sprintf("f-%d", i),
			Status:      "success",
			CompletedAt: time.Now().UTC().Format(time.RFC3339),
		}))
	}

	records, err := repo.GetHistory(2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestGetHistory_Empty(t *testing.T) {
	repo := newTestRepository(t)

	records, err := repo.GetHistory(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecordDownload_FailedStatus(t *testing.T) {
	repo := newTestRepository(t)

	require.NoError(t, repo.RecordDownload(storage.DownloadRecord{
		RepoID:      "org/model",
		Revision:    "main",
		FilePath:    "broken.bin",
		Status:      "failed",
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}))

	records, err := repo.GetHistory(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "failed", records[0].Status)
	assert.Zero(t, records[0].SizeBytes)
}
