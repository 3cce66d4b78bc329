package sqlite

import (
	"database/sql"

	"github.com/hubfetch/hubfetch/internal/storage"
)

// HistoryRepository stores download history in SQLite. It implements both
// storage.DownloadWriteRepository and storage.DownloadReadRepository.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) RecordDownload(record storage.DownloadRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO downloads (repo_id, revision, file_path, size_bytes, duration_ms, status, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.RepoID, record.Revision, record.FilePath,
		record.SizeBytes, record.DurationMS, record.Status, record.CompletedAt,
	)

	return err
}

// GetHistory returns the most recent records first, up to limit.
func (r *HistoryRepository) GetHistory(limit int) ([]storage.DownloadRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(
		`SELECT id, repo_id, revision, file_path, size_bytes, duration_ms, status, completed_at
		 FROM downloads
		 ORDER BY id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.DownloadRecord

	for rows.Next() {
		var record storage.DownloadRecord
		if err := rows.Scan(
			&record.ID, &record.RepoID, &record.Revision, &record.FilePath,
			&record.SizeBytes, &record.DurationMS, &record.Status, &record.CompletedAt,
		); err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}
