// Package storage defines the download history contract. The cache appends
// one record per finished transfer; the admin API reads them back.
package storage

// DownloadRecord is one finished (or failed) transfer.
type DownloadRecord struct {
	ID          int64
	RepoID      string
	Revision    string
	FilePath    string
	SizeBytes   int64
	DurationMS  int64
	Status      string // "success" or "failed"
	CompletedAt string // RFC3339
}

// DownloadWriteRepository appends history records.
type DownloadWriteRepository interface {
	RecordDownload(record DownloadRecord) error
}

// DownloadReadRepository reads history back, newest first.
type DownloadReadRepository interface {
	GetHistory(limit int) ([]DownloadRecord, error)
}
