// Package cache owns the on-disk hub layout and the coordination that makes
// repeated or parallel requests for the same artifact safe and cheap.
//
// Layout under the root:
//
//	models--<org>--<name>/snapshots/<revision>/<filename>   completed artifact
//	models--<org>--<name>/refs/<label>                      resolved revision id
//	<final-path>.part                                       staging sibling
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubfetch/hubfetch/internal/downloader"
	"github.com/hubfetch/hubfetch/internal/downloader/progress"
	"github.com/hubfetch/hubfetch/internal/hub"
	"github.com/hubfetch/hubfetch/internal/logctx"
	"github.com/hubfetch/hubfetch/internal/storage"
	"github.com/hubfetch/hubfetch/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	repoDirPrefix = "models--"
)

// FileDownloader executes one file's transfer into finalPath.
// *downloader.Downloader satisfies it.
type FileDownloader interface {
	Download(ctx context.Context, handle hub.FileHandle, meta *hub.FileMetadata, finalPath string, sink progress.Sink) (*hub.FileMetadata, error)
}

// Stats summarizes the cache contents. GGUF files are broken out separately
// because they dominate disk usage for local inference setups.
type Stats struct {
	TotalFiles   int   `json:"total_files"`
	TotalSize    int64 `json:"total_size"`
	NumRepos     int   `json:"num_repos"`
	NumGGUFFiles int   `json:"num_gguf_files"`
	GGUFSize     int64 `json:"gguf_size"`
}

// Option configures optional cache collaborators.
type Option func(*Cache)

// WithHistory attaches a download history repository; every finished
// transfer is recorded.
func WithHistory(history storage.DownloadWriteRepository) Option {
	return func(c *Cache) { c.history = history }
}

// WithTelemetry attaches metrics recording.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Cache) { c.telemetry = tel }
}

// Cache resolves file handles to completed local paths, downloading through
// its FileDownloader on miss. Concurrent Ensure calls for the same handle
// join a single in-flight transfer. Safe for concurrent use.
type Cache struct {
	root       string
	downloader FileDownloader
	flight     singleflight.Group
	history    storage.DownloadWriteRepository
	telemetry  *telemetry.Telemetry
}

// New builds a cache rooted at root, creating the directory if needed.
func New(root string, dl FileDownloader, opts ...Option) (*Cache, error) {
	if root == "" {
		return nil, errors.New("cache root is required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache root: %w", err)
	}

	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}

	c := &Cache{root: abs, downloader: dl}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// FinalPath returns the completed artifact path for a handle.
func (c *Cache) FinalPath(handle hub.FileHandle) string {
	return filepath.Join(c.root, handle.RepoDirName(), "snapshots", handle.Revision, filepath.FromSlash(handle.Filename))
}

// StagingPath returns the staging sibling for a handle.
func (c *Cache) StagingPath(handle hub.FileHandle) string {
	return c.FinalPath(handle) + downloader.StagingSuffix
}

func (c *Cache) refPath(repoID, label string) string {
	return filepath.Join(c.root, hub.RepoDirName(repoID), "refs", filepath.FromSlash(label))
}

// IsCached reports whether the handle's final path exists and, when the
// expected size is known, matches it. "Cached" strictly means complete:
// staging files never count.
func (c *Cache) IsCached(handle hub.FileHandle, meta *hub.FileMetadata) bool {
	return c.isComplete(c.FinalPath(handle), meta)
}

func (c *Cache) isComplete(finalPath string, meta *hub.FileMetadata) bool {
	info, err := os.Stat(finalPath)
	if err != nil || info.IsDir() {
		return false
	}

	if meta != nil && meta.Size > 0 && info.Size() != meta.Size {
		return false
	}

	return true
}

// Ensure returns the completed local path for handle, downloading it first
// when missing or incomplete. Concurrent calls for the identical handle join
// the same in-flight transfer and all resolve to the same path. A cached hit
// performs no network I/O.
func (c *Cache) Ensure(ctx context.Context, handle hub.FileHandle, meta *hub.FileMetadata, sink progress.Sink) (string, error) {
	if err := handle.Validate(); err != nil {
		return "", err
	}

	finalPath := c.FinalPath(handle)

	if c.isComplete(finalPath, meta) {
		return finalPath, nil
	}

	path, err, _ := c.flight.Do(handle.Key(), func() (interface{}, error) {
		// A joiner may arrive after the flight it waited on completed.
		if c.isComplete(finalPath, meta) {
			return finalPath, nil
		}

		resolved, err := c.download(ctx, handle, meta, finalPath, sink)
		if err != nil {
			return nil, err
		}

		if resolved.Commit != "" && !handle.IsPinnedRevision() {
			if refErr := c.WriteRef(handle.RepoID, handle.Revision, resolved.Commit); refErr != nil {
				logctx.LoggerFromContext(ctx).Error("failed to write ref",
					"repo", handle.RepoID, "label", handle.Revision, "err", refErr)
			}
		}

		return finalPath, nil
	})
	if err != nil {
		return "", err
	}

	return path.(string), nil
}

func (c *Cache) download(ctx context.Context, handle hub.FileHandle, meta *hub.FileMetadata, finalPath string, sink progress.Sink) (*hub.FileMetadata, error) {
	start := time.Now()

	resolved, err := c.downloader.Download(ctx, handle, meta, finalPath, sink)
	duration := time.Since(start)

	status := "success"

	var sizeBytes int64

	if err != nil {
		status = "failed"
	} else if resolved != nil {
		sizeBytes = resolved.Size
	}

	c.telemetry.RecordDownload(status, duration)
	c.recordHistory(ctx, handle, sizeBytes, duration, status)

	return resolved, err
}

func (c *Cache) recordHistory(ctx context.Context, handle hub.FileHandle, sizeBytes int64, duration time.Duration, status string) {
	if c.history == nil {
		return
	}

	record := storage.DownloadRecord{
		RepoID:      handle.RepoID,
		Revision:    handle.Revision,
		FilePath:    handle.Filename,
		SizeBytes:   sizeBytes,
		DurationMS:  duration.Milliseconds(),
		Status:      status,
		CompletedAt: time.Now().Format(time.RFC3339),
	}

	if err := c.history.RecordDownload(record); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to record download history", "file", handle.Key(), "err", err)
	}
}

// WriteRef records the concrete revision a mutable label resolved to.
func (c *Cache) WriteRef(repoID, label, revision string) error {
	path := c.refPath(repoID, label)

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return &hub.LocalIOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	if err := os.WriteFile(path, []byte(revision+"\n"), filePerm); err != nil {
		return &hub.LocalIOError{Op: "write", Path: path, Err: err}
	}

	return nil
}

// ReadRef returns the revision a label last resolved to, or "" when the ref
// does not exist.
func (c *Cache) ReadRef(repoID, label string) (string, error) {
	data, err := os.ReadFile(c.refPath(repoID, label))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}

	if err != nil {
		return "", &hub.LocalIOError{Op: "read", Path: c.refPath(repoID, label), Err: err}
	}

	return strings.TrimSpace(string(data)), nil
}

// Stats walks the cache and summarizes completed artifacts. Staging files
// and refs are not counted.
func (c *Cache) Stats() (Stats, error) {
	var stats Stats

	entries, err := os.ReadDir(c.root)
	if err != nil {
		return stats, &hub.LocalIOError{Op: "readdir", Path: c.root, Err: err}
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), repoDirPrefix) {
			continue
		}

		stats.NumRepos++

		snapshots := filepath.Join(c.root, entry.Name(), "snapshots")

		err := filepath.WalkDir(snapshots, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}

				return err
			}

			if d.IsDir() || strings.HasSuffix(path, downloader.StagingSuffix) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}

			stats.TotalFiles++
			stats.TotalSize += info.Size()

			if strings.EqualFold(filepath.Ext(path), ".gguf") {
				stats.NumGGUFFiles++
				stats.GGUFSize += info.Size()
			}

			return nil
		})
		if err != nil {
			return stats, &hub.LocalIOError{Op: "walk", Path: snapshots, Err: err}
		}
	}

	return stats, nil
}

// Clear deletes the entire cache root's contents and reports bytes freed.
func (c *Cache) Clear() (int64, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return 0, &hub.LocalIOError{Op: "readdir", Path: c.root, Err: err}
	}

	var freed int64

	for _, entry := range entries {
		path := filepath.Join(c.root, entry.Name())

		size, err := treeSize(path)
		if err != nil {
			return freed, err
		}

		if err := os.RemoveAll(path); err != nil {
			return freed, &hub.LocalIOError{Op: "remove", Path: path, Err: err}
		}

		freed += size
	}

	c.telemetry.AddCacheBytesFreed("clear", freed)

	return freed, nil
}

// ClearRepo deletes one repo's subtree and reports bytes freed.
func (c *Cache) ClearRepo(repoID string) (int64, error) {
	path := filepath.Join(c.root, hub.RepoDirName(repoID))

	size, err := treeSize(path)
	if err != nil {
		return 0, err
	}

	if err := os.RemoveAll(path); err != nil {
		return 0, &hub.LocalIOError{Op: "remove", Path: path, Err: err}
	}

	c.telemetry.AddCacheBytesFreed("clear_repo", size)

	return size, nil
}

// CleanPartial removes every staging file under the root: the crash-recovery
// sweep for transfers that never completed. Reports bytes freed.
func (c *Cache) CleanPartial() (int64, error) {
	var freed int64

	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if d.IsDir() || !strings.HasSuffix(path, downloader.StagingSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		freed += info.Size()

		return nil
	})
	if err != nil {
		return freed, &hub.LocalIOError{Op: "clean", Path: c.root, Err: err}
	}

	c.telemetry.AddCacheBytesFreed("clean_partial", freed)

	return freed, nil
}

func treeSize(root string) (int64, error) {
	var total int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		total += info.Size()

		return nil
	})
	if err != nil {
		return 0, &hub.LocalIOError{Op: "walk", Path: root, Err: err}
	}

	return total, nil
}
