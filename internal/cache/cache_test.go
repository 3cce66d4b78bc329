package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubfetch/hubfetch/internal/downloader/progress"
	"github.com/hubfetch/hubfetch/internal/hub"
	"github.com/hubfetch/hubfetch/internal/storage"
)

var cacheHandle = hub.FileHandle{RepoID: "org/model", Revision: "main", Filename: "model.gguf"}

// countingDownloader writes scripted content to finalPath and counts calls.
type countingDownloader struct {
	content []byte
	commit  string
	err     error
	delay   time.Duration

	calls int32
}

func (c *countingDownloader) Download(ctx context.Context, handle hub.FileHandle, meta *hub.FileMetadata, finalPath string, sink progress.Sink) (*hub.FileMetadata, error) {
	atomic.AddInt32(&c.calls, 1)

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	if c.err != nil {
		return nil, c.err
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, err
	}

	if err := os.WriteFile(finalPath, c.content, 0o644); err != nil {
		return nil, err
	}

	return &hub.FileMetadata{Size: int64(len(c.content)), Commit: c.commit}, nil
}

func TestEnsure_DownloadsOnMissAndHitsAfter(t *testing.T) {
	dl := &countingDownloader{content: []byte("weights")}

	c, err := New(t.TempDir(), dl)
	require.NoError(t, err)

	path, err := c.Ensure(context.Background(), cacheHandle, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, c.FinalPath(cacheHandle), path)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dl.calls))

	// Second call hits the cached file without touching the downloader.
	path2, err := c.Ensure(context.Background(), cacheHandle, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dl.calls))
}

func TestEnsure_SizeMismatchRedownloads(t *testing.T) {
	dl := &countingDownloader{content: []byte("complete content")}

	c, err := New(t.TempDir(), dl)
	require.NoError(t, err)

	// Seed a truncated artifact at the final path.
	finalPath := c.FinalPath(cacheHandle)
	require.NoError(t, os.MkdirAll(filepath.Dir(finalPath), 0o755))
	require.NoError(t, os.WriteFile(finalPath, []byte("trunc"), 0o644))

	meta := &hub.FileMetadata{Size: int64(len(dl.content))}
	_, err = c.Ensure(context.Background(), cacheHandle, meta, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&dl.calls))

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, dl.content, got)
}

func TestEnsure_ConcurrentCallsJoinOneFlight(t *testing.T) {
	dl := &countingDownloader{content: []byte("big shard"), delay: 20 * time.Millisecond}

	c, err := New(t.TempDir(), dl)
	require.NoError(t, err)

	const callers = 8

	var wg sync.WaitGroup

	paths := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			paths[i], errs[i] = c.Ensure(context.Background(), cacheHandle, nil, nil)
		}(i)
	}

	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, c.FinalPath(cacheHandle), paths[i])
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&dl.calls))
}

func TestEnsure_WritesRefForMutableLabel(t *testing.T) {
	commit := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
	dl := &countingDownloader{content: []byte("x"), commit: commit}

	c, err := New(t.TempDir(), dl)
	require.NoError(t, err)

	_, err = c.Ensure(context.Background(), cacheHandle, nil, nil)
	require.NoError(t, err)

	got, err := c.ReadRef(cacheHandle.RepoID, "main")
	require.NoError(t, err)
	assert.Equal(t, commit, got)
}

func TestEnsure_NoRefForPinnedRevision(t *testing.T) {
	commit := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
	dl := &countingDownloader{content: []byte("x"), commit: commit}

	c, err := New(t.TempDir(), dl)
	require.NoError(t, err)

	pinned := hub.FileHandle{RepoID: "org/model", Revision: commit, Filename: "model.gguf"}

	_, err = c.Ensure(context.Background(), pinned, nil, nil)
	require.NoError(t, err)

	got, err := c.ReadRef(pinned.RepoID, commit)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEnsure_InvalidHandleRejected(t *testing.T) {
	c, err := New(t.TempDir(), &countingDownloader{})
	require.NoError(t, err)

	_, err = c.Ensure(context.Background(), hub.FileHandle{RepoID: "no-slash"}, nil, nil)
	require.Error(t, err)
}

func TestEnsure_RecordsHistory(t *testing.T) {
	store := &memoryHistory{}
	dl := &countingDownloader{content: []byte("logged")}

	c, err := New(t.TempDir(), dl, WithHistory(store))
	require.NoError(t, err)

	_, err = c.Ensure(context.Background(), cacheHandle, nil, nil)
	require.NoError(t, err)

	require.Len(t, store.records, 1)
	assert.Equal(t, "org/model", store.records[0].RepoID)
	assert.Equal(t, "success", store.records[0].Status)
	assert.Equal(t, int64(len(dl.content)), store.records[0].SizeBytes)
}

func TestFinalPath_Layout(t *testing.T) {
	c, err := New(t.TempDir(), &countingDownloader{})
	require.NoError(t, err)

	handle := hub.FileHandle{RepoID: "meta-llama/Llama-3", Revision: "main", Filename: "tokenizer/vocab.json"}

	want := filepath.Join(c.Root(), "models--meta-llama--Llama-3", "snapshots", "main", "tokenizer", "vocab.json")
	assert.Equal(t, want, c.FinalPath(handle))
	assert.Equal(t, want+".part", c.StagingPath(handle))
}

func TestStats(t *testing.T) {
	c, err := New(t.TempDir(), &countingDownloader{})
	require.NoError(t, err)

	write := func(rel string, size int) {
		path := filepath.Join(c.Root(), rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	}

	write("models--org--a/snapshots/main/model.gguf", 1000)
	write("models--org--a/snapshots/main/config.json", 50)
	write("models--org--a/snapshots/main/weights.bin.part", 700) // in flight, not counted
	write("models--org--b/snapshots/v2/model.gguf", 300)
	write("models--org--b/refs/main", 41) // refs are not artifacts

	stats, err := c.Stats()
	require.NoError(t, err)

	assert.Equal(t, 2, stats.NumRepos)
	assert.Equal(t, 3, stats.TotalFiles)
	assert.Equal(t, int64(1350), stats.TotalSize)
	assert.Equal(t, 2, stats.NumGGUFFiles)
	assert.Equal(t, int64(1300), stats.GGUFSize)
}

func TestClear(t *testing.T) {
	c, err := New(t.TempDir(), &countingDownloader{})
	require.NoError(t, err)

	path := filepath.Join(c.Root(), "models--org--a", "snapshots", "main", "f.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))

	freed, err := c.Clear()
	require.NoError(t, err)
	assert.Equal(t, int64(512), freed)

	entries, err := os.ReadDir(c.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClearRepo(t *testing.T) {
	c, err := New(t.TempDir(), &countingDownloader{})
	require.NoError(t, err)

	write := func(rel string, size int) {
		path := filepath.Join(c.Root(), rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	}

	write("models--org--a/snapshots/main/f.bin", 256)
	write("models--org--b/snapshots/main/g.bin", 128)

	freed, err := c.ClearRepo("org/a")
	require.NoError(t, err)
	assert.Equal(t, int64(256), freed)

	assert.NoDirExists(t, filepath.Join(c.Root(), "models--org--a"))
	assert.FileExists(t, filepath.Join(c.Root(), "models--org--b", "snapshots", "main", "g.bin"))
}

func TestCleanPartial(t *testing.T) {
	c, err := New(t.TempDir(), &countingDownloader{})
	require.NoError(t, err)

	write := func(rel string, size int) {
		path := filepath.Join(c.Root(), rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	}

	write("models--org--a/snapshots/main/f.bin", 256)
	write("models--org--a/snapshots/main/g.bin.part", 800)
	write("models--org--b/snapshots/v1/h.bin.part", 100)

	freed, err := c.CleanPartial()
	require.NoError(t, err)
	assert.Equal(t, int64(900), freed)

	assert.FileExists(t, filepath.Join(c.Root(), "models--org--a", "snapshots", "main", "f.bin"))
	assert.NoFileExists(t, filepath.Join(c.Root(), "models--org--a", "snapshots", "main", "g.bin.part"))
}

func TestWriteReadRef(t *testing.T) {
	c, err := New(t.TempDir(), &countingDownloader{})
	require.NoError(t, err)

	require.NoError(t, c.WriteRef("org/model", "main", "deadbeef"))

	got, err := c.ReadRef("org/model", "main")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", got)

	missing, err := c.ReadRef("org/model", "other")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

// memoryHistory collects records in memory for assertions.
type memoryHistory struct {
	mu      sync.Mutex
	records []storage.DownloadRecord
}

func (m *memoryHistory) RecordDownload(record storage.DownloadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, record)

	return nil
}
