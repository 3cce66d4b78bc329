// Package downloader executes one file's end-to-end transfer from the
// content host into a staging file, then promotes it atomically.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hubfetch/hubfetch/internal/downloader/progress"
	"github.com/hubfetch/hubfetch/internal/hub"
	"github.com/hubfetch/hubfetch/internal/logctx"
	"github.com/hubfetch/hubfetch/internal/ratelimit"
	"github.com/hubfetch/hubfetch/internal/retry"
	"github.com/hubfetch/hubfetch/internal/telemetry"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// StagingSuffix marks in-flight or interrupted downloads on disk so a
	// directory scan can tell complete from incomplete without reading data.
	StagingSuffix = ".part"

	defaultChunkSize = 1024 * 1024 // 1MB
)

// Transport is the capability the downloader consumes: one HTTP exchange
// against the content host. *hub.Client satisfies it.
type Transport interface {
	Stat(ctx context.Context, handle hub.FileHandle) (*hub.FileMetadata, error)
	Fetch(ctx context.Context, handle hub.FileHandle, offset int64) (*hub.FetchResult, error)
}

// Options tunes transfer behavior.
type Options struct {
	// ChunkSize is the copy buffer size; snapshots are emitted per chunk.
	ChunkSize int

	// Resume appends to an existing staging file when the host supports
	// byte ranges. When off, partials are discarded and transfers restart.
	Resume bool

	// VerifyChecksum hashes the staged file against the expected digest
	// before promotion, when a digest is known.
	VerifyChecksum bool

	// DiscardPartialOnFatal removes the staging file when a transfer fails
	// fatally. Retryable failures and cancellation always keep the partial.
	DiscardPartialOnFatal bool
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}

	return o
}

// Downloader runs the per-file transfer state machine
// ResolveSize → CheckResumable → Transfer → Verify → Promote.
// It is stateless across calls and safe for concurrent use; each Download
// invocation owns its task exclusively.
type Downloader struct {
	transport Transport
	limiter   *ratelimit.Limiter
	policy    retry.Policy
	opts      Options
	telemetry *telemetry.Telemetry
}

// NewDownloader builds a downloader. The limiter gates every outbound
// request; telemetry may be nil.
func NewDownloader(transport Transport, limiter *ratelimit.Limiter, policy retry.Policy, opts Options, tel *telemetry.Telemetry) *Downloader {
	return &Downloader{
		transport: transport,
		limiter:   limiter,
		policy:    policy,
		opts:      opts.withDefaults(),
		telemetry: tel,
	}
}

// state tags the transfer state machine. Each state has exactly one
// transition method so faults can be injected at every boundary in tests.
type state int

const (
	stateResolveSize state = iota
	stateCheckResumable
	stateTransfer
	stateVerify
	statePromote
	stateDone
)

func (s state) String() string {
	switch s {
	case stateResolveSize:
		return "resolve_size"
	case stateCheckResumable:
		return "check_resumable"
	case stateTransfer:
		return "transfer"
	case stateVerify:
		return "verify"
	case statePromote:
		return "promote"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// task is the mutable per-transfer state, owned exclusively by one Download
// invocation. Callers only ever see progress.TransferState snapshots.
type task struct {
	handle      hub.FileHandle
	meta        hub.FileMetadata
	finalPath   string
	stagingPath string
	offset      int64
	startedAt   time.Time
	sink        progress.Sink
}

func (t *task) snapshot() progress.TransferState {
	return progress.TransferState{
		BytesDownloaded: t.offset,
		TotalBytes:      t.meta.Size,
		StartedAt:       t.startedAt,
		LastUpdateAt:    time.Now(),
	}
}

// Download transfers the file behind handle into finalPath. meta may carry
// caller-known fields (size, checksum); missing fields are resolved from the
// host. The staging sibling finalPath+".part" holds in-flight bytes and is
// renamed into place only after the transfer is complete and verified.
// Returns the fully resolved metadata.
func (d *Downloader) Download(ctx context.Context, handle hub.FileHandle, meta *hub.FileMetadata, finalPath string, sink progress.Sink) (*hub.FileMetadata, error) {
	if err := handle.Validate(); err != nil {
		return nil, err
	}

	if sink == nil {
		sink = progress.Discard
	}

	t := &task{
		handle:      handle,
		finalPath:   finalPath,
		stagingPath: finalPath + StagingSuffix,
		startedAt:   time.Now(),
		sink:        sink,
	}
	if meta != nil {
		t.meta = *meta
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), dirPerm); err != nil {
		return nil, &hub.LocalIOError{Op: "mkdir", Path: filepath.Dir(finalPath), Err: err}
	}

	logger := logctx.LoggerFromContext(ctx).With("file", handle.Key())

	d.telemetry.IncrementActiveDownloads()
	defer d.telemetry.DecrementActiveDownloads()

	current := stateResolveSize

	for current != stateDone {
		var (
			next state
			err  error
		)

		switch current {
		case stateResolveSize:
			next, err = d.resolveSize(ctx, t)
		case stateCheckResumable:
			next, err = d.checkResumable(ctx, t)
		case stateTransfer:
			next, err = d.transfer(ctx, t)
		case stateVerify:
			next, err = d.verify(ctx, t)
		case statePromote:
			next, err = d.promote(ctx, t)
		default:
			err = fmt.Errorf("downloader in unknown state %d", current)
		}

		if err != nil {
			d.fail(ctx, t, current, err)

			return nil, err
		}

		logger.Debug("transfer state complete", "state", current.String(), "next", next.String())
		current = next
	}

	return &t.meta, nil
}

// resolveSize learns the content length, entity tag, and pointer metadata.
// Skipped when the caller already supplied the size.
func (d *Downloader) resolveSize(ctx context.Context, t *task) (state, error) {
	if t.meta.Size > 0 {
		return stateCheckResumable, nil
	}

	var resolved *hub.FileMetadata

	err := d.policy.Do(ctx, "resolve_size", func(ctx context.Context) error {
		if err := d.waitForSlot(ctx); err != nil {
			return err
		}

		var err error
		resolved, err = d.transport.Stat(ctx, t.handle)

		return err
	})
	if err != nil {
		return stateResolveSize, err
	}

	mergeMetadata(&t.meta, resolved)

	return stateCheckResumable, nil
}

// checkResumable decides the starting offset from what is already staged on
// disk. A partial is only reused when resume is enabled and the host
// advertises range support; anything else starts from zero.
func (d *Downloader) checkResumable(ctx context.Context, t *task) (state, error) {
	logger := logctx.LoggerFromContext(ctx)

	info, err := os.Stat(t.stagingPath)
	if errors.Is(err, fs.ErrNotExist) {
		return stateTransfer, nil
	}

	if err != nil {
		return stateCheckResumable, &hub.LocalIOError{Op: "stat", Path: t.stagingPath, Err: err}
	}

	size := info.Size()

	switch {
	case !d.opts.Resume || !t.meta.AcceptsRanges:
		logger.Debug("discarding partial, resume unavailable", "staged_bytes", size)
	case t.meta.Size > 0 && size > t.meta.Size:
		// Staged bytes exceeding the advertised total can only be stale.
		logger.Warn("discarding oversized partial", "staged_bytes", size, "total_bytes", t.meta.Size)
	case t.meta.Size > 0 && size == t.meta.Size:
		t.offset = size

		return stateVerify, nil
	default:
		logger.Info("resuming partial download", "staged_bytes", humanize.Bytes(uint64(size)))
		t.offset = size

		return stateTransfer, nil
	}

	if err := os.Remove(t.stagingPath); err != nil {
		return stateCheckResumable, &hub.LocalIOError{Op: "remove", Path: t.stagingPath, Err: err}
	}

	return stateTransfer, nil
}

// transfer streams the body into the staging file. Retryable failures
// re-enter with the offset recomputed from the bytes actually on disk, so
// completed bytes are never fetched twice.
func (d *Downloader) transfer(ctx context.Context, t *task) (state, error) {
	err := d.policy.Do(ctx, "transfer", func(ctx context.Context) error {
		return d.transferAttempt(ctx, t)
	})
	if err != nil {
		return stateTransfer, err
	}

	return stateVerify, nil
}

func (d *Downloader) transferAttempt(ctx context.Context, t *task) error {
	if t.meta.Size > 0 && t.offset >= t.meta.Size {
		return nil // a previous attempt already finished the body
	}

	if err := d.waitForSlot(ctx); err != nil {
		return err
	}

	res, err := d.transport.Fetch(ctx, t.handle, t.offset)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.Offset == 0 && t.offset > 0 {
		// Host ignored the range request; restart from scratch.
		logctx.LoggerFromContext(ctx).Warn("host replayed full body, restarting transfer", "discarded_bytes", t.offset)
		t.offset = 0
	}

	mergeMetadata(&t.meta, &res.Metadata)

	if t.meta.Size == 0 && res.Offset == 0 && res.ContentLength > 0 {
		t.meta.Size = res.ContentLength
	}

	out, err := os.OpenFile(t.stagingPath, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return &hub.LocalIOError{Op: "open", Path: t.stagingPath, Err: err}
	}
	defer out.Close()

	if err := out.Truncate(t.offset); err != nil {
		return &hub.LocalIOError{Op: "truncate", Path: t.stagingPath, Err: err}
	}

	if _, err := out.Seek(t.offset, io.SeekStart); err != nil {
		return &hub.LocalIOError{Op: "seek", Path: t.stagingPath, Err: err}
	}

	if err := d.copyChunks(ctx, t, out, res.Body); err != nil {
		return err
	}

	if err := out.Sync(); err != nil {
		return &hub.LocalIOError{Op: "sync", Path: t.stagingPath, Err: err}
	}

	if t.meta.Size > 0 && t.offset < t.meta.Size {
		// Short body; retryable, the next attempt resumes at the new offset.
		return &hub.NetworkError{
			Operation: "transfer",
			Err:       fmt.Errorf("body ended at %d of %d bytes", t.offset, t.meta.Size),
		}
	}

	if t.meta.Size > 0 && t.offset > t.meta.Size {
		// The partial must never exceed the advertised total.
		if err := os.Remove(t.stagingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &hub.LocalIOError{Op: "remove", Path: t.stagingPath, Err: err}
		}

		return &hub.InvalidResponseError{
			Reason: fmt.Sprintf("host sent %d bytes for an advertised total of %d", t.offset, t.meta.Size),
		}
	}

	return nil
}

// copyChunks moves the body into out in fixed-size chunks, checking for
// cancellation and emitting a snapshot after every chunk.
func (d *Downloader) copyChunks(ctx context.Context, t *task, out *os.File, body io.Reader) error {
	buf := make([]byte, d.opts.ChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return &hub.LocalIOError{Op: "write", Path: t.stagingPath, Err: err}
			}

			t.offset += int64(n)
			d.telemetry.AddDownloadedBytes(int64(n))
			t.sink.Publish(t.snapshot())
		}

		if readErr == io.EOF {
			return nil
		}

		if readErr != nil {
			if err := ctx.Err(); err != nil {
				return err
			}

			return &hub.NetworkError{Operation: "transfer", Err: readErr}
		}
	}
}

// verify hashes the staged file against the expected digest. A mismatch is
// fatal and discards the staged bytes.
func (d *Downloader) verify(ctx context.Context, t *task) (state, error) {
	if !d.opts.VerifyChecksum || t.meta.Checksum == "" {
		return statePromote, nil
	}

	actual, err := hashFile(t.stagingPath)
	if err != nil {
		return stateVerify, err
	}

	if actual != t.meta.Checksum {
		if rmErr := os.Remove(t.stagingPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			logctx.LoggerFromContext(ctx).Error("failed to discard corrupt staging file", "path", t.stagingPath, "err", rmErr)
		}

		return stateVerify, &hub.ChecksumMismatchError{Expected: t.meta.Checksum, Actual: actual}
	}

	return statePromote, nil
}

// promote renames the staging file into its final path. Rename is atomic on
// the same filesystem, so no observer ever sees a partially written final
// path.
func (d *Downloader) promote(ctx context.Context, t *task) (state, error) {
	if err := os.Rename(t.stagingPath, t.finalPath); err != nil {
		return statePromote, &hub.LocalIOError{Op: "rename", Path: t.stagingPath, Err: err}
	}

	logctx.LoggerFromContext(ctx).Info("downloaded and promoted file",
		"path", t.finalPath,
		"size", humanize.Bytes(uint64(t.offset)),
		"duration", time.Since(t.startedAt).Round(time.Millisecond).String())

	return stateDone, nil
}

// fail applies the cleanup policy for a terminal failure. Cancellation and
// retryable exhaustion keep the partial so a later run can resume it.
func (d *Downloader) fail(ctx context.Context, t *task, from state, cause error) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Error("transfer failed", "file", t.handle.Key(), "state", from.String(), "err", cause)

	if !d.opts.DiscardPartialOnFatal {
		return
	}

	if hub.Retryable(cause) || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return
	}

	if err := os.Remove(t.stagingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("failed to remove staging file", "path", t.stagingPath, "err", err)
	}
}

// waitForSlot blocks on the shared token bucket, recording the wait.
func (d *Downloader) waitForSlot(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}

	delay := d.limiter.Acquire()
	if delay <= 0 {
		return nil
	}

	d.telemetry.RecordRateLimitWait(delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// mergeMetadata fills empty fields of dst from src; caller-supplied values
// always win over host-reported ones.
func mergeMetadata(dst *hub.FileMetadata, src *hub.FileMetadata) {
	if src == nil {
		return
	}

	if dst.Size == 0 {
		dst.Size = src.Size
	}

	if dst.ETag == "" {
		dst.ETag = src.ETag
	}

	if dst.Checksum == "" {
		dst.Checksum = src.Checksum
	}

	if dst.Commit == "" {
		dst.Commit = src.Commit
	}

	dst.LFSPointer = dst.LFSPointer || src.LFSPointer
	dst.AcceptsRanges = dst.AcceptsRanges || src.AcceptsRanges
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &hub.LocalIOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &hub.LocalIOError{Op: "read", Path: path, Err: err}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
