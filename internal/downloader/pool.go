package downloader

import (
	"context"
	"sync/atomic"

	"github.com/hubfetch/hubfetch/internal/downloader/progress"
	"github.com/hubfetch/hubfetch/internal/hub"
	"github.com/hubfetch/hubfetch/internal/logctx"
	"golang.org/x/sync/errgroup"
)

const defaultPoolWidth = 4

// Ensurer is the single-file operation the pool fans out; *cache.Cache
// satisfies it.
type Ensurer interface {
	Ensure(ctx context.Context, handle hub.FileHandle, meta *hub.FileMetadata, sink progress.Sink) (string, error)
}

// Request is one fan-out item.
type Request struct {
	Handle   hub.FileHandle
	Metadata *hub.FileMetadata
}

// Result is the per-item outcome. Exactly one of Path and Err is meaningful.
type Result struct {
	Handle hub.FileHandle
	Path   string
	Err    error
}

// Summary aggregates a batch.
type Summary struct {
	Succeeded int
	Failed    int
}

// Pool fans "ensure file present" out over a fixed number of slots,
// independent of batch size.
type Pool struct {
	ensurer Ensurer
	width   int
}

// NewPool builds a pool of the given width; non-positive widths fall back to
// the default of 4.
func NewPool(ensurer Ensurer, width int) *Pool {
	if width <= 0 {
		width = defaultPoolWidth
	}

	return &Pool{ensurer: ensurer, width: width}
}

// EnsureAll dispatches up to the pool width concurrently and returns
// per-item results in input order. One item's failure never cancels the
// others; cancelling ctx stops new dispatch while in-flight transfers
// observe the same ctx and wind down on their own.
func (p *Pool) EnsureAll(ctx context.Context, requests []Request, sink progress.Sink) ([]Result, Summary) {
	logger := logctx.LoggerFromContext(ctx)

	results := make([]Result, len(requests))

	var succeeded, failed int32

	wg := new(errgroup.Group)
	sem := make(chan struct{}, p.width)

	for i := range requests {
		if ctx.Err() != nil {
			// Stop dispatching; mark the rest as cancelled.
			for j := i; j < len(requests); j++ {
				results[j] = Result{Handle: requests[j].Handle, Err: ctx.Err()}
				atomic.AddInt32(&failed, 1)
			}

			break
		}

		req := requests[i]
		slot := i
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			path, err := p.ensurer.Ensure(ctx, req.Handle, req.Metadata, sink)
			results[slot] = Result{Handle: req.Handle, Path: path, Err: err}

			if err != nil {
				logger.Error("failed to ensure file", "file", req.Handle.Key(), "err", err)
				atomic.AddInt32(&failed, 1)

				return nil // keep the rest of the batch running
			}

			atomic.AddInt32(&succeeded, 1)

			return nil
		})
	}

	// Errors are captured per item, never through the group.
	_ = wg.Wait()

	return results, Summary{
		Succeeded: int(atomic.LoadInt32(&succeeded)),
		Failed:    int(atomic.LoadInt32(&failed)),
	}
}
