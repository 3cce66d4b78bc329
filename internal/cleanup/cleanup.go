// Package cleanup removes staging files left behind by crashed or abandoned
// transfers.
package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hubfetch/hubfetch/internal/downloader"
	"github.com/hubfetch/hubfetch/internal/logctx"
)

// SweepStalePartials deletes staging files under root that have not been
// written to for at least maxAge, and reports bytes freed. The age guard
// keeps the sweep from touching transfers that are still in flight; use
// Cache.CleanPartial for the unconditional crash-recovery sweep.
func SweepStalePartials(ctx context.Context, root string, maxAge time.Duration) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-maxAge)

	var freed int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() || !strings.HasSuffix(path, downloader.StagingSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete stale partial", "file", path, "err", err)

			return err
		}

		logger.Info("deleted stale partial", "file", path, "size", humanize.Bytes(uint64(info.Size())))
		freed += info.Size()

		return nil
	})

	return freed, err
}
