package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hubfetch/hubfetch/internal/cache"
	"github.com/hubfetch/hubfetch/internal/cleanup"
	"github.com/hubfetch/hubfetch/internal/config"
	"github.com/hubfetch/hubfetch/internal/downloader"
	"github.com/hubfetch/hubfetch/internal/downloader/progress"
	"github.com/hubfetch/hubfetch/internal/http/rest"
	"github.com/hubfetch/hubfetch/internal/hub"
	"github.com/hubfetch/hubfetch/internal/logctx"
	"github.com/hubfetch/hubfetch/internal/notifier"
	"github.com/hubfetch/hubfetch/internal/ratelimit"
	"github.com/hubfetch/hubfetch/internal/retry"
	"github.com/hubfetch/hubfetch/internal/storage/sqlite"
	"github.com/hubfetch/hubfetch/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("hubfetch starting...", "log_level", cfg.LogLevel, "cache_dir", cfg.CacheDir)

	if err := run(logctx.WithLogger(ctx, logger), cfg, os.Args[1:]); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer database.Close()

	history := sqlite.NewHistoryRepository(database)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "hubfetch",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	// =========================================================================
	// Start Cache + Downloader
	client := hub.NewClient(hub.Options{
		Endpoint:              cfg.Endpoint,
		Token:                 cfg.Token,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	})

	limiter := ratelimit.New(cfg.RequestsPerSecond, cfg.RequestBurst)

	policy := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BackoffBase,
		Multiplier:  cfg.BackoffMultiplier,
		MaxDelay:    cfg.BackoffMax,
		Jitter:      cfg.BackoffJitter,
	}

	dl := downloader.NewDownloader(client, limiter, policy, downloader.Options{
		ChunkSize:      cfg.ChunkSize,
		Resume:         cfg.ResumeEnabled,
		VerifyChecksum: cfg.VerifyChecksum,
	}, tel)

	store, err := cache.New(cfg.CacheDir, dl, cache.WithHistory(history), cache.WithTelemetry(tel))
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}

	pool := downloader.NewPool(store, cfg.MaxParallel)

	var notify notifier.Notifier
	if cfg.WebhookURL != "" {
		notify = &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	}

	// One-shot mode: download the files named on the command line and exit.
	if len(args) > 0 {
		return runBatch(ctx, pool, notify, args)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	handler := rest.NewAdminHandler(store, pool, history, tel)

	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
	}

	go func() {
		logger.Info("initializing admin API", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Cleanup
	go runCleanupLoop(ctx, store.Root(), cfg.CleanupInterval, cfg.PartialMaxAge)

	logger.Info("waiting for download requests...",
		"endpoint", cfg.Endpoint,
		"cache_dir", cfg.CacheDir,
		"max_parallel", cfg.MaxParallel,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()

			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

// runBatch downloads "org/name[@revision] file..." named on the command line.
func runBatch(ctx context.Context, pool *downloader.Pool, notify notifier.Notifier, args []string) error {
	logger := logctx.LoggerFromContext(ctx)

	if len(args) < 2 {
		return fmt.Errorf("usage: hubfetch <org/name[@revision]> <filename>...")
	}

	repoID, revision := args[0], "main"
	if at := strings.LastIndex(repoID, "@"); at >= 0 {
		repoID, revision = repoID[:at], repoID[at+1:]
	}

	requests := make([]downloader.Request, 0, len(args)-1)

	for _, filename := range args[1:] {
		handle := hub.FileHandle{RepoID: repoID, Revision: revision, Filename: filename}
		if err := handle.Validate(); err != nil {
			return err
		}

		requests = append(requests, downloader.Request{Handle: handle})
	}

	sink := progress.NewLogSink(logger, repoID, 0)

	results, summary := pool.EnsureAll(ctx, requests, sink)

	for _, res := range results {
		if res.Err != nil {
			logger.Error("download failed", "file", res.Handle.Key(), "err", res.Err)

			continue
		}

		logger.Info("file ready", "file", res.Handle.Key(), "path", res.Path)
	}

	if notify != nil {
		msg := fmt.Sprintf("hubfetch: %s done, %d succeeded, %d failed", repoID, summary.Succeeded, summary.Failed)
		if err := notify.Notify(ctx, msg); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", summary.Failed, summary.Failed+summary.Succeeded)
	}

	return nil
}

// runCleanupLoop periodically sweeps stale staging files.
func runCleanupLoop(ctx context.Context, root string, interval, maxAge time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down cleanup loop")

			return
		case <-ticker.C:
			freed, err := cleanup.SweepStalePartials(ctx, root, maxAge)
			if err != nil {
				logger.Error("partial sweep failed", "err", err)

				continue
			}

			if freed > 0 {
				logger.Info("swept stale partials", "bytes_freed", freed)
			}
		}
	}
}
