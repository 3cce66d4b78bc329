// Package progress exposes transfer progress as read-only snapshots pushed
// to an abstract sink, keeping the core free of any rendering concern.
package progress

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// TransferState is a read-only snapshot of one in-flight transfer. The
// Downloader owns the live state; callers only ever see copies.
type TransferState struct {
	BytesDownloaded int64
	TotalBytes      int64 // 0 when the host never advertised a length
	StartedAt       time.Time
	LastUpdateAt    time.Time
}

// Throughput returns the average transfer rate in bytes per second, zero
// when no time has elapsed.
func (s TransferState) Throughput() float64 {
	elapsed := s.LastUpdateAt.Sub(s.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}

	return float64(s.BytesDownloaded) / elapsed
}

// ETA estimates the remaining transfer time. The second return is false when
// the estimate is undefined: unknown total or zero throughput.
func (s TransferState) ETA() (time.Duration, bool) {
	throughput := s.Throughput()
	if s.TotalBytes <= 0 || throughput <= 0 {
		return 0, false
	}

	remaining := s.TotalBytes - s.BytesDownloaded
	if remaining < 0 {
		remaining = 0
	}

	return time.Duration(float64(remaining) / throughput * float64(time.Second)), true
}

// Sink receives state snapshots during a transfer. Implementations must not
// retain or mutate snapshots across calls and should return quickly: Publish
// runs on the transfer loop.
type Sink interface {
	Publish(state TransferState)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(state TransferState)

func (f SinkFunc) Publish(state TransferState) { f(state) }

// Discard is a Sink that drops every snapshot.
var Discard Sink = SinkFunc(func(TransferState) {})

// LogSink logs throttled progress lines with humanized sizes. Safe for
// concurrent use, so one sink can serve a whole batch.
type LogSink struct {
	logger   *slog.Logger
	name     string
	interval int64 // bytes between log lines
	lastSeen atomic.Int64
}

// NewLogSink logs a debug line roughly every interval bytes for the named
// transfer or batch.
func NewLogSink(logger *slog.Logger, name string, interval int64) *LogSink {
	if interval <= 0 {
		interval = 100 * 1024 * 1024 // 100MB
	}

	return &LogSink{logger: logger, name: name, interval: interval}
}

func (s *LogSink) Publish(state TransferState) {
	last := s.lastSeen.Load()
	if state.BytesDownloaded-last < s.interval {
		return
	}

	if !s.lastSeen.CompareAndSwap(last, state.BytesDownloaded) {
		return
	}

	attrs := []any{
		"file", s.name,
		"downloaded", humanize.Bytes(uint64(state.BytesDownloaded)),
		"throughput", humanize.Bytes(uint64(state.Throughput())) + "/s",
	}

	if state.TotalBytes > 0 {
		attrs = append(attrs,
			"total", humanize.Bytes(uint64(state.TotalBytes)),
			"percent", humanize.FtoaWithDigits(float64(state.BytesDownloaded)*100/float64(state.TotalBytes), 2))
	}

	if eta, ok := state.ETA(); ok {
		attrs = append(attrs, "eta", eta.Round(time.Second).String())
	}

	s.logger.Debug("download progress", attrs...)
}
