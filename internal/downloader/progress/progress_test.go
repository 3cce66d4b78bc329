package progress

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThroughput(t *testing.T) {
	started := time.Now()

	state := TransferState{
		BytesDownloaded: 1000,
		StartedAt:       started,
		LastUpdateAt:    started.Add(2 * time.Second),
	}

	assert.InDelta(t, 500.0, state.Throughput(), 0.001)
}

func TestThroughput_ZeroElapsed(t *testing.T) {
	now := time.Now()

	state := TransferState{BytesDownloaded: 1000, StartedAt: now, LastUpdateAt: now}

	assert.Zero(t, state.Throughput())
}

func TestETA(t *testing.T) {
	started := time.Now()

	state := TransferState{
		BytesDownloaded: 500,
		TotalBytes:      1500,
		StartedAt:       started,
		LastUpdateAt:    started.Add(time.Second),
	}

	eta, ok := state.ETA()
	require.True(t, ok)
	assert.InDelta(t, float64(2*time.Second), float64(eta), float64(time.Millisecond))
}

func TestETA_Undefined(t *testing.T) {
	started := time.Now()

	tests := []struct {
		name  string
		state TransferState
	}{
		{"unknown total", TransferState{BytesDownloaded: 500, StartedAt: started, LastUpdateAt: started.Add(time.Second)}},
		{"zero throughput", TransferState{TotalBytes: 1000, StartedAt: started, LastUpdateAt: started.Add(time.Second)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tt.state.ETA()
			assert.False(t, ok)
		})
	}
}

func TestETA_DownloadedPastTotal(t *testing.T) {
	started := time.Now()

	state := TransferState{
		BytesDownloaded: 1200,
		TotalBytes:      1000,
		StartedAt:       started,
		LastUpdateAt:    started.Add(time.Second),
	}

	eta, ok := state.ETA()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), eta)
}

func TestLogSink_Throttles(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewLogSink(logger, "model.bin", 1000)

	started := time.Now().Add(-time.Second)

	publish := func(n int64) {
		sink.Publish(TransferState{
			BytesDownloaded: n,
			TotalBytes:      5000,
			StartedAt:       started,
			LastUpdateAt:    time.Now(),
		})
	}

	publish(100)  // below interval, dropped
	publish(1200) // logged
	publish(1400) // within interval of last line, dropped
	publish(2600) // logged

	lines := strings.Count(buf.String(), "download progress")
	assert.Equal(t, 2, lines)
	assert.Contains(t, buf.String(), "model.bin")
}

func TestSinkFunc(t *testing.T) {
	var got TransferState

	sink := SinkFunc(func(state TransferState) { got = state })
	sink.Publish(TransferState{BytesDownloaded: 42})

	assert.Equal(t, int64(42), got.BytesDownloaded)
}
