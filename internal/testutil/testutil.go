package testutil

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/p-arndt/voicepool/internal/config"
	"github.com/p-arndt/voicepool/internal/store"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig() *config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.APIKey = "test-api-key"
	cfg.DBPath = ":memory:"
	cfg.Provider.APIKey = "test-daily-key"
	cfg.Provider.APIURL = "http://127.0.0.1:0"
	cfg.Pool.Size = 1
	cfg.Pool.TopUpIntervalSeconds = 0
	cfg.Worker.Command = []string{"/bin/sh", "-c", "sleep 30"}
	cfg.Worker.StopTimeoutSeconds = 1
	return cfg
}

// Logger returns a logger that only prints errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestRecord returns an open ledger row started a minute ago.
func TestRecord(id string) *store.Record {
	return &store.Record{
		ID:        id,
		RoomURL:   "https://example.daily.co/" + id,
		WorkerID:  "worker-" + id,
		StartedAt: time.Now().UTC().Add(-time.Minute).Truncate(time.Second),
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
