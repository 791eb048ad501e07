package api

import (
	"context"

	"github.com/p-arndt/voicepool/internal/events"
	"github.com/p-arndt/voicepool/internal/pool"
	"github.com/p-arndt/voicepool/internal/session"
	"github.com/p-arndt/voicepool/internal/store"
)

// SessionService abstracts session management operations needed by API handlers.
type SessionService interface {
	Connect(ctx context.Context) (*session.ConnectResult, error)
	Status(id string) (*session.Info, error)
	Disconnect(ctx context.Context, id string) error
	List() []string
	Sessions() []session.Info
	Wake(id string) (*session.ActionResult, error)
	Sleep(id string) (*session.ActionResult, error)
	Report(id string, r session.Report) error
}

// PoolStats is the read-only view of the room pool.
type PoolStats interface {
	Stats() pool.Stats
}

// HistoryLister reads the session ledger.
type HistoryLister interface {
	ListHistory(limit int) ([]*store.Record, error)
}

// EventReader reads the recent lifecycle event list.
type EventReader interface {
	Recent(ctx context.Context, n int) ([]events.Event, error)
}
