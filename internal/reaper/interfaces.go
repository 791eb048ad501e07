package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/voicepool/internal/session"
	"github.com/p-arndt/voicepool/internal/store"
)

// SessionManager abstracts the session operations needed by the reaper.
type SessionManager interface {
	IdleSince(cutoff time.Time) []string
	Terminate(ctx context.Context, id string, cause session.Cause) error
}

// ReaperStore abstracts ledger operations needed at startup.
type ReaperStore interface {
	ListOpen() ([]*store.Record, error)
	MarkOrphaned(id string) error
}

// OrphanCleaner removes workers left behind by a previous process.
type OrphanCleaner interface {
	RemoveOrphans(ctx context.Context) (int, error)
}
