// Package reaper ends sessions whose workers stopped reporting activity and
// reconciles leftovers from a previous run at startup.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/p-arndt/voicepool/internal/session"
)

type Reaper struct {
	sessions    SessionManager
	store       ReaperStore   // optional
	orphans     OrphanCleaner // optional
	idleTimeout time.Duration // 0 disables idle reaping
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func New(sm SessionManager, idleTimeout, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		sessions:    sm,
		idleTimeout: idleTimeout,
		interval:    interval,
		logger:      logger,
		now:         time.Now,
	}
}

func (r *Reaper) SetStore(st ReaperStore) {
	r.store = st
}

func (r *Reaper) SetOrphanCleaner(oc OrphanCleaner) {
	r.orphans = oc
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval, "idle_timeout", r.idleTimeout)

	if r.idleTimeout <= 0 {
		<-ctx.Done()
		r.logger.Info("reaper stopped")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.reapIdle(ctx)
		}
	}
}

func (r *Reaper) reapIdle(ctx context.Context) {
	cutoff := r.now().Add(-r.idleTimeout)
	idle := r.sessions.IdleSince(cutoff)

	reaped := 0
	for _, id := range idle {
		r.logger.Info("reaper: terminate idle session", "session_id", id)
		err := r.sessions.Terminate(ctx, id, session.CauseIdleTimeout)
		if errors.Is(err, session.ErrNotFound) {
			// Ended on its own since the scan.
			continue
		}
		if err != nil {
			r.logger.Error("reaper: terminate session", "session_id", id, "error", err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		r.logger.Info("reaper: reaped sessions", "count", reaped)
	}
}

// Reconcile closes ledger rows and removes workers left open by a previous
// process. Rooms from that process are not recovered. It must finish before
// the first session starts.
func (r *Reaper) Reconcile(ctx context.Context) {
	r.logger.Info("reconciliation starting")

	if r.orphans != nil {
		n, err := r.orphans.RemoveOrphans(ctx)
		if err != nil {
			r.logger.Error("reconcile: remove orphaned workers", "error", err)
		} else if n > 0 {
			r.logger.Warn("reconcile: removed orphaned workers", "count", n)
		}
	}

	if r.store != nil {
		open, err := r.store.ListOpen()
		if err != nil {
			r.logger.Error("reconcile: list open sessions", "error", err)
		} else {
			for _, rec := range open {
				r.logger.Warn("reconcile: session left open by previous run, room is orphaned",
					"session_id", rec.ID, "room_url", rec.RoomURL)
				if err := r.store.MarkOrphaned(rec.ID); err != nil {
					r.logger.Error("reconcile: mark orphaned", "session_id", rec.ID, "error", err)
				}
			}
		}
	}

	r.logger.Info("reconciliation complete")
}
