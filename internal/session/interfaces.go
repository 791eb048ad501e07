package session

import (
	"context"
	"time"

	"github.com/p-arndt/voicepool/internal/daily"
	"github.com/p-arndt/voicepool/internal/events"
	"github.com/p-arndt/voicepool/internal/store"
)

// RoomPool hands out ready rooms.
type RoomPool interface {
	Acquire(ctx context.Context) (*daily.Room, error)
}

// RoomDestroyer deletes rooms at the provider.
type RoomDestroyer interface {
	DeleteRoom(ctx context.Context, roomURL string) error
}

// HistoryStore records session starts and ends.
type HistoryStore interface {
	RecordStart(rec *store.Record) error
	RecordEnd(id, cause string, at time.Time) error
}

// EventPublisher announces lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, ev events.Event) error
}
