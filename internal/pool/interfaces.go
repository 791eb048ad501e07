package pool

import (
	"context"

	"github.com/p-arndt/voicepool/internal/daily"
)

// Provisioner creates fully credentialed rooms and deletes them again.
type Provisioner interface {
	Provision(ctx context.Context) (*daily.Room, error)
	DeleteRoom(ctx context.Context, roomURL string) error
}
