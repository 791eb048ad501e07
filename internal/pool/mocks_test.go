package pool

import (
	"context"

	"github.com/p-arndt/voicepool/internal/daily"
	"github.com/stretchr/testify/mock"
)

// MockProvisioner mocks the Provisioner interface.
type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) Provision(ctx context.Context) (*daily.Room, error) {
	args := m.Called(ctx)
	if room := args.Get(0); room != nil {
		return room.(*daily.Room), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvisioner) DeleteRoom(ctx context.Context, roomURL string) error {
	args := m.Called(ctx, roomURL)
	return args.Error(0)
}
