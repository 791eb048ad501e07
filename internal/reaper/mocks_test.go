package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/voicepool/internal/session"
	"github.com/p-arndt/voicepool/internal/store"
	"github.com/stretchr/testify/mock"
)

// MockSessionManager mocks the SessionManager interface.
type MockSessionManager struct {
	mock.Mock
}

func (m *MockSessionManager) IdleSince(cutoff time.Time) []string {
	args := m.Called(cutoff)
	if ids := args.Get(0); ids != nil {
		return ids.([]string)
	}
	return nil
}

func (m *MockSessionManager) Terminate(ctx context.Context, id string, cause session.Cause) error {
	args := m.Called(ctx, id, cause)
	return args.Error(0)
}

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListOpen() ([]*store.Record, error) {
	args := m.Called()
	if records := args.Get(0); records != nil {
		return records.([]*store.Record), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) MarkOrphaned(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

// MockOrphanCleaner mocks the OrphanCleaner interface.
type MockOrphanCleaner struct {
	mock.Mock
}

func (m *MockOrphanCleaner) RemoveOrphans(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
