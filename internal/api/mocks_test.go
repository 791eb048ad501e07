package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/voicepool/internal/events"
	"github.com/p-arndt/voicepool/internal/pool"
	"github.com/p-arndt/voicepool/internal/session"
	"github.com/p-arndt/voicepool/internal/store"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Connect(ctx context.Context) (*session.ConnectResult, error) {
	args := m.Called(ctx)
	if res := args.Get(0); res != nil {
		return res.(*session.ConnectResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Status(id string) (*session.Info, error) {
	args := m.Called(id)
	if info := args.Get(0); info != nil {
		return info.(*session.Info), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Disconnect(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionService) List() []string {
	args := m.Called()
	if ids := args.Get(0); ids != nil {
		return ids.([]string)
	}
	return nil
}

func (m *MockSessionService) Sessions() []session.Info {
	args := m.Called()
	if infos := args.Get(0); infos != nil {
		return infos.([]session.Info)
	}
	return nil
}

func (m *MockSessionService) Wake(id string) (*session.ActionResult, error) {
	args := m.Called(id)
	if res := args.Get(0); res != nil {
		return res.(*session.ActionResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Sleep(id string) (*session.ActionResult, error) {
	args := m.Called(id)
	if res := args.Get(0); res != nil {
		return res.(*session.ActionResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Report(id string, r session.Report) error {
	args := m.Called(id, r)
	return args.Error(0)
}

type MockPoolStats struct {
	mock.Mock
}

func (m *MockPoolStats) Stats() pool.Stats {
	args := m.Called()
	return args.Get(0).(pool.Stats)
}

type MockHistoryLister struct {
	mock.Mock
}

func (m *MockHistoryLister) ListHistory(limit int) ([]*store.Record, error) {
	args := m.Called(limit)
	if recs := args.Get(0); recs != nil {
		return recs.([]*store.Record), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockEventReader struct {
	mock.Mock
}

func (m *MockEventReader) Recent(ctx context.Context, n int) ([]events.Event, error) {
	args := m.Called(ctx, n)
	if evs := args.Get(0); evs != nil {
		return evs.([]events.Event), args.Error(1)
	}
	return nil, args.Error(1)
}
