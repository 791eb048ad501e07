package session

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p-arndt/voicepool/internal/daily"
	"github.com/p-arndt/voicepool/internal/events"
	"github.com/p-arndt/voicepool/internal/store"
	"github.com/p-arndt/voicepool/internal/worker"
	"github.com/stretchr/testify/mock"
)

// MockRoomPool mocks the RoomPool interface.
type MockRoomPool struct {
	mock.Mock
}

func (m *MockRoomPool) Acquire(ctx context.Context) (*daily.Room, error) {
	args := m.Called(ctx)
	if room := args.Get(0); room != nil {
		return room.(*daily.Room), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockRoomDestroyer mocks the RoomDestroyer interface.
type MockRoomDestroyer struct {
	mock.Mock
}

func (m *MockRoomDestroyer) DeleteRoom(ctx context.Context, roomURL string) error {
	args := m.Called(ctx, roomURL)
	return args.Error(0)
}

// MockHistoryStore mocks the HistoryStore interface.
type MockHistoryStore struct {
	mock.Mock
}

func (m *MockHistoryStore) RecordStart(rec *store.Record) error {
	args := m.Called(rec)
	return args.Error(0)
}

func (m *MockHistoryStore) RecordEnd(id, cause string, at time.Time) error {
	args := m.Called(id, cause, at)
	return args.Error(0)
}

// MockPublisher mocks the EventPublisher interface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, ev events.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

// fakeHandle is a worker whose exit the test controls.
type fakeHandle struct {
	id    string
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	err   error
	stops atomic.Int32
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, done: make(chan struct{})}
}

// exit terminates the worker with err; later calls are no-ops.
func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Output() string        { return "line one\nline two\n" }

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.stops.Add(1)
	h.exit(&worker.ExitError{Code: -1})
	<-h.done
	return nil
}

// fakeLauncher hands out fakeHandles and remembers every spec.
type fakeLauncher struct {
	mu      sync.Mutex
	specs   []worker.Spec
	handles map[string]*fakeHandle // session id -> handle
	err     error
	seq     int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{handles: make(map[string]*fakeHandle)}
}

func (l *fakeLauncher) Launch(ctx context.Context, spec worker.Spec) (worker.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.seq++
	h := newFakeHandle(strconv.Itoa(l.seq))
	l.specs = append(l.specs, spec)
	l.handles[spec.SessionID] = h
	return h, nil
}

func (l *fakeLauncher) handle(sessionID string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[sessionID]
}

// countingDestroyer counts deletes per room URL.
type countingDestroyer struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingDestroyer() *countingDestroyer {
	return &countingDestroyer{counts: make(map[string]int)}
}

func (d *countingDestroyer) DeleteRoom(ctx context.Context, roomURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[roomURL]++
	return nil
}

func (d *countingDestroyer) count(roomURL string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[roomURL]
}
