// Package session binds rooms to workers. The Manager composes the room pool
// and a worker launcher and guarantees that each session's room is destroyed
// exactly once, whichever way the session ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/voicepool/internal/daily"
	"github.com/p-arndt/voicepool/internal/events"
	"github.com/p-arndt/voicepool/internal/metrics"
	"github.com/p-arndt/voicepool/internal/pool"
	"github.com/p-arndt/voicepool/internal/store"
	"github.com/p-arndt/voicepool/internal/worker"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrWorkerSpawn       = errors.New("worker spawn failed")
	ErrShuttingDown      = errors.New("service shutting down")
	ErrInvalidTransition = errors.New("invalid status transition")

	// errStartAborted marks a start that shutdown overtook after the worker
	// was launched; the session has already released its room.
	errStartAborted = errors.New("session stopped during start")
)

// releaseTimeout bounds one room delete call issued at session end.
const releaseTimeout = 30 * time.Second

type Options struct {
	StopTimeout time.Duration // grace between SIGTERM and SIGKILL
	MaxSessions int           // 0 = unlimited
	CallbackURL string        // base URL workers report to; empty disables callbacks
	CallbackKey string        // bearer key workers present on callbacks
}

// ConnectResult is returned to the connecting client.
type ConnectResult struct {
	SessionID string `json:"session_id"`
	RoomURL   string `json:"room_url"`
	Token     string `json:"token"`
}

type Manager struct {
	pool     RoomPool
	rooms    RoomDestroyer
	launcher worker.Launcher
	history  HistoryStore
	events   EventPublisher
	registry *Registry
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	shuttingDown atomic.Bool
	monitors     sync.WaitGroup

	admitMu   sync.Mutex
	admitting int
}

func NewManager(p RoomPool, rooms RoomDestroyer, launcher worker.Launcher, opts Options, logger *slog.Logger) *Manager {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &Manager{
		pool:     p,
		rooms:    rooms,
		launcher: launcher,
		events:   events.Nop{},
		registry: NewRegistry(),
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// SetHistory enables the session ledger.
func (m *Manager) SetHistory(h HistoryStore) {
	m.history = h
}

func (m *Manager) SetPublisher(p EventPublisher) {
	if p == nil {
		p = events.Nop{}
	}
	m.events = p
}

func (m *Manager) Registry() *Registry { return m.registry }

// Connect acquires a room and starts a worker for it. If the worker cannot be
// started the room is destroyed before the error is returned.
func (m *Manager) Connect(ctx context.Context) (*ConnectResult, error) {
	if m.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	if err := m.admit(); err != nil {
		return nil, err
	}
	defer m.admitted()

	room, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	id, err := m.Start(ctx, room)
	if errors.Is(err, errStartAborted) {
		return nil, ErrShuttingDown
	}
	if err != nil {
		m.logger.Error("start session, releasing room", "room_url", room.URL, "error", err)
		m.destroyRoom(room, CauseSpawnFailed)
		m.publish(events.Event{Type: events.TypeSessionEnded, RoomURL: room.URL, Cause: string(CauseSpawnFailed)})
		metrics.IncSessionEnded(string(CauseSpawnFailed))
		return nil, err
	}

	return &ConnectResult{SessionID: id, RoomURL: room.URL, Token: room.UserToken}, nil
}

func (m *Manager) admit() error {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()
	if m.opts.MaxSessions > 0 && m.registry.Len()+m.admitting >= m.opts.MaxSessions {
		return fmt.Errorf("%w: session limit %d reached", pool.ErrExhausted, m.opts.MaxSessions)
	}
	m.admitting++
	return nil
}

func (m *Manager) admitted() {
	m.admitMu.Lock()
	m.admitting--
	m.admitMu.Unlock()
}

// Start spawns a worker bound to room and registers the session. The caller
// keeps ownership of room when Start fails, except for errStartAborted.
func (m *Manager) Start(ctx context.Context, room *daily.Room) (string, error) {
	if err := m.reserveMonitor(); err != nil {
		return "", err
	}
	monitored := false
	defer func() {
		if !monitored {
			m.monitors.Done()
		}
	}()

	id := uuid.New().String()
	sess := newSession(id, room, m.now())

	h, err := m.launcher.Launch(ctx, worker.Spec{
		SessionID:     id,
		RoomURL:       room.URL,
		Token:         room.BotToken,
		CallbackURL:   m.callbackURL(id),
		CallbackToken: m.opts.CallbackKey,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkerSpawn, err)
	}
	sess.handle = h

	m.registry.Add(sess)
	sess.transition(StatusActive, StatusInitializing)
	metrics.SetSessionsActive(m.registry.Len())

	if m.history != nil {
		if err := m.history.RecordStart(&store.Record{
			ID:        id,
			RoomURL:   room.URL,
			WorkerID:  h.ID(),
			StartedAt: sess.CreatedAt,
		}); err != nil {
			m.logger.Warn("record session start", "session_id", id, "error", err)
		}
	}
	m.publish(events.Event{Type: events.TypeSessionStarted, SessionID: id, RoomURL: room.URL})

	monitored = true
	go m.monitor(sess)

	if m.shuttingDown.Load() {
		// Shutdown may have listed sessions before this one was registered.
		if err := m.Terminate(context.Background(), id, CauseShutdown); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Error("terminate session", "session_id", id, "error", err)
		}
		return "", fmt.Errorf("%w: %s", errStartAborted, id)
	}

	m.logger.Info("session started", "session_id", id, "room_url", room.URL, "worker_id", h.ID())
	return id, nil
}

// reserveMonitor counts a session start against monitors so Shutdown waits
// for launches already in flight.
func (m *Manager) reserveMonitor() error {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()
	if m.shuttingDown.Load() {
		return ErrShuttingDown
	}
	m.monitors.Add(1)
	return nil
}

func (m *Manager) callbackURL(id string) string {
	if m.opts.CallbackURL == "" {
		return ""
	}
	return strings.TrimRight(m.opts.CallbackURL, "/") + "/report/" + id
}

// monitor waits for the worker to terminate and releases the session.
func (m *Manager) monitor(sess *Session) {
	defer m.monitors.Done()
	<-sess.handle.Done()

	cause := sess.requestedStop()
	if cause == "" {
		cause = CauseExited
		if err := sess.handle.Err(); err != nil {
			cause = CauseCrashed
			m.logger.Warn("worker terminated unexpectedly",
				"session_id", sess.ID, "error", err, "output", lastLines(sess.handle.Output(), 5))
		}
	}

	if !m.release(sess, cause) {
		// Already released by Terminate; make sure the entry is gone.
		m.registry.Remove(sess.ID)
	}
}

// release destroys the session's room and removes the session. Only the first
// caller per session does any work; it returns whether this call did.
func (m *Manager) release(sess *Session, cause Cause) bool {
	if !sess.released.CompareAndSwap(false, true) {
		return false
	}
	defer close(sess.releaseDone)
	sess.markEnded(cause)

	m.destroyRoom(sess.Room, cause)
	m.registry.Remove(sess.ID)
	metrics.SetSessionsActive(m.registry.Len())
	metrics.IncSessionEnded(string(cause))

	if m.history != nil {
		if err := m.history.RecordEnd(sess.ID, string(cause), m.now()); err != nil {
			m.logger.Warn("record session end", "session_id", sess.ID, "error", err)
		}
	}
	m.publish(events.Event{Type: events.TypeSessionEnded, SessionID: sess.ID, RoomURL: sess.Room.URL, Cause: string(cause)})

	m.logger.Info("session ended", "session_id", sess.ID, "cause", cause)
	return true
}

func (m *Manager) destroyRoom(room *daily.Room, cause Cause) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	err := m.rooms.DeleteRoom(ctx, room.URL)
	metrics.IncRoomDelete("session_"+string(cause), err)
	if err != nil {
		m.logger.Error("delete session room", "room_url", room.URL, "error", err)
	}
}

func (m *Manager) publish(ev events.Event) {
	ev.At = m.now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish session event", "type", ev.Type, "session_id", ev.SessionID, "error", err)
	}
}

// Terminate stops the session's worker, escalating to a kill after the stop
// timeout, and releases the session. Safe to call concurrently with the
// session's own exit.
func (m *Manager) Terminate(ctx context.Context, id string, cause Cause) error {
	sess, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sess.requestStop(cause)
	if err := sess.handle.Stop(ctx, m.opts.StopTimeout); err != nil {
		m.logger.Warn("stop worker", "session_id", id, "error", err)
	}
	if !m.release(sess, sess.requestedStop()) {
		// The monitor won; return only once the room is gone.
		select {
		case <-sess.releaseDone:
		case <-ctx.Done():
		}
	}
	return nil
}

// Disconnect ends a session. Unknown ids succeed.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	err := m.Terminate(ctx, id, CauseDisconnect)
	if errors.Is(err, ErrNotFound) {
		m.logger.Debug("disconnect of unknown session", "session_id", id)
		return nil
	}
	return err
}

func (m *Manager) Status(id string) (*Info, error) {
	sess, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	info := sess.Info()
	return &info, nil
}

// List returns active session ids in connect order.
func (m *Manager) List() []string {
	return m.registry.IDs()
}

func (m *Manager) Sessions() []Info {
	all := m.registry.All()
	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	return out
}

// IdleSince returns ids of sessions with no reported activity since cutoff.
func (m *Manager) IdleSince(cutoff time.Time) []string {
	var ids []string
	for _, s := range m.registry.All() {
		if s.LastActivity().Before(cutoff) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Shutdown refuses new sessions, terminates every live session concurrently
// and waits for all monitors, including those of starts still launching. It returns the number of sessions terminated.
func (m *Manager) Shutdown(ctx context.Context) int {
	m.admitMu.Lock()
	m.shuttingDown.Store(true)
	m.admitMu.Unlock()

	ids := m.registry.IDs()
	m.logger.Info("terminating sessions", "count", len(ids))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Terminate(ctx, id, CauseShutdown); err != nil && !errors.Is(err, ErrNotFound) {
				m.logger.Error("terminate session", "session_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	m.monitors.Wait()
	return len(ids)
}

func (m *Manager) ShuttingDown() bool { return m.shuttingDown.Load() }

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
