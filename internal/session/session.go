package session

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p-arndt/voicepool/internal/daily"
	"github.com/p-arndt/voicepool/internal/worker"
)

// Status is the advisory lifecycle state of a session. Only StatusEnded is
// tied to resource release.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusSleeping     Status = "sleeping"
	StatusEnded        Status = "ended"
)

// ParseReported validates a status sent by a worker. Workers cannot end a
// session by reporting; they end it by exiting.
func ParseReported(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusIdle, StatusSleeping:
		return st, nil
	default:
		return "", fmt.Errorf("%w: cannot report status %q", ErrInvalidTransition, s)
	}
}

// Cause records why a session ended.
type Cause string

const (
	CauseExited      Cause = "exited"
	CauseCrashed     Cause = "crashed"
	CauseDisconnect  Cause = "disconnect"
	CauseIdleTimeout Cause = "idle_timeout"
	CauseShutdown    Cause = "shutdown"
	CauseSpawnFailed Cause = "spawn_failed"
)

// Info is a point-in-time snapshot of a session.
type Info struct {
	SessionID string         `json:"session_id"`
	Status    Status         `json:"status"`
	Metrics   map[string]any `json:"metrics"`
	RoomURL   string         `json:"room_url"`
	WorkerID  string         `json:"worker_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Session binds one room to one worker. The room is released exactly once,
// guarded by released.
type Session struct {
	ID        string
	Room      *daily.Room
	CreatedAt time.Time

	handle      worker.Handle
	released    atomic.Bool
	releaseDone chan struct{} // closed once the release has finished

	mu           sync.Mutex
	status       Status
	metrics      map[string]any
	lastActivity time.Time
	stopCause    Cause // first cause requested by Terminate
	cause        Cause // cause recorded at release
}

func newSession(id string, room *daily.Room, now time.Time) *Session {
	return &Session{
		ID:           id,
		Room:         room,
		CreatedAt:    now,
		status:       StatusInitializing,
		lastActivity: now,
		releaseDone:  make(chan struct{}),
		metrics: map[string]any{
			"interruptions": 0,
			"total_turns":   0,
		},
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Released reports whether the room has been handed back for destruction.
func (s *Session) Released() bool { return s.released.Load() }

// transition moves to next when the current status is one of from.
func (s *Session) transition(next Status, from ...Status) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.status
	for _, f := range from {
		if cur == f {
			s.status = next
			return cur, true
		}
	}
	return cur, false
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// report applies a worker report. Ended sessions ignore reports.
func (s *Session) report(status Status, metrics map[string]any, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded {
		return false
	}
	if status != "" {
		s.status = status
	}
	maps.Copy(s.metrics, metrics)
	s.lastActivity = now
	return true
}

func (s *Session) requestStop(cause Cause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCause == "" {
		s.stopCause = cause
	}
}

func (s *Session) requestedStop() Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCause
}

func (s *Session) markEnded(cause Cause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusEnded
	s.cause = cause
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics := make(map[string]any, len(s.metrics)+1)
	maps.Copy(metrics, s.metrics)
	metrics["last_activity"] = s.lastActivity.UTC().Format(time.RFC3339)

	info := Info{
		SessionID: s.ID,
		Status:    s.status,
		Metrics:   metrics,
		RoomURL:   s.Room.URL,
		CreatedAt: s.CreatedAt,
	}
	if s.handle != nil {
		info.WorkerID = s.handle.ID()
	}
	return info
}
