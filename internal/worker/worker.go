// Package worker starts and stops the long-running processes bound to one
// room each. Two drivers exist: local processes and Docker containers.
package worker

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrLaunch is wrapped by every failure to start a worker.
var ErrLaunch = errors.New("worker launch failed")

// Spec describes the worker for one session.
type Spec struct {
	SessionID     string
	RoomURL       string
	Token         string // the room's bot credential
	CallbackURL   string // where the worker reports status; may be empty
	CallbackToken string // bearer key for reports when the service requires one
}

// Args is the argument tail every worker receives.
func (s Spec) Args() []string {
	return []string{"-u", s.RoomURL, "-t", s.Token}
}

// Env returns the VOICEPOOL_* variables handed to the worker.
func (s Spec) Env() []string {
	env := []string{
		"VOICEPOOL_SESSION_ID=" + s.SessionID,
		"VOICEPOOL_ROOM_URL=" + s.RoomURL,
		"VOICEPOOL_TOKEN=" + s.Token,
	}
	if s.CallbackURL != "" {
		env = append(env, "VOICEPOOL_CALLBACK_URL="+s.CallbackURL)
		if s.CallbackToken != "" {
			env = append(env, "VOICEPOOL_CALLBACK_TOKEN="+s.CallbackToken)
		}
	}
	return env
}

// Handle is a running worker.
type Handle interface {
	// ID identifies the worker to its driver (pid or container id).
	ID() string
	// Done is closed once the worker has terminated.
	Done() <-chan struct{}
	// Err is the exit result; only valid after Done is closed. nil means a
	// clean exit.
	Err() error
	// Stop asks the worker to exit, waits up to grace, then kills it. It
	// returns once the worker is gone.
	Stop(ctx context.Context, grace time.Duration) error
	// Output returns the tail of the worker's combined output.
	Output() string
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// ExitError reports a worker that terminated with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return "worker exited with status " + strconv.Itoa(e.Code)
}
