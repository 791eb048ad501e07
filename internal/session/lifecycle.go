package session

import "fmt"

// ActionResult answers wake and sleep requests.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Wake moves a sleeping or idle session back to active.
func (m *Manager) Wake(id string) (*ActionResult, error) {
	sess, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev, ok := sess.transition(StatusActive, StatusSleeping, StatusIdle)
	if !ok {
		return &ActionResult{Message: fmt.Sprintf("session is %s, not sleeping", prev)}, nil
	}
	sess.touch(m.now())
	m.logger.Info("session woken", "session_id", id, "from", prev)
	return &ActionResult{Success: true, Message: "session is active"}, nil
}

// Sleep moves an active or idle session to sleeping.
func (m *Manager) Sleep(id string) (*ActionResult, error) {
	sess, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev, ok := sess.transition(StatusSleeping, StatusActive, StatusIdle)
	if !ok {
		return &ActionResult{Message: fmt.Sprintf("session is %s, cannot sleep", prev)}, nil
	}
	sess.touch(m.now())
	m.logger.Info("session sleeping", "session_id", id, "from", prev)
	return &ActionResult{Success: true, Message: "session is sleeping"}, nil
}

// Report is a worker's status callback.
type Report struct {
	Status  string         `json:"status,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Report merges a worker report into the session and records activity.
func (m *Manager) Report(id string, r Report) error {
	sess, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var status Status
	if r.Status != "" {
		st, err := ParseReported(r.Status)
		if err != nil {
			return err
		}
		status = st
	}
	if !sess.report(status, r.Metrics, m.now()) {
		return fmt.Errorf("%w: session %s has ended", ErrInvalidTransition, id)
	}
	return nil
}
