// Package runstate implements the controller lifecycle state machine.
// Transitions are gated so a start command while running and a stop
// command while idle are both harmless no-ops.
package runstate

import (
	"sync"
	"time"
)

// State is the controller run state.
type State int

const (
	// Idle means no optimization has run yet.
	Idle State = iota
	// Running means an optimization loop is active.
	Running
	// Completed means the last run finished on its own terms.
	Completed
	// Stopped means the last run was halted by an external stop.
	Stopped
	// Error means the last run aborted on a fatal error.
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Transition records a single state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Machine is a mutex-guarded run-state machine. The optional hook is
// invoked after every accepted transition, outside the lock, so hooks
// may publish or log without risking deadlock.
type Machine struct {
	mu    sync.Mutex
	state State
	hook  func(Transition)
}

// NewMachine returns a Machine in the Idle state. hook may be nil.
func NewMachine(hook func(Transition)) *Machine {
	return &Machine{state: Idle, hook: hook}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start moves to Running from any terminal state. Returns false if a run
// is already active; the caller should then re-broadcast status instead
// of launching a second loop.
func (m *Machine) Start(reason string) bool {
	return m.transition(Running, reason, Idle, Completed, Stopped, Error)
}

// Stop moves Running to Stopped. Returns false when no run is active.
func (m *Machine) Stop(reason string) bool {
	return m.transition(Stopped, reason, Running)
}

// Complete moves Running to Completed.
func (m *Machine) Complete(reason string) bool {
	return m.transition(Completed, reason, Running)
}

// Fail moves Running to Error.
func (m *Machine) Fail(reason string) bool {
	return m.transition(Error, reason, Running)
}

func (m *Machine) transition(to State, reason string, from ...State) bool {
	m.mu.Lock()
	allowed := false
	for _, f := range from {
		if m.state == f {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return false
	}
	tr := Transition{From: m.state, To: to, At: time.Now(), Reason: reason}
	m.state = to
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(tr)
	}
	return true
}
