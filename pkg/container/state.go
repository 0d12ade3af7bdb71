package container

import (
	"github.com/cuemby/warden/pkg/errdefs"
)

// State is the observable lifecycle state of a container.
type State string

const (
	// StateStopped: no process, startable.
	StateStopped State = "stopped"
	// StateRunning: root process alive in its freezer cgroup.
	StateRunning State = "running"
	// StatePaused: freezer FROZEN.
	StatePaused State = "paused"
	// StateDead: root process exited, exit status retained until
	// restart, destroy or aging.
	StateDead State = "dead"
	// StateMeta: no command of its own, aggregates its children.
	StateMeta State = "meta"
)

// legal transitions; the zero-value map entry means forbidden
var transitions = map[State]map[State]bool{
	StateStopped: {StateRunning: true, StateMeta: true, StateDead: true},
	StateRunning: {StatePaused: true, StateDead: true, StateStopped: true},
	StatePaused:  {StateRunning: true, StateStopped: true, StateDead: true},
	StateDead:    {StateRunning: true, StateStopped: true},
	StateMeta:    {StateStopped: true},
}

// checkTransition guards every state change; illegal requests fail
// with InvalidState and no side effects.
func checkTransition(from, to State) error {
	if from == to {
		return nil
	}
	if !transitions[from][to] {
		return errdefs.Newf(errdefs.InvalidState, "cannot go from %s to %s", from, to)
	}
	return nil
}

// ParseState validates a state string from the wire.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateStopped, StateRunning, StatePaused, StateDead, StateMeta:
		return State(s), nil
	}
	return "", errdefs.Newf(errdefs.InvalidValue, "unknown state %q", s)
}
