package session

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a recording session.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StatePaused
	StateStopping
	StateFaulted
)

var stateNames = []string{"idle", "initializing", "running", "paused", "stopping", "faulted"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	i := slices.Index(stateNames, string(text))
	if i < 0 {
		return fmt.Errorf("unknown session state %q", text)
	}
	*s = State(i)
	return nil
}

// Recording reports whether the session holds devices and a file.
func (s State) Recording() bool {
	return s == StateRunning || s == StatePaused
}
