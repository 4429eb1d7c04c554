package spider

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a state change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid spider state transition")

// State is a spider lifecycle state.
type State int

const (
	StateCreated State = iota
	StateOpened
	StateProcessing
	StateRetrying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateProcessing:
		return "processing"
	case StateRetrying:
		return "retrying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateCreated:    {StateOpened, StateClosed},
	StateOpened:     {StateProcessing, StateClosed},
	StateProcessing: {StateRetrying, StateOpened, StateClosed},
	StateRetrying:   {StateProcessing, StateOpened, StateClosed},
	StateClosed:     {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
