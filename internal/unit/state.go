package unit

import "fmt"

// State is a unit's position in its loop.
type State int32

const (
	StateIdle State = iota
	StateAwaitingDelivery
	StateDispatching
	StateAwaitingResult
	StateResolving
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingDelivery:
		return "awaiting_delivery"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingResult:
		return "awaiting_result"
	case StateResolving:
		return "resolving"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateStopped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown unit state %q", b)
}
