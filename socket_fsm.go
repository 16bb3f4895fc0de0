package sigcomm

import "fmt"

// endpointState is the lifecycle of a socket endpoint:
// ∅            → Uninitialized
// Uninitialized → Bound
// Bound         → Listening  (coordinator only)
// Bound         → Closed
// Listening     → Closed
//
// There is no way back to Uninitialized; a restarted process builds a new
// endpoint, removing the stale path left by its predecessor.
type endpointState string

const (
	// Uninitialized is the state before the socket is bound.
	endpointUninitialized endpointState = "uninitialized"
	// Bound means the socket exists at its path and can send and receive.
	endpointBound endpointState = "bound"
	// Listening is a bound coordinator endpoint whose reads belong to the
	// background listener.
	endpointListening endpointState = "listening"
	// Closed is terminal.
	endpointClosed endpointState = "closed"
)

var validEndpointTransitions = map[endpointState][]endpointState{
	endpointUninitialized: {
		endpointBound,
		endpointClosed,
	},
	endpointBound: {
		endpointListening,
		endpointClosed,
	},
	endpointListening: {
		endpointClosed,
	},
	endpointClosed: {
		endpointClosed,
	},
}

func (s *endpointState) canTransitionTo(state endpointState) error {
	for _, target := range validEndpointTransitions[*s] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *endpointState) transitionTo(state endpointState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}
