package models

import (
	"fmt"
	"sort"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusSubmitted: {
		JobStatusProcessing: true, // Submitted → Processing (render started)
		JobStatusCompleted:  true, // Submitted → Completed (first update seen is the last)
		JobStatusFailed:     true, // Submitted → Failed
	},
	JobStatusProcessing: {
		JobStatusProcessing: true, // progress updates repeat the status
		JobStatusCompleted:  true,
		JobStatusFailed:     true,
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if _, known := validTransitions[to]; !known {
		return fmt.Errorf("unknown target state: %s", to)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// TransitionsFrom lists the states reachable from state, sorted.
// The second result is false for an unknown state.
func TransitionsFrom(state JobStatus) ([]JobStatus, bool) {
	allowed, ok := validTransitions[state]
	if !ok {
		return nil, false
	}
	out := make([]JobStatus, 0, len(allowed))
	for to := range allowed {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, true
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed
}
