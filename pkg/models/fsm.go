package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change breaks the job FSM
var ErrInvalidTransition = errors.New("invalid job state transition")

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusRunning: true, // Pending → Running (runner picked the job up)
		JobStatusFailed:  true, // Pending → Failed (runner could not start, shutdown while queued)
	},
	JobStatusRunning: {
		JobStatusCompleted: true, // Running → Completed (tool succeeded, artifact confirmed)
		JobStatusFailed:    true, // Running → Failed (tool error, missing artifact, timeout)
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidTransition, from)
	}
	if !allowedStates[to] {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed
}

// IsActiveState returns true if the job is waiting for or holding a tool invocation
func IsActiveState(state JobStatus) bool {
	return state == JobStatusPending || state == JobStatusRunning
}

// ParseJobStatus parses a status string, as used by list filters
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if _, ok := validTransitions[status]; !ok {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return status, nil
}
