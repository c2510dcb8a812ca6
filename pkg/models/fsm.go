package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusCreated: {
		JobStatusPreparing: true, // Created → Preparing (orchestrator picks up job)
		JobStatusFailed:    true, // Created → Failed (rejected before any work)
	},
	JobStatusPreparing: {
		JobStatusProcessing: true, // Preparing → Processing (media prep done, fan out)
		JobStatusFailed:     true, // Preparing → Failed (prep retries exhausted)
	},
	JobStatusProcessing: {
		JobStatusFusing: true, // Processing → Fusing (join barrier satisfied)
		JobStatusFailed: true, // Processing → Failed (all branches failed)
	},
	JobStatusFusing: {
		JobStatusCompleted: true, // Fusing → Completed (result persisted)
		JobStatusFailed:    true, // Fusing → Failed (unexpected fusion error)
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// ValidateTransition checks if a job state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed
}

// IsActiveState returns true if the job is actively being processed
func IsActiveState(state JobStatus) bool {
	return state == JobStatusPreparing || state == JobStatusProcessing || state == JobStatusFusing
}

// validBranchTransitions mirrors the job FSM for individual branches
var validBranchTransitions = map[BranchStatus]map[BranchStatus]bool{
	BranchPending: {
		BranchRunning: true, // Pending → Running (submit accepted)
		BranchFailed:  true, // Pending → Failed (submission rejected)
	},
	BranchRunning: {
		BranchSucceeded: true, // Running → Succeeded (recognizer done)
		BranchFailed:    true, // Running → Failed (retries/time budget exhausted)
	},
	BranchSucceeded: {},
	BranchFailed:    {},
}

// ValidateBranchTransition checks if a branch state transition is valid
func ValidateBranchTransition(from, to BranchStatus) error {
	allowed, exists := validBranchTransitions[from]
	if !exists {
		return fmt.Errorf("unknown branch state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid branch transition from %s to %s", from, to)
	}
	return nil
}
