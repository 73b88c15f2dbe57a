package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a batch is asked to move to a state
// its current state does not allow
var ErrInvalidTransition = errors.New("invalid batch state transition")

// validTransitions maps from-state to allowed to-states
var validTransitions = map[BatchStatus]map[BatchStatus]bool{
	BatchStatusPending: {
		BatchStatusProcessing: true, // Pending → Processing (start)
		BatchStatusCancelled:  true, // Pending → Cancelled (cancelled before start)
	},
	BatchStatusProcessing: {
		BatchStatusCompleted: true, // Processing → Completed (at least one success, or no failures)
		BatchStatusFailed:    true, // Processing → Failed (nothing succeeded)
		BatchStatusCancelled: true, // Processing → Cancelled (user cancels)
	},
	// Finished batches may only be reopened by retrying their failed configs
	BatchStatusCompleted: {
		BatchStatusPending: true,
	},
	BatchStatusFailed: {
		BatchStatusPending: true,
	},
	BatchStatusCancelled: {},
}

// ValidateTransition checks if a batch state transition is valid
func ValidateTransition(from, to BatchStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminalState returns true if the batch has finished running
func IsTerminalState(state BatchStatus) bool {
	return state == BatchStatusCompleted || state == BatchStatusFailed || state == BatchStatusCancelled
}

// IsActiveState returns true while a batch has not reached a terminal state.
// Active batches are never pruned.
func IsActiveState(state BatchStatus) bool {
	return state == BatchStatusPending || state == BatchStatusProcessing
}

// CanRetry returns true if failed configs of a batch in this state may be re-run
func CanRetry(state BatchStatus) bool {
	return state == BatchStatusCompleted || state == BatchStatusFailed
}

// Transition validates and applies a status change, recording it in the
// batch's transition log
func (b *Batch) Transition(to BatchStatus, reason string, at time.Time) error {
	if err := ValidateTransition(b.Status, to); err != nil {
		return err
	}
	b.StateTransitions = append(b.StateTransitions, StateTransition{
		From:      b.Status,
		To:        to,
		Timestamp: at,
		Reason:    reason,
	})
	b.Status = to
	b.UpdatedAt = at
	if IsTerminalState(to) {
		t := at
		b.CompletedAt = &t
	} else {
		b.CompletedAt = nil
	}
	return nil
}
