package synckit

import (
	"encoding/json"
	"time"

	syncErrors "github.com/c0deZ3R0/go-cart-sync/errors"
)

// State is the coordinator's sync mode.
type State int

const (
	// StateGuest means there is no session and the local store is authoritative.
	StateGuest State = iota
	// StateReconciling means a login merge is in progress.
	StateReconciling
	// StateSynced means the remote is authoritative and the local store mirrors it.
	StateSynced
	// StateDegraded means a session exists but the remote is failing. The
	// local store is authoritative until a remote call succeeds again.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateGuest:
		return "guest"
	case StateReconciling:
		return "reconciling"
	case StateSynced:
		return "synced"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Outcome is the result reported by a SyncEvent.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeRecovered Outcome = "recovered"
	// OutcomeStateChanged reports any other state transition.
	OutcomeStateChanged Outcome = "state_changed"
)

// SyncEvent describes one remote attempt or one state transition.
//
// For remote attempts ID is the outbox operation id when the call drained a
// queued mutation.
type SyncEvent struct {
	ID       string
	Op       syncErrors.Operation
	Outcome  Outcome
	State    State
	Err      error
	Duration time.Duration
	At       time.Time
}
