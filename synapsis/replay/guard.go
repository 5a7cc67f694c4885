package replay

import (
	"context"
	"errors"
	"time"
)

// Returned by [Guard.Record] when the action identity has already been recorded.
//
// This is not an internal error: the sender should treat it as already-applied.
var ErrReplayed = errors.New("replay: action already recorded")

// One accepted signed action.
type Entry struct {
	// lower-case hex SHA-256 of the canonical action bytes
	ActionID string
	DID      string
	Nonce    string
	// the action's own timestamp, not the receive time
	Timestamp time.Time
}

// Records signed action identities exactly once. Implementations must be correct under concurrent duplicate delivery: of N simultaneous Record calls for the same ActionID, exactly one returns nil.
type Guard interface {
	Record(ctx context.Context, e Entry) error
	// Forgets a recorded action whose effect could not be applied, so that a redelivery of it is accepted.
	Release(ctx context.Context, actionID string) error
	// Deletes records whose action timestamp is before the cutoff. Those actions are outside the freshness window, so they can never be accepted again anyway.
	Sweep(ctx context.Context, before time.Time) (int64, error)
}
