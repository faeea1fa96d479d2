package store

import (
	"errors"
	"fmt"
)

// Typed errors for session store operations. Callers branch with errors.Is.
var (
	// ErrNotFound: the session, message or proposal does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyClaimed: a concurrent claim won; the session has a
	// specialist attached. Recoverable — surfaced as a notice, not a
	// failure.
	ErrAlreadyClaimed = errors.New("store: session already claimed")

	// ErrAlreadyEnded: the claim target reached its terminal status first.
	ErrAlreadyEnded = errors.New("store: session already ended")

	// ErrSessionEnded: a message write was rejected because the owning
	// session is ended.
	ErrSessionEnded = errors.New("store: session has ended")

	// ErrBadTransition: the requested lifecycle transition is illegal.
	// Fatal to the call; state is unchanged.
	ErrBadTransition = errors.New("store: illegal transition")

	// ErrTransient: the underlying write failed for infrastructure
	// reasons and may be retried.
	ErrTransient = errors.New("store: transient failure")
)

// transient wraps a driver error so callers can distinguish retryable
// persistence failures from validation errors.
func transient(op string, err error) error {
	return fmt.Errorf("store: %s: %w: %v", op, ErrTransient, err)
}
