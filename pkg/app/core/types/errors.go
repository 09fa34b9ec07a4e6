package types

import (
	"errors"
	"fmt"
)

// Rejections surfaced to callers
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotOwner            = errors.New("order not owned by caller")
	ErrOrderNotCancellable = errors.New("order not cancellable")
)

// ErrUnknownMarket is an admission failure, so it matches ErrInvalidOrder too
var ErrUnknownMarket = fmt.Errorf("%w: unknown market", ErrInvalidOrder)

// Retryable failures
var (
	// ErrConcurrentModification means a balance row changed between read and commit.
	// The sequencer retries it; callers never see it.
	ErrConcurrentModification = errors.New("concurrent modification, retry")
	// ErrPersistenceFailure means the durable commit did not happen. Nothing was applied.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// Internal invariant violations
var (
	ErrInvalidTransition    = errors.New("invalid order state transition")
	ErrReservationUnderflow = errors.New("reservation underflow")
	ErrDuplicateOrder       = errors.New("duplicate order id")
	ErrSequencerStopped     = errors.New("sequencer stopped")
)

// IsRetryable reports whether the same intent may succeed if submitted again
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrPersistenceFailure)
}
