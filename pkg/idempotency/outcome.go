package idempotency

import "errors"

// State is where an event ended up after one delivery.
//
//	unseen -> marked -> committed
//	                 -> retryable (marker removed, sender should redeliver)
//	                 -> business failure (marker kept)
//	unseen -> duplicate (marker already present, or the check failed closed)
type State int

const (
	StateCommitted State = iota + 1
	StateDuplicate
	StateRetryable
	StateBusinessFailure
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateCommitted:
		return "committed"
	case StateDuplicate:
		return "duplicate"
	case StateRetryable:
		return "retryable"
	case StateBusinessFailure:
		return "business_failure"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of Ledger.Process. Err explains the failure
// states and, for a fail-closed duplicate, the store error behind it.
type Outcome struct {
	State   State
	EventID string
	Err     error
}

// Retryable reports whether the sender should be asked to deliver again.
func (o Outcome) Retryable() bool {
	return o.State == StateRetryable
}

// Acknowledged reports whether the sender should stop redelivering.
func (o Outcome) Acknowledged() bool {
	switch o.State {
	case StateCommitted, StateDuplicate, StateBusinessFailure:
		return true
	}
	return false
}

type businessError struct {
	err error
}

func (e *businessError) Error() string { return e.err.Error() }
func (e *businessError) Unwrap() error { return e.err }

// Business marks err as a business-rule failure: the event is considered
// seen and will not be retried. Any handler error not marked this way is
// treated as an infrastructure failure.
func Business(err error) error {
	if err == nil {
		return nil
	}
	return &businessError{err: err}
}

// IsBusiness reports whether err, or anything it wraps, was marked with
// Business.
func IsBusiness(err error) bool {
	var be *businessError
	return errors.As(err, &be)
}
