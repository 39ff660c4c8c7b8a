package reconcile

import (
	"errors"
	"fmt"

	"github.com/zllovesuki/subledger/event"
	"github.com/zllovesuki/subledger/subscription"
)

var (
	// ErrStaleEvent means the event is older than the last one applied to its subscription
	ErrStaleEvent = errors.New("event is older than the last applied event")
	// ErrDuplicateEvent means the event was already applied
	ErrDuplicateEvent = subscription.ErrDuplicateEvent
	// ErrIgnored means the event was understood but changes nothing
	ErrIgnored = errors.New("event does not apply to any subscription state")
	// ErrConcurrencyConflict means the subscription stayed locked through every retry
	ErrConcurrencyConflict = errors.New("subscription is being modified concurrently")
	// ErrSubscriptionNotFound means the event references a subscription the ledger has not seen yet
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// PlanNotFoundError is returned when a product reference has no plan in the catalog
type PlanNotFoundError struct {
	Provider   event.Provider
	ProductRef string
}

func (e *PlanNotFoundError) Error() string {
	return fmt.Sprintf("no plan for %s product %q", e.Provider, e.ProductRef)
}

// PersistenceError wraps a storage failure. The event was not applied.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pErr *PersistenceError
	if errors.As(err, &pErr) {
		return err
	}
	return &PersistenceError{
		Op:  op,
		Err: err,
	}
}
