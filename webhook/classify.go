package webhook

import (
	"errors"

	"github.com/zllovesuki/subledger/event"
	"github.com/zllovesuki/subledger/reconcile"
)

// Outcome labels how a delivery was answered
type Outcome string

// Defining the answers a provider can get
const (
	OutcomeApplied      Outcome = "applied"
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeRedeliver    Outcome = "redeliver"
	OutcomeRejected     Outcome = "rejected"
)

// Classify decides whether the provider should consider the delivery done.
// Errors that will never succeed on redelivery are acknowledged so providers do not retry them forever.
// Anything that might succeed later, or that we do not recognize, is left to the provider's redelivery.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeApplied
	}
	var normErr *event.NormalizationError
	switch {
	case errors.As(err, &normErr),
		errors.Is(err, event.ErrEnvironmentMismatch),
		errors.Is(err, reconcile.ErrStaleEvent),
		errors.Is(err, reconcile.ErrDuplicateEvent),
		errors.Is(err, reconcile.ErrIgnored):
		return OutcomeAcknowledged
	}
	return OutcomeRedeliver
}
