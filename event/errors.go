package event

import (
	"errors"
	"fmt"
)

// ErrEnvironmentMismatch is returned for notifications addressed to another deployment
var ErrEnvironmentMismatch = errors.New("event environment does not match deployment")

// NormalizationError describes a payload that cannot be turned into a SubscriptionEvent
type NormalizationError struct {
	Provider Provider
	Reason   string
	Err      error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot normalize %s payload: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot normalize %s payload: %s", e.Provider, e.Reason)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// Malformed returns a NormalizationError for provider p
func Malformed(p Provider, reason string, err error) error {
	return &NormalizationError{
		Provider: p,
		Reason:   reason,
		Err:      err,
	}
}
