package subscription

import (
	"fmt"
	"time"

	"github.com/zllovesuki/subledger/event"

	"gorm.io/datatypes"
)

// Key identifies the single open subscription a user may hold on a provider
type Key struct {
	UserID      string
	Provider    event.Provider
	Environment event.Environment
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Provider, k.Environment, k.UserID)
}

// Subscription is the canonical record of a user's subscription on one provider.
// The partial unique indexes keep one open row per Key and one open row per provider reference.
type Subscription struct {
	ID                      string            `json:"id" gorm:"primaryKey"`
	UserID                  string            `json:"userId" gorm:"index;uniqueIndex:idx_subscriptions_open_key,where:status <> 'canceled'"`
	Provider                event.Provider    `json:"provider" gorm:"uniqueIndex:idx_subscriptions_open_key,where:status <> 'canceled';uniqueIndex:idx_subscriptions_open_ref,where:status <> 'canceled' AND provider_subscription_ref <> ''"`
	Environment             event.Environment `json:"environment" gorm:"uniqueIndex:idx_subscriptions_open_key,where:status <> 'canceled'"`
	ProviderCustomerRef     string            `json:"providerCustomerRef"`                                                                                          // Stripe customer ID, Apple app account token
	ProviderSubscriptionRef string            `json:"providerSubscriptionRef" gorm:"index;uniqueIndex:idx_subscriptions_open_ref,where:status <> 'canceled' AND provider_subscription_ref <> ''"` // Stripe subscription ID, Play purchase token, Apple original transaction ID
	PlanID                  string            `json:"planId"`
	NextPlanID              *string           `json:"nextPlanId"` // Plan to switch to at the end of the current period
	Status                  Status            `json:"status" gorm:"index"`

	TrialStart         *time.Time `json:"trialStart"`
	TrialEnd           *time.Time `json:"trialEnd"`
	CurrentPeriodStart *time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd"`
	NextBillingDate    *time.Time `json:"nextBillingDate"`

	Amount   int64  `json:"amount"`   // Last billed amount in minor units
	Currency string `json:"currency"` // Lower-case ISO 4217

	PredecessorID *string    `json:"predecessorId"` // Row this one replaced, if any
	LastEventAt   time.Time  `json:"lastEventAt"`   // occurredAt of the last applied event
	LastEventID   string     `json:"lastEventId"`
	CanceledAt    *time.Time `json:"canceledAt"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Key returns the ownership key of the row
func (s *Subscription) Key() Key {
	return Key{
		UserID:      s.UserID,
		Provider:    s.Provider,
		Environment: s.Environment,
	}
}

// HasNextPlan reports whether a plan change is queued for the period end
func (s *Subscription) HasNextPlan() bool {
	return s.NextPlanID != nil && len(*s.NextPlanID) > 0
}

// InTrialWindow reports whether t falls inside the recorded trial
func (s *Subscription) InTrialWindow(t time.Time) bool {
	return s.TrialStart != nil && s.TrialEnd != nil && t.Before(*s.TrialEnd)
}

// SetTrial sets both trial boundaries or clears both
func (s *Subscription) SetTrial(start, end *time.Time) {
	if start == nil || end == nil {
		s.TrialStart, s.TrialEnd = nil, nil
		return
	}
	s.TrialStart, s.TrialEnd = copyTime(start), copyTime(end)
}

// SetPeriod sets both period boundaries, or clears both, and derives the next billing date
func (s *Subscription) SetPeriod(start, end *time.Time) {
	if start == nil || end == nil {
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.NextBillingDate = nil, nil, nil
		return
	}
	s.CurrentPeriodStart, s.CurrentPeriodEnd = copyTime(start), copyTime(end)
	s.NextBillingDate = copyTime(end)
}

// terminate moves the row into its terminal state
func (s *Subscription) terminate(at time.Time) {
	s.Status = StatusCanceled
	s.SetPeriod(nil, nil)
	s.CanceledAt = &at
}

// Validate checks the invariants every persisted row must satisfy
func (s *Subscription) Validate() error {
	if len(s.UserID) == 0 {
		return fmt.Errorf("subscription %s has no owner", s.ID)
	}
	if !s.Provider.Valid() {
		return fmt.Errorf("subscription %s has invalid provider %q", s.ID, s.Provider)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("subscription %s has invalid status %q", s.ID, s.Status)
	}
	if (s.TrialStart == nil) != (s.TrialEnd == nil) {
		return fmt.Errorf("subscription %s has a half-open trial window", s.ID)
	}
	if (s.CurrentPeriodStart == nil) != (s.CurrentPeriodEnd == nil) {
		return fmt.Errorf("subscription %s has a half-open billing period", s.ID)
	}
	if s.Status.Terminal() && (s.CurrentPeriodStart != nil || s.NextBillingDate != nil) {
		return fmt.Errorf("canceled subscription %s still carries a billing period", s.ID)
	}
	return nil
}

// EventReceipt records that a provider event has been applied.
// It is written in the same transaction as the mutation it caused.
type EventReceipt struct {
	ID             uint           `json:"-" gorm:"primaryKey"`
	Provider       event.Provider `json:"provider" gorm:"uniqueIndex:idx_event_receipts_raw"`
	RawEventID     string         `json:"rawEventId" gorm:"uniqueIndex:idx_event_receipts_raw"`
	Kind           event.Kind     `json:"kind"`
	SubscriptionID string         `json:"subscriptionId" gorm:"index"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Payload        datatypes.JSON `json:"payload"`
	CreatedAt      time.Time      `json:"createdAt"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
