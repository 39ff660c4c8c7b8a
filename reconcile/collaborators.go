package reconcile

import (
	"context"
	"time"

	"github.com/zllovesuki/subledger/event"
	"github.com/zllovesuki/subledger/notify"
	"github.com/zllovesuki/subledger/plan"
	"github.com/zllovesuki/subledger/subscription"
)

// Catalog resolves provider products to plans. Lookups run inside the ledger transaction and must not touch it.
type Catalog interface {
	FindByProviderProductRef(ctx context.Context, provider event.Provider, ref string) (*plan.Plan, error)
	GetByID(ctx context.Context, id string) (*plan.Plan, error)
}

// Dispatcher delivers user notifications. It is idempotent per (userID, t, referenceID).
type Dispatcher interface {
	Notify(ctx context.Context, userID string, t notify.Type, referenceID string) error
}

// UserFlags updates user state after a transition commits
type UserFlags interface {
	SetHasUsedTrial(ctx context.Context, userID string) error
	InvalidateSessions(ctx context.Context, userID string) error
}

// Provisioned is the provider-side state of a successor subscription
type Provisioned struct {
	SubscriptionRef string
	CustomerRef     string
	Status          subscription.Status
	TrialStart      *time.Time
	TrialEnd        *time.Time
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	Amount          int64
	Currency        string
}

// Provisioner opens the successor of a subscription on the provider when a queued plan change takes effect.
// Calls must be idempotent for the same old row.
type Provisioner interface {
	ProvisionSuccessor(ctx context.Context, old *subscription.Subscription, next *plan.Plan) (*Provisioned, error)
}
