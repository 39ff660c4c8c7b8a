package external

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zllovesuki/subledger/plan"
	"github.com/zllovesuki/subledger/reconcile"
	"github.com/zllovesuki/subledger/subscription"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

// StripeOptions configures the Stripe gateway
type StripeOptions struct {
	Key    string
	Logger *zap.Logger
	// Backends overrides the API endpoints, used in tests
	Backends *stripe.Backends
}

// Stripe talks to the Stripe API on behalf of the normalizer and the reconciler
type Stripe struct {
	StripeOptions
	sc *client.API
}

// NewStripe returns a Stripe gateway authenticated with the secret key
func NewStripe(option StripeOptions) (*Stripe, error) {
	if len(option.Key) == 0 {
		return nil, fmt.Errorf("empty Stripe key is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	sc := &client.API{}
	sc.Init(option.Key, option.Backends)
	return &Stripe{
		StripeOptions: option,
		sc:            sc,
	}, nil
}

// PaymentMethod fetches a payment method by id
func (s *Stripe) PaymentMethod(ctx context.Context, id string) (*stripe.PaymentMethod, error) {
	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	pm, err := s.sc.PaymentMethods.Get(id, params)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get payment method from Stripe")
	}
	return pm, nil
}

// Invoice fetches an invoice with its payment intent and payment method expanded
func (s *Stripe) Invoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	params.AddExpand("payment_intent.payment_method")
	inv, err := s.sc.Invoices.Get(id, params)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get invoice from Stripe")
	}
	return inv, nil
}

// ProvisionSuccessor opens a Stripe subscription on the queued plan for the customer of old.
// The idempotency key is derived from old so a retried transition does not bill twice.
func (s *Stripe) ProvisionSuccessor(ctx context.Context, old *subscription.Subscription, next *plan.Plan) (*reconcile.Provisioned, error) {
	if len(old.ProviderCustomerRef) == 0 {
		return nil, fmt.Errorf("subscription %s has no Stripe customer", old.ID)
	}
	if len(next.StripePriceID) == 0 {
		return nil, fmt.Errorf("plan %s is not sold on Stripe", next.ID)
	}

	logger := s.Logger.With(
		zap.String("CustomerID", old.ProviderCustomerRef),
		zap.String("PlanID", next.ID),
	)

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(old.ProviderCustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price: stripe.String(next.StripePriceID),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("user_id", old.UserID)
	params.AddMetadata("predecessor_id", old.ID)
	if old.TrialStart != nil {
		params.TrialEndNow = stripe.Bool(true)
	} else if next.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(next.TrialDays))
	}
	params.SetIdempotencyKey("successor-" + old.ID)

	created, err := s.sc.Subscriptions.New(params)
	if err != nil {
		logger.Error("Unable to provision successor subscription in Stripe",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot provision successor subscription")
	}

	p := &reconcile.Provisioned{
		SubscriptionRef: created.ID,
		CustomerRef:     old.ProviderCustomerRef,
		Status:          stripeStatus(created.Status),
	}
	if created.TrialStart > 0 && created.TrialEnd > 0 {
		p.TrialStart, p.TrialEnd = unix(created.TrialStart), unix(created.TrialEnd)
	}
	if created.CurrentPeriodStart > 0 && created.CurrentPeriodEnd > 0 {
		p.PeriodStart, p.PeriodEnd = unix(created.CurrentPeriodStart), unix(created.CurrentPeriodEnd)
	}
	if created.Items != nil && len(created.Items.Data) > 0 && created.Items.Data[0].Price != nil {
		price := created.Items.Data[0].Price
		p.Amount = price.UnitAmount
		p.Currency = strings.ToLower(string(price.Currency))
	}

	logger.Info("Successor subscription provisioned",
		zap.String("SubscriptionID", created.ID),
		zap.String("Status", string(created.Status)),
	)

	return p, nil
}

func stripeStatus(s stripe.SubscriptionStatus) subscription.Status {
	switch s {
	case stripe.SubscriptionStatusActive:
		return subscription.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return subscription.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return subscription.StatusPastDue
	}
	return subscription.StatusIncomplete
}

func unix(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}
