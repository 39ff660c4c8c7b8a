package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zllovesuki/subledger/event"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap/zaptest"
)

type fakeStripe struct {
	methods  map[string]*stripe.PaymentMethod
	invoices map[string]*stripe.Invoice
}

func (f *fakeStripe) PaymentMethod(ctx context.Context, id string) (*stripe.PaymentMethod, error) {
	if pm, ok := f.methods[id]; ok {
		return pm, nil
	}
	return nil, errors.New("no such payment method")
}

func (f *fakeStripe) Invoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	if inv, ok := f.invoices[id]; ok {
		return inv, nil
	}
	return nil, errors.New("no such invoice")
}

var trialEnd = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func newStripeNormalizer(t *testing.T, enricher StripeEnricher) *Normalizer {
	n, err := New(Options{
		Logger: zaptest.NewLogger(t),
		Stripe: enricher,
	})
	require.NoError(t, err)
	return n
}

func stripeEvent(t *testing.T, typ string, created time.Time, object map[string]interface{}, prev map[string]interface{}) []byte {
	data := map[string]interface{}{
		"object": object,
	}
	if prev != nil {
		data["previous_attributes"] = prev
	}
	body, err := json.Marshal(map[string]interface{}{
		"id":       fmt.Sprintf("evt_%d", created.UnixNano()),
		"object":   "event",
		"type":     typ,
		"created":  created.Unix(),
		"livemode": true,
		"data":     data,
	})
	require.NoError(t, err)
	return body
}

func subscriptionObject(status string, extra map[string]interface{}) map[string]interface{} {
	obj := map[string]interface{}{
		"id":                     "sub_1",
		"object":                 "subscription",
		"customer":               "cus_1",
		"status":                 status,
		"cancel_at_period_end":   false,
		"current_period_start":   trialEnd.Unix(),
		"current_period_end":     trialEnd.AddDate(0, 1, 0).Unix(),
		"trial_start":            trialEnd.AddDate(0, 0, -14).Unix(),
		"trial_end":              trialEnd.Unix(),
		"latest_invoice":         "in_1",
		"default_payment_method": "pm_1",
		"metadata": map[string]interface{}{
			"user_id": "user-1",
		},
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":       "si_1",
					"quantity": 1,
					"price": map[string]interface{}{
						"id":          "price_basic",
						"unit_amount": 999,
						"currency":    "usd",
					},
				},
			},
		},
	}
	for k, v := range extra {
		obj[k] = v
	}
	return obj
}

func TestStripeSubscriptionCreated(t *testing.T) {
	n := newStripeNormalizer(t, nil)
	ctx := context.Background()
	at := trialEnd.AddDate(0, 0, -14)

	ev, err := n.Stripe(ctx, stripeEvent(t, "customer.subscription.created", at, subscriptionObject("trialing", nil), nil))
	require.NoError(t, err)
	require.Equal(t, event.KindCreated, ev.Kind)
	require.Equal(t, event.EnvProduction, ev.Environment)
	require.Equal(t, "user-1", ev.UserID)
	require.Equal(t, "cus_1", ev.ProviderCustomerRef)
	require.Equal(t, "sub_1", ev.ProviderSubscriptionRef)
	require.Equal(t, "price_basic", ev.ProductRef)
	require.EqualValues(t, 999, ev.AmountMinorUnits)
	require.Equal(t, "usd", ev.Currency)
	require.True(t, ev.HasTrial())
	require.False(t, ev.PaymentCleared)
	require.True(t, ev.OccurredAt.Equal(at))

	ev, err = n.Stripe(ctx, stripeEvent(t, "customer.subscription.created", at, subscriptionObject("active", nil), nil))
	require.NoError(t, err)
	require.Equal(t, event.KindCreated, ev.Kind)
	require.True(t, ev.PaymentCleared)
	require.False(t, ev.HasTrial())
	require.Equal(t, "in_1", ev.ProviderTransactionRef)

	ev, err = n.Stripe(ctx, stripeEvent(t, "customer.subscription.created", at, subscriptionObject("incomplete", nil), nil))
	require.NoError(t, err)
	require.Equal(t, event.KindCreated, ev.Kind)
	require.False(t, ev.PaymentCleared)
}

func TestStripeCancelAtPeriodEndWins(t *testing.T) {
	n := newStripeNormalizer(t, nil)
	ctx := context.Background()

	for _, status := range []string{"active", "past_due", "trialing"} {
		obj := subscriptionObject(status, map[string]interface{}{"cancel_at_period_end": true})
		ev, err := n.Stripe(ctx, stripeEvent(t, "customer.subscription.updated", trialEnd, obj, map[string]interface{}{"cancel_at_period_end": false}))
		require.NoError(t, err)
		require.Equal(t, event.KindAutoRenewDisabled, ev.Kind, status)
	}

	ev, err := n.Stripe(ctx, stripeEvent(t, "customer.subscription.updated", trialEnd, subscriptionObject("active", nil), map[string]interface{}{"cancel_at_period_end": true}))
	require.NoError(t, err)
	require.Equal(t, event.KindAutoRenewEnabled, ev.Kind)
}

func TestStripePastDueBankDebitNearTrialEnd(t *testing.T) {
	n := newStripeNormalizer(t, &fakeStripe{
		methods: map[string]*stripe.PaymentMethod{
			"pm_1": {ID: "pm_1", Type: "sepa_debit"},
		},
		invoices: map[string]*stripe.Invoice{
			"in_1": {ID: "in_1", PaymentIntent: &stripe.PaymentIntent{
				Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
				LastPaymentError: &stripe.Error{Code: "payment_method_unactivated", DeclineCode: "generic_decline"},
			}},
		},
	})
	ctx := context.Background()
	prev := map[string]interface{}{"status": "trialing"}

	ev, err := n.Stripe(ctx, stripeEvent(t, "customer.subscription.updated", trialEnd.Add(2*time.Hour), subscriptionObject("past_due", nil), prev))
	require.NoError(t, err)
	require.Equal(t, event.KindRecovered, ev.Kind)
	require.Equal(t, event.PaymentBankDebit, ev.PaymentMethodKind)
	require.False(t, ev.PaymentCleared)

	// outside the settlement window the decline counts, the debit still earns grace
	ev, err = n.Stripe(ctx, stripeEvent(t, "customer.subscription.updated", trialEnd.Add(72*time.Hour), subscriptionObject("past_due", nil), prev))
	require.NoError(t, err)
	require.Equal(t, event.KindFailed, ev.Kind)
	require.Equal(t, "generic_decline", ev.FailureReason)
	require.True(t, ev.GraceEligible())
}

func TestStripePastDueDeclines(t *testing.T) {
	enricher := &fakeStripe{
		methods: map[string]*stripe.PaymentMethod{
			"pm_1": {ID: "pm_1", Type: stripe.PaymentMethodTypeCard},
		},
		invoices: map[string]*stripe.Invoice{
			"in_hard": {ID: "in_hard", PaymentIntent: &stripe.PaymentIntent{
				Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
				LastPaymentError: &stripe.Error{Code: stripe.ErrorCodeCardDeclined, DeclineCode: "insufficient_funds"},
			}},
			"in_soft": {ID: "in_soft", PaymentIntent: &stripe.PaymentIntent{
				Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
				LastPaymentError: &stripe.Error{Code: stripe.ErrorCodeCardDeclined, DeclineCode: "try_again_later"},
			}},
			"in_none": {ID: "in_none", PaymentIntent: &stripe.PaymentIntent{
				Status: stripe.PaymentIntentStatusProcessing,
			}},
		},
	}
	n := newStripeNormalizer(t, enricher)
	ctx := context.Background()
	at := trialEnd.AddDate(0, 1, 0)
	prev := map[string]interface{}{"status": "active"}

	ev, err := n.Stripe(ctx, stripeEvent(t, "customer.subscription.updated", at, subscriptionObject("past_due", map[string]interface{}{"latest_invoice": "in_hard"}), prev))
	require.NoError(t, err)
	require.Equal(t, event.KindFailed, ev.Kind)
	require.Equal(t, "insufficient_funds", ev.FailureReason)
	require.Equal(t, event.PaymentCard, ev.PaymentMethodKind)
	require.False(t, ev.GraceEligible())

	ev, err = n.Stripe(ctx, stripeEvent(t, "customer.subscription.updated", at, subscriptionObject("past_due", map[string]interface{}{"latest_invoice": "in_soft"}), prev))
	require.NoError(t, err)
	require.Equal(t, event.KindRecovered, ev.Kind)

	ev, err = n.Stripe(ctx, stripeEvent(t, "customer.subscription.updated", at, subscriptionObject("past_due", map[string]interface{}{"latest_invoice": "in_none"}), prev))
	require.NoError(t, err)
	require.Equal(t, event.KindRecovered, ev.Kind)

	_, err = n.Stripe(ctx, stripeEvent(t, "customer.subscription.updated", at, subscriptionObject("past_due", map[string]interface{}{"latest_invoice": "in_missing"}), prev))
	require.Error(t, err)
	var nErr *event.NormalizationError
	require.False(t, errors.As(err, &nErr), "lookup failures must stay retryable")
}

func TestStripeStatusTransitions(t *testing.T) {
	n := newStripeNormalizer(t, nil)
	ctx := context.Background()

	cases := []struct {
		status string
		prev   map[string]interface{}
		kind   event.Kind
	}{
		{status: "active", prev: map[string]interface{}{"status": "trialing"}, kind: event.KindRenewed},
		{status: "active", prev: map[string]interface{}{"status": "past_due"}, kind: event.KindRecovered},
		{status: "active", prev: map[string]interface{}{"current_period_end": 1}, kind: event.KindRenewed},
		{status: "active", prev: map[string]interface{}{"metadata": map[string]interface{}{}}, kind: event.KindPlanChangeScheduled},
		{status: "active", prev: map[string]interface{}{"quantity": 1}, kind: event.KindUnknown},
		{status: "unpaid", prev: map[string]interface{}{"status": "past_due"}, kind: event.KindFailed},
		{status: "canceled", prev: map[string]interface{}{"status": "active"}, kind: event.KindCanceled},
		{status: "incomplete_expired", prev: map[string]interface{}{"status": "incomplete"}, kind: event.KindExpired},
		{status: "trialing", prev: map[string]interface{}{"status": "incomplete"}, kind: event.KindTrialStarted},
	}
	for _, c := range cases {
		ev, err := n.Stripe(ctx, stripeEvent(t, "customer.subscription.updated", trialEnd, subscriptionObject(c.status, nil), c.prev))
		require.NoError(t, err)
		require.Equal(t, c.kind, ev.Kind, "%s %v", c.status, c.prev)
	}

	ev, err := n.Stripe(ctx, stripeEvent(t, "customer.subscription.deleted", trialEnd, subscriptionObject("canceled", nil), nil))
	require.NoError(t, err)
	require.Equal(t, event.KindCanceled, ev.Kind)
}

func TestStripePlanChangeMetadata(t *testing.T) {
	n := newStripeNormalizer(t, nil)
	obj := subscriptionObject("active", map[string]interface{}{
		"metadata": map[string]interface{}{
			"user_id":       "user-1",
			"next_price_id": "price_pro",
		},
	})
	ev, err := n.Stripe(context.Background(), stripeEvent(t, "customer.subscription.updated", trialEnd, obj, map[string]interface{}{"metadata": map[string]interface{}{"next_price_id": nil}}))
	require.NoError(t, err)
	require.Equal(t, event.KindPlanChangeScheduled, ev.Kind)
	require.Equal(t, "price_pro", ev.NextProductRef)
}

func TestStripeInvoices(t *testing.T) {
	n := newStripeNormalizer(t, nil)
	ctx := context.Background()

	invoice := func(reason string, extra map[string]interface{}) map[string]interface{} {
		obj := map[string]interface{}{
			"id":             "in_2",
			"object":         "invoice",
			"customer":       "cus_1",
			"subscription":   "sub_1",
			"billing_reason": reason,
			"amount_due":     999,
			"amount_paid":    999,
			"currency":       "eur",
			"lines": map[string]interface{}{
				"object": "list",
				"data": []interface{}{
					map[string]interface{}{
						"id":       "il_1",
						"price":    map[string]interface{}{"id": "price_basic"},
						"period":   map[string]interface{}{"start": trialEnd.Unix(), "end": trialEnd.AddDate(0, 1, 0).Unix()},
						"metadata": map[string]interface{}{"user_id": "user-1"},
					},
				},
			},
		}
		for k, v := range extra {
			obj[k] = v
		}
		return obj
	}

	ev, err := n.Stripe(ctx, stripeEvent(t, "invoice.paid", trialEnd, invoice("subscription_cycle", nil), nil))
	require.NoError(t, err)
	require.Equal(t, event.KindRenewed, ev.Kind)
	require.Equal(t, "in_2", ev.ProviderTransactionRef)
	require.Equal(t, "sub_1", ev.ProviderSubscriptionRef)
	require.Equal(t, "user-1", ev.UserID)
	require.Equal(t, "price_basic", ev.ProductRef)
	require.NotNil(t, ev.PeriodEnd)
	require.True(t, ev.PaymentCleared)

	ev, err = n.Stripe(ctx, stripeEvent(t, "invoice.paid", trialEnd, invoice("manual", nil), nil))
	require.NoError(t, err)
	require.Equal(t, event.KindUnknown, ev.Kind)

	trialOpening := invoice("subscription_create", map[string]interface{}{"amount_due": 0, "amount_paid": 0})
	ev, err = n.Stripe(ctx, stripeEvent(t, "invoice.paid", trialEnd.AddDate(0, 0, -14), trialOpening, nil))
	require.NoError(t, err)
	require.Equal(t, event.KindUnknown, ev.Kind)
	require.False(t, ev.PaymentCleared)

	ev, err = n.Stripe(ctx, stripeEvent(t, "invoice.payment_succeeded", trialEnd.AddDate(0, 0, -14), invoice("subscription_create", nil), nil))
	require.NoError(t, err)
	require.Equal(t, event.KindRenewed, ev.Kind)
	require.True(t, ev.PaymentCleared)
	require.EqualValues(t, 999, ev.AmountMinorUnits)

	failed := invoice("subscription_cycle", map[string]interface{}{
		"payment_intent": map[string]interface{}{
			"id":             "pi_1",
			"status":         "processing",
			"payment_method": map[string]interface{}{"id": "pm_2", "type": "us_bank_account"},
			"last_payment_error": map[string]interface{}{
				"code": "payment_intent_payment_attempt_failed",
				"type": "invalid_request_error",
			},
		},
	})
	ev, err = n.Stripe(ctx, stripeEvent(t, "invoice.payment_failed", trialEnd, failed, nil))
	require.NoError(t, err)
	require.Equal(t, event.KindFailed, ev.Kind)
	require.Equal(t, event.PaymentBankDebit, ev.PaymentMethodKind)
	require.Equal(t, "payment_intent_payment_attempt_failed", ev.FailureReason)

	oneOff := invoice("manual", map[string]interface{}{"subscription": nil})
	ev, err = n.Stripe(ctx, stripeEvent(t, "invoice.payment_failed", trialEnd, oneOff, nil))
	require.NoError(t, err)
	require.Equal(t, event.KindUnknown, ev.Kind)
}

func TestStripeRefund(t *testing.T) {
	n := newStripeNormalizer(t, nil)
	ctx := context.Background()

	charge := func(refunded bool) map[string]interface{} {
		return map[string]interface{}{
			"id":              "ch_1",
			"object":          "charge",
			"amount":          999,
			"amount_refunded": 999,
			"currency":        "usd",
			"customer":        "cus_1",
			"invoice":         "in_1",
			"refunded":        refunded,
		}
	}

	ev, err := n.Stripe(ctx, stripeEvent(t, "charge.refunded", trialEnd, charge(true), nil))
	require.NoError(t, err)
	require.Equal(t, event.KindRefunded, ev.Kind)
	require.Equal(t, "in_1", ev.ProviderTransactionRef)

	ev, err = n.Stripe(ctx, stripeEvent(t, "charge.refunded", trialEnd, charge(false), nil))
	require.NoError(t, err)
	require.Equal(t, event.KindUnknown, ev.Kind)
}

func TestStripeMalformed(t *testing.T) {
	n := newStripeNormalizer(t, nil)
	ctx := context.Background()

	var nErr *event.NormalizationError
	_, err := n.Stripe(ctx, []byte(`{not json`))
	require.True(t, errors.As(err, &nErr))

	_, err = n.Stripe(ctx, []byte(`{"type": "customer.subscription.created"}`))
	require.True(t, errors.As(err, &nErr))

	ev, err := n.Stripe(ctx, stripeEvent(t, "customer.created", trialEnd, map[string]interface{}{"id": "cus_1"}, nil))
	require.NoError(t, err)
	require.Equal(t, event.KindUnknown, ev.Kind)
}
