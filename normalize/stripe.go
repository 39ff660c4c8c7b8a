package normalize

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/zllovesuki/subledger/event"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// Metadata keys the checkout flow writes onto Stripe subscriptions
const (
	StripeMetadataUserID      = "user_id"
	StripeMetadataNextPriceID = "next_price_id"
)

// bankDebitWindow is how close to the end of a trial a past_due bank debit is still considered settling
const bankDebitWindow = 24 * time.Hour

// StripeEnricher resolves objects a webhook only references by id
type StripeEnricher interface {
	PaymentMethod(ctx context.Context, id string) (*stripe.PaymentMethod, error)
	// Invoice returns the invoice with its payment intent and payment method expanded
	Invoice(ctx context.Context, id string) (*stripe.Invoice, error)
}

// delayed notification payment methods settle over days
var bankDebitTypes = map[string]bool{
	"acss_debit":      true,
	"au_becs_debit":   true,
	"bacs_debit":      true,
	"sepa_debit":      true,
	"sofort":          true,
	"us_bank_account": true,
}

// decline codes Stripe documents as retryable by the issuer
var softDeclineCodes = map[string]bool{
	"approve_with_id":         true,
	"issuer_not_available":    true,
	"processing_error":        true,
	"reenter_transaction":     true,
	"try_again_later":         true,
	"authentication_required": true,
}

// Stripe normalizes a Stripe Event JSON body
func (n *Normalizer) Stripe(ctx context.Context, payload []byte) (*event.SubscriptionEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, event.Malformed(event.ProviderStripe, "invalid event JSON", err)
	}
	return n.StripeEvent(ctx, &ev)
}

// StripeEvent normalizes an already decoded Stripe event
func (n *Normalizer) StripeEvent(ctx context.Context, ev *stripe.Event) (*event.SubscriptionEvent, error) {
	if len(ev.ID) == 0 || ev.Data == nil {
		return nil, event.Malformed(event.ProviderStripe, "event without id or data", nil)
	}
	out := &event.SubscriptionEvent{
		Provider:          event.ProviderStripe,
		Environment:       event.EnvSandbox,
		Kind:              event.KindUnknown,
		OccurredAt:        time.Unix(ev.Created, 0).UTC(),
		RawEventID:        ev.ID,
		PaymentMethodKind: event.PaymentUnknown,
	}
	if ev.Livemode {
		out.Environment = event.EnvProduction
	}

	var err error
	switch ev.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, event.Malformed(event.ProviderStripe, "invalid subscription object", err)
		}
		err = n.stripeSubscription(ctx, ev.Type, &sub, ev.Data.PreviousAttributes, out)
	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, event.Malformed(event.ProviderStripe, "invalid invoice object", err)
		}
		err = n.stripeInvoice(ctx, ev.Type, &inv, out)
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, event.Malformed(event.ProviderStripe, "invalid charge object", err)
		}
		stripeRefund(&ch, out)
	default:
		n.Logger.Debug("Ignoring Stripe event type",
			zap.String("Type", ev.Type),
			zap.String("EventID", ev.ID),
		)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Normalizer) stripeSubscription(ctx context.Context, eventType string, sub *stripe.Subscription, prev map[string]interface{}, out *event.SubscriptionEvent) error {
	if len(sub.ID) == 0 {
		return event.Malformed(event.ProviderStripe, "subscription without id", nil)
	}
	out.ProviderSubscriptionRef = sub.ID
	out.UserID = sub.Metadata[StripeMetadataUserID]
	out.NextProductRef = sub.Metadata[StripeMetadataNextPriceID]
	if sub.Customer != nil {
		out.ProviderCustomerRef = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		item := sub.Items.Data[0]
		quantity := item.Quantity
		if quantity == 0 {
			quantity = 1
		}
		out.ProductRef = item.Price.ID
		out.AmountMinorUnits = item.Price.UnitAmount * quantity
		out.Currency = strings.ToLower(string(item.Price.Currency))
	}
	out.PeriodStart = unixPtr(sub.CurrentPeriodStart)
	out.PeriodEnd = unixPtr(sub.CurrentPeriodEnd)
	out.TrialStart = unixPtr(sub.TrialStart)
	out.TrialEnd = unixPtr(sub.TrialEnd)
	if sub.LatestInvoice != nil {
		out.ProviderTransactionRef = sub.LatestInvoice.ID
	}

	switch eventType {
	case "customer.subscription.created":
		switch sub.Status {
		case stripe.SubscriptionStatusTrialing:
			out.Kind = event.KindCreated
		case stripe.SubscriptionStatusActive:
			out.Kind = event.KindCreated
			out.PaymentCleared = true
		case stripe.SubscriptionStatusIncomplete, stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
			out.Kind = event.KindCreated
		}
		if sub.Status != stripe.SubscriptionStatusTrialing {
			out.TrialStart, out.TrialEnd = nil, nil
		}
		return nil
	case "customer.subscription.deleted":
		out.Kind = event.KindCanceled
		return nil
	}

	// customer.subscription.updated
	if sub.CancelAtPeriodEnd {
		out.Kind = event.KindAutoRenewDisabled
		return nil
	}
	if was, ok := prev["cancel_at_period_end"].(bool); ok && was {
		out.Kind = event.KindAutoRenewEnabled
		return nil
	}
	prevStatus, _ := prev["status"].(string)
	_, periodMoved := prev["current_period_end"]

	switch sub.Status {
	case stripe.SubscriptionStatusPastDue:
		out.Kind = event.KindFailed
		out.FailureReason = "past_due"
		return n.stripeSoftenPastDue(ctx, sub, out)
	case stripe.SubscriptionStatusUnpaid:
		out.Kind = event.KindFailed
		out.FailureReason = "unpaid"
		out.PaymentMethodKind = n.stripeMethodKind(ctx, sub.DefaultPaymentMethod)
	case stripe.SubscriptionStatusCanceled:
		out.Kind = event.KindCanceled
	case stripe.SubscriptionStatusIncompleteExpired:
		out.Kind = event.KindExpired
	case stripe.SubscriptionStatusActive:
		switch {
		case prevStatus == string(stripe.SubscriptionStatusPastDue) || prevStatus == string(stripe.SubscriptionStatusUnpaid):
			out.Kind = event.KindRecovered
			out.PaymentCleared = true
		case prevStatus == string(stripe.SubscriptionStatusTrialing) || prevStatus == string(stripe.SubscriptionStatusIncomplete) || periodMoved:
			out.Kind = event.KindRenewed
			out.PaymentCleared = true
		}
	case stripe.SubscriptionStatusTrialing:
		if len(prevStatus) > 0 {
			out.Kind = event.KindTrialStarted
		}
	}

	if out.Kind == event.KindUnknown {
		if _, ok := prev["metadata"]; ok {
			out.Kind = event.KindPlanChangeScheduled
		}
	}
	return nil
}

// stripeSoftenPastDue keeps a past_due subscription active when the failure is most likely settlement latency
// or a retryable decline. It reports the event as Recovered without a cleared payment in that case.
func (n *Normalizer) stripeSoftenPastDue(ctx context.Context, sub *stripe.Subscription, out *event.SubscriptionEvent) error {
	out.PaymentMethodKind = n.stripeMethodKind(ctx, sub.DefaultPaymentMethod)

	if out.PaymentMethodKind == event.PaymentBankDebit && sub.TrialEnd > 0 {
		trialEnd := time.Unix(sub.TrialEnd, 0)
		delta := out.OccurredAt.Sub(trialEnd)
		if delta < 0 {
			delta = -delta
		}
		if delta <= bankDebitWindow {
			out.Kind = event.KindRecovered
			out.FailureReason = ""
			return nil
		}
	}

	inv, err := n.stripeLatestInvoice(ctx, sub.LatestInvoice)
	if err != nil {
		return err
	}
	if inv == nil || inv.PaymentIntent == nil {
		// nothing tells us the failure was soft
		return nil
	}
	lastErr := inv.PaymentIntent.LastPaymentError
	if lastErr == nil || softDecline(lastErr) {
		out.Kind = event.KindRecovered
		out.FailureReason = ""
		return nil
	}
	out.FailureReason = failureReason(lastErr)
	return nil
}

func (n *Normalizer) stripeInvoice(ctx context.Context, eventType string, inv *stripe.Invoice, out *event.SubscriptionEvent) error {
	if inv.Subscription == nil || len(inv.Subscription.ID) == 0 {
		// one-off invoices are not ours
		return nil
	}
	out.ProviderSubscriptionRef = inv.Subscription.ID
	out.ProviderTransactionRef = inv.ID
	out.Currency = strings.ToLower(string(inv.Currency))
	if inv.Customer != nil {
		out.ProviderCustomerRef = inv.Customer.ID
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Price != nil && len(out.ProductRef) == 0 {
				out.ProductRef = line.Price.ID
			}
			if line.Period != nil && out.PeriodStart == nil {
				out.PeriodStart = unixPtr(line.Period.Start)
				out.PeriodEnd = unixPtr(line.Period.End)
			}
			if uid := line.Metadata[StripeMetadataUserID]; len(uid) > 0 {
				out.UserID = uid
			}
		}
	}

	switch eventType {
	case "invoice.payment_failed":
		out.Kind = event.KindFailed
		out.AmountMinorUnits = inv.AmountDue
		out.FailureReason = "payment_failed"
		pi := inv.PaymentIntent
		if pi == nil || pi.PaymentMethod == nil {
			full, err := n.stripeLatestInvoice(ctx, inv)
			if err != nil {
				return err
			}
			if full != nil {
				pi = full.PaymentIntent
			}
		}
		if pi != nil {
			out.PaymentMethodKind = n.stripeMethodKind(ctx, pi.PaymentMethod)
			if pi.LastPaymentError != nil {
				out.FailureReason = failureReason(pi.LastPaymentError)
			}
		}
	default:
		switch inv.BillingReason {
		case stripe.InvoiceBillingReasonSubscriptionCreate:
			if inv.AmountPaid == 0 {
				// the $0 invoice opening a trial; the subscription event carries the signup
				return nil
			}
			out.Kind = event.KindRenewed
			out.PaymentCleared = true
			out.AmountMinorUnits = inv.AmountPaid
		case stripe.InvoiceBillingReasonSubscriptionCycle:
			out.Kind = event.KindRenewed
			out.PaymentCleared = true
			out.AmountMinorUnits = inv.AmountPaid
		}
	}
	return nil
}

func stripeRefund(ch *stripe.Charge, out *event.SubscriptionEvent) {
	if !ch.Refunded || ch.Invoice == nil {
		// partial refunds keep the subscription
		return
	}
	out.Kind = event.KindRefunded
	out.ProviderTransactionRef = ch.Invoice.ID
	if ch.Invoice.Subscription != nil {
		out.ProviderSubscriptionRef = ch.Invoice.Subscription.ID
	}
	if ch.Customer != nil {
		out.ProviderCustomerRef = ch.Customer.ID
	}
	out.AmountMinorUnits = ch.AmountRefunded
	out.Currency = strings.ToLower(string(ch.Currency))
}

func (n *Normalizer) stripeMethodKind(ctx context.Context, pm *stripe.PaymentMethod) event.PaymentMethodKind {
	if pm == nil {
		return event.PaymentUnknown
	}
	if len(pm.Type) == 0 && len(pm.ID) > 0 && n.Options.Stripe != nil {
		full, err := n.Options.Stripe.PaymentMethod(ctx, pm.ID)
		if err != nil {
			n.Logger.Warn("Cannot resolve Stripe payment method",
				zap.String("PaymentMethodID", pm.ID),
				zap.Error(err),
			)
			return event.PaymentUnknown
		}
		pm = full
	}
	switch {
	case len(pm.Type) == 0:
		return event.PaymentUnknown
	case bankDebitTypes[string(pm.Type)]:
		return event.PaymentBankDebit
	case pm.Type == stripe.PaymentMethodTypeCard:
		return event.PaymentCard
	}
	return event.PaymentUnknown
}

// stripeLatestInvoice returns inv with its payment intent, fetching it when the payload only holds an id
func (n *Normalizer) stripeLatestInvoice(ctx context.Context, inv *stripe.Invoice) (*stripe.Invoice, error) {
	if inv == nil || len(inv.ID) == 0 {
		return nil, nil
	}
	if inv.PaymentIntent != nil && len(inv.PaymentIntent.Status) > 0 {
		return inv, nil
	}
	if n.Options.Stripe == nil {
		return nil, nil
	}
	full, err := n.Options.Stripe.Invoice(ctx, inv.ID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot fetch Stripe invoice")
	}
	return full, nil
}

func softDecline(e *stripe.Error) bool {
	return softDeclineCodes[string(e.DeclineCode)] || softDeclineCodes[string(e.Code)]
}

func failureReason(e *stripe.Error) string {
	if len(e.DeclineCode) > 0 {
		return string(e.DeclineCode)
	}
	if len(e.Code) > 0 {
		return string(e.Code)
	}
	return string(e.Type)
}
