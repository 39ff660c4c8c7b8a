package reconcile

import (
	"github.com/zllovesuki/subledger/event"
	"github.com/zllovesuki/subledger/notify"
	"github.com/zllovesuki/subledger/subscription"
	"github.com/zllovesuki/subledger/transaction"
)

// decision is what one event does to one subscription row, before any of it is persisted
type decision struct {
	to        subscription.Status
	record    transaction.Status // empty when no payment attempt is recorded
	notify    notify.Type        // empty when nobody is notified
	trialUsed bool
	terminate bool
	endAccess bool // invalidate sessions after commit
	refund    bool
	changed   bool // the event carries information for the row even if the status holds
}

// creates reports whether kind may open a subscription when the user has none
func creates(kind event.Kind) bool {
	switch kind {
	case event.KindCreated, event.KindTrialStarted, event.KindRenewed, event.KindRecovered:
		return true
	}
	return false
}

func paymentStatus(ev *event.SubscriptionEvent) transaction.Status {
	if ev.PaymentCleared {
		return transaction.StatusSucceeded
	}
	return transaction.StatusPending
}

// initial decides the first state of a new row
func initial(ev *event.SubscriptionEvent) decision {
	d := decision{
		changed: true,
	}
	switch ev.Kind {
	case event.KindCreated, event.KindTrialStarted:
		switch {
		case ev.HasTrial() && !ev.PaymentCleared:
			d.to = subscription.StatusTrialing
		case ev.PaymentCleared:
			d.to = subscription.StatusActive
			d.record = transaction.StatusSucceeded
			d.notify = notify.TypeStarted
		default:
			d.to = subscription.StatusIncomplete
		}
	case event.KindRenewed, event.KindRecovered:
		d.to = subscription.StatusActive
		d.record = paymentStatus(ev)
		d.notify = notify.TypeStarted
	}
	return d
}

// decide applies the transition table to an open row. inTrial reports whether the row is still inside its trial window.
func decide(from subscription.Status, ev *event.SubscriptionEvent, inTrial, planQueued bool) decision {
	d := decision{
		to:      from,
		changed: true,
	}
	switch ev.Kind {
	case event.KindCreated, event.KindTrialStarted:
		if from != subscription.StatusTrialing && from != subscription.StatusIncomplete {
			// the row is already past its first payment
			return d
		}
		switch {
		case ev.HasTrial() && !ev.PaymentCleared:
			d.to = subscription.StatusTrialing
		case ev.PaymentCleared:
			d.to = subscription.StatusActive
			d.record = transaction.StatusSucceeded
			d.notify = notify.TypeStarted
			d.trialUsed = from == subscription.StatusTrialing
		}

	case event.KindRenewed, event.KindRecovered:
		d.to = subscription.StatusActive
		d.record = paymentStatus(ev)
		switch from {
		case subscription.StatusTrialing:
			d.trialUsed = true
			d.notify = notify.TypeStarted
		case subscription.StatusIncomplete:
			d.notify = notify.TypeStarted
		default:
			// an uncleared payment stays pending until the provider confirms it
			if ev.PaymentCleared {
				d.notify = notify.TypeRenewed
			}
		}

	case event.KindFailed:
		switch from {
		case subscription.StatusTrialing:
			d.to = subscription.StatusPastDue
			d.notify = notify.TypeFailed
		case subscription.StatusActive, subscription.StatusCanceling:
			if ev.GraceEligible() {
				d.record = transaction.StatusPending
				break
			}
			d.to = subscription.StatusPastDue
			d.record = transaction.StatusFailed
			d.notify = notify.TypeFailed
		case subscription.StatusIncomplete:
			d.record = transaction.StatusFailed
		case subscription.StatusPastDue:
			d.changed = false
		}

	case event.KindAutoRenewDisabled:
		d.to = subscription.StatusCanceling
		if from != subscription.StatusCanceling && !planQueued {
			d.notify = notify.TypeCancelled
		}

	case event.KindAutoRenewEnabled:
		d.to = subscription.StatusActive
		if inTrial {
			d.to = subscription.StatusTrialing
		}

	case event.KindCanceled, event.KindExpired, event.KindRevoked:
		d.to = subscription.StatusCanceled
		d.terminate = true
		d.trialUsed = true
		d.endAccess = true

	case event.KindRefunded:
		d.refund = true
		switch from {
		case subscription.StatusActive, subscription.StatusPastDue, subscription.StatusCanceling:
			d.to = subscription.StatusCanceled
			d.terminate = true
		default:
			d.changed = false
		}

	case event.KindPlanChangeScheduled:
		// the engine resolves the queued plan

	default:
		d.changed = false
	}
	return d
}
