package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/zllovesuki/subledger/event"
	"github.com/zllovesuki/subledger/notify"
	"github.com/zllovesuki/subledger/subscription"
	"github.com/zllovesuki/subledger/transaction"

	"github.com/stretchr/testify/require"
)

func kindEvent(kind event.Kind, method event.PaymentMethodKind) *event.SubscriptionEvent {
	return &event.SubscriptionEvent{
		Kind:              kind,
		PaymentMethodKind: method,
		PaymentCleared:    kind.Payment(),
	}
}

func TestDecideTable(t *testing.T) {
	cases := []struct {
		from      subscription.Status
		kind      event.Kind
		method    event.PaymentMethodKind
		queued    bool
		to        subscription.Status
		record    transaction.Status
		notify    notify.Type
		trialUsed bool
	}{
		{subscription.StatusTrialing, event.KindRenewed, event.PaymentCard, false, subscription.StatusActive, transaction.StatusSucceeded, notify.TypeStarted, true},
		{subscription.StatusTrialing, event.KindFailed, event.PaymentCard, false, subscription.StatusPastDue, "", notify.TypeFailed, false},
		{subscription.StatusIncomplete, event.KindRecovered, event.PaymentCard, false, subscription.StatusActive, transaction.StatusSucceeded, notify.TypeStarted, false},
		{subscription.StatusActive, event.KindRenewed, event.PaymentCard, false, subscription.StatusActive, transaction.StatusSucceeded, notify.TypeRenewed, false},
		{subscription.StatusPastDue, event.KindRecovered, event.PaymentCard, false, subscription.StatusActive, transaction.StatusSucceeded, notify.TypeRenewed, false},
		{subscription.StatusCanceling, event.KindRenewed, event.PaymentCard, false, subscription.StatusActive, transaction.StatusSucceeded, notify.TypeRenewed, false},
		{subscription.StatusActive, event.KindFailed, event.PaymentCard, false, subscription.StatusPastDue, transaction.StatusFailed, notify.TypeFailed, false},
		{subscription.StatusActive, event.KindFailed, event.PaymentBankDebit, false, subscription.StatusActive, transaction.StatusPending, "", false},
		{subscription.StatusPastDue, event.KindFailed, event.PaymentCard, false, subscription.StatusPastDue, "", "", false},
		{subscription.StatusActive, event.KindAutoRenewDisabled, event.PaymentUnknown, false, subscription.StatusCanceling, "", notify.TypeCancelled, false},
		{subscription.StatusActive, event.KindAutoRenewDisabled, event.PaymentUnknown, true, subscription.StatusCanceling, "", "", false},
		{subscription.StatusCanceling, event.KindAutoRenewDisabled, event.PaymentUnknown, false, subscription.StatusCanceling, "", "", false},
		{subscription.StatusCanceling, event.KindAutoRenewEnabled, event.PaymentUnknown, false, subscription.StatusActive, "", "", false},
		{subscription.StatusPastDue, event.KindExpired, event.PaymentUnknown, false, subscription.StatusCanceled, "", "", true},
		{subscription.StatusTrialing, event.KindRevoked, event.PaymentUnknown, false, subscription.StatusCanceled, "", "", true},
		{subscription.StatusPastDue, event.KindRefunded, event.PaymentUnknown, false, subscription.StatusCanceled, "", "", false},
		{subscription.StatusTrialing, event.KindRefunded, event.PaymentUnknown, false, subscription.StatusTrialing, "", "", false},
	}

	for _, c := range cases {
		name := fmt.Sprintf("%s/%s/%s/queued=%v", c.from, c.kind, c.method, c.queued)
		d := decide(c.from, kindEvent(c.kind, c.method), false, c.queued)
		require.Equal(t, c.to, d.to, name)
		require.Equal(t, c.record, d.record, name)
		require.Equal(t, c.notify, d.notify, name)
		require.Equal(t, c.trialUsed, d.trialUsed, name)
		require.Equal(t, c.to == subscription.StatusCanceled, d.terminate, name)
	}
}

func TestDecideTerminalEndsAccess(t *testing.T) {
	for _, kind := range []event.Kind{event.KindCanceled, event.KindExpired, event.KindRevoked} {
		d := decide(subscription.StatusActive, kindEvent(kind, event.PaymentUnknown), false, false)
		require.True(t, d.endAccess, kind)
	}
	d := decide(subscription.StatusActive, kindEvent(event.KindRefunded, event.PaymentUnknown), false, false)
	require.False(t, d.endAccess)
	require.True(t, d.refund)
}

func TestInitialState(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 14)

	withTrial := &event.SubscriptionEvent{Kind: event.KindCreated, TrialStart: &start, TrialEnd: &end}
	require.Equal(t, subscription.StatusTrialing, initial(withTrial).to)

	paidNow := &event.SubscriptionEvent{Kind: event.KindCreated, PaymentCleared: true}
	d := initial(paidNow)
	require.Equal(t, subscription.StatusActive, d.to)
	require.Equal(t, transaction.StatusSucceeded, d.record)
	require.Equal(t, notify.TypeStarted, d.notify)

	unpaid := &event.SubscriptionEvent{Kind: event.KindCreated}
	require.Equal(t, subscription.StatusIncomplete, initial(unpaid).to)

	renewed := &event.SubscriptionEvent{Kind: event.KindRenewed}
	d = initial(renewed)
	require.Equal(t, subscription.StatusActive, d.to)
	require.Equal(t, transaction.StatusPending, d.record)
}

func TestDecideKeepsTrialOnReenable(t *testing.T) {
	d := decide(subscription.StatusCanceling, kindEvent(event.KindAutoRenewEnabled, event.PaymentUnknown), true, false)
	require.Equal(t, subscription.StatusTrialing, d.to)
}

func TestDecideUnclearedRenewalStaysQuiet(t *testing.T) {
	for _, from := range []subscription.Status{subscription.StatusActive, subscription.StatusPastDue, subscription.StatusCanceling} {
		ev := &event.SubscriptionEvent{Kind: event.KindRecovered, PaymentMethodKind: event.PaymentCard}
		d := decide(from, ev, false, false)
		require.Equal(t, subscription.StatusActive, d.to, string(from))
		require.Equal(t, transaction.StatusPending, d.record, string(from))
		require.Empty(t, d.notify, string(from))
	}
}
