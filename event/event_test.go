package event

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindClasses(t *testing.T) {
	for _, k := range []Kind{KindCanceled, KindExpired, KindRevoked} {
		require.True(t, k.Terminal(), k)
	}
	for _, k := range []Kind{KindCreated, KindRefunded, KindAutoRenewDisabled, KindFailed} {
		require.False(t, k.Terminal(), k)
	}
	require.True(t, KindRenewed.Payment())
	require.True(t, KindRecovered.Payment())
	require.False(t, KindCreated.Payment())
}

func TestGraceEligible(t *testing.T) {
	ev := &SubscriptionEvent{PaymentMethodKind: PaymentCard}
	require.False(t, ev.GraceEligible())

	ev.PaymentMethodKind = PaymentBankDebit
	require.True(t, ev.GraceEligible())

	ev.PaymentMethodKind = PaymentUnknown
	ev.InGracePeriod = true
	require.True(t, ev.GraceEligible())
}

func TestPaymentReference(t *testing.T) {
	ev := &SubscriptionEvent{RawEventID: "evt_1"}
	require.Equal(t, "evt_1", ev.PaymentReference())
	ev.ProviderTransactionRef = "in_1"
	require.Equal(t, "in_1", ev.PaymentReference())
}

func TestHasTrial(t *testing.T) {
	now := time.Now()
	ev := &SubscriptionEvent{TrialStart: &now}
	require.False(t, ev.HasTrial())
	ev.TrialEnd = &now
	require.True(t, ev.HasTrial())
}

func TestNormalizationErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Malformed(ProviderIOS, "bad jws", cause)

	var nErr *NormalizationError
	require.True(t, errors.As(err, &nErr))
	require.Equal(t, ProviderIOS, nErr.Provider)
	require.True(t, errors.Is(err, cause))
	require.Contains(t, err.Error(), "bad jws")
}
