package normalize

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zllovesuki/subledger/event"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePlay struct {
	purchases map[string]*AndroidPurchase
	calls     int
}

func (f *fakePlay) SubscriptionPurchase(ctx context.Context, packageName, productID, token string) (*AndroidPurchase, error) {
	f.calls++
	if p, ok := f.purchases[token]; ok {
		return p, nil
	}
	return nil, errors.New("purchase not found")
}

const testPackage = "com.example.app"

var playEventTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func int64Ptr(v int64) *int64 {
	return &v
}

func rtdn(t *testing.T, notificationType int, token string) []byte {
	body, err := json.Marshal(map[string]interface{}{
		"version":         "1.0",
		"packageName":     testPackage,
		"eventTimeMillis": fmt.Sprintf("%d", playEventTime.UnixMilli()),
		"subscriptionNotification": map[string]interface{}{
			"version":          "1.0",
			"notificationType": notificationType,
			"purchaseToken":    token,
			"subscriptionId":   "basic_monthly",
		},
	})
	require.NoError(t, err)
	return body
}

func pubsub(t *testing.T, inner []byte, messageID string) []byte {
	body, err := json.Marshal(map[string]interface{}{
		"message": map[string]interface{}{
			"data":        base64.StdEncoding.EncodeToString(inner),
			"messageId":   messageID,
			"publishTime": playEventTime.Format(time.RFC3339),
		},
		"subscription": "projects/example/subscriptions/play-rtdn",
	})
	require.NoError(t, err)
	return body
}

func newAndroidNormalizer(t *testing.T, fetcher PurchaseFetcher) *Normalizer {
	n, err := New(Options{
		Logger:             zaptest.NewLogger(t),
		AndroidPackageName: testPackage,
		Android:            fetcher,
	})
	require.NoError(t, err)
	return n
}

func TestAndroidKindTable(t *testing.T) {
	n := newAndroidNormalizer(t, nil)
	ctx := context.Background()

	cases := map[int]event.Kind{
		1:  event.KindRecovered,
		2:  event.KindRenewed,
		3:  event.KindAutoRenewDisabled,
		4:  event.KindCreated,
		5:  event.KindFailed,
		6:  event.KindFailed,
		7:  event.KindAutoRenewEnabled,
		8:  event.KindUnknown,
		9:  event.KindUnknown,
		10: event.KindUnknown,
		11: event.KindUnknown,
		12: event.KindRevoked,
		13: event.KindExpired,
		20: event.KindUnknown,
		22: event.KindUnknown,
	}
	for typ, kind := range cases {
		ev, err := n.Android(ctx, rtdn(t, typ, "token-1"))
		require.NoError(t, err)
		require.Equal(t, kind, ev.Kind, "type %d", typ)
		require.Equal(t, "token-1", ev.ProviderSubscriptionRef)
		require.Equal(t, "basic_monthly", ev.ProductRef)
		require.True(t, ev.OccurredAt.Equal(playEventTime))
	}
}

func TestAndroidGracePolicy(t *testing.T) {
	n := newAndroidNormalizer(t, nil)
	ctx := context.Background()

	grace, err := n.Android(ctx, rtdn(t, 6, "token-1"))
	require.NoError(t, err)
	require.True(t, grace.GraceEligible())

	hold, err := n.Android(ctx, rtdn(t, 5, "token-1"))
	require.NoError(t, err)
	require.False(t, hold.GraceEligible())
	require.Equal(t, "account_hold", hold.FailureReason)
}

func TestAndroidPubSubEnvelopeAndEnrichment(t *testing.T) {
	play := &fakePlay{
		purchases: map[string]*AndroidPurchase{
			"token-2": {
				UserID:              "user-1",
				OrderID:             "GPA.1234-5678..0",
				LinkedPurchaseToken: "token-1",
				StartTime:           playEventTime.Add(-time.Minute),
				ExpiryTime:          playEventTime.AddDate(0, 1, 0),
				PriceAmountMicros:   4_990_000,
				PriceCurrencyCode:   "USD",
				PaymentState:        int64Ptr(1),
			},
			"token-3": {
				UserID:       "user-2",
				StartTime:    playEventTime,
				ExpiryTime:   playEventTime.AddDate(0, 0, 7),
				PaymentState: int64Ptr(2),
				PurchaseType: int64Ptr(0),
			},
		},
	}
	n := newAndroidNormalizer(t, play)
	ctx := context.Background()

	ev, err := n.Android(ctx, pubsub(t, rtdn(t, 4, "token-2"), "msg-1"))
	require.NoError(t, err)
	require.Equal(t, event.KindCreated, ev.Kind)
	require.Equal(t, "msg-1", ev.RawEventID)
	require.Equal(t, "user-1", ev.UserID)
	require.Equal(t, "token-1", ev.PreviousSubscriptionRef)
	require.Equal(t, "GPA.1234-5678..0", ev.ProviderTransactionRef)
	require.EqualValues(t, 499, ev.AmountMinorUnits)
	require.Equal(t, "usd", ev.Currency)
	require.True(t, ev.PaymentCleared)
	require.False(t, ev.HasTrial())
	require.True(t, ev.PeriodEnd.Equal(playEventTime.AddDate(0, 1, 0)))

	ev, err = n.Android(ctx, rtdn(t, 4, "token-3"))
	require.NoError(t, err)
	require.True(t, ev.HasTrial())
	require.False(t, ev.PaymentCleared)
	require.Equal(t, event.EnvSandbox, ev.Environment)
	require.NotEmpty(t, ev.RawEventID)

	// lookups only happen for kinds that mutate state
	calls := play.calls
	_, err = n.Android(ctx, rtdn(t, 20, "token-2"))
	require.NoError(t, err)
	require.Equal(t, calls, play.calls)

	_, err = n.Android(ctx, rtdn(t, 2, "token-missing"))
	require.Error(t, err)
	var nErr *event.NormalizationError
	require.False(t, errors.As(err, &nErr))
}

func TestAndroidVoidedPurchase(t *testing.T) {
	n := newAndroidNormalizer(t, nil)
	body, err := json.Marshal(map[string]interface{}{
		"version":         "1.0",
		"packageName":     testPackage,
		"eventTimeMillis": fmt.Sprintf("%d", playEventTime.UnixMilli()),
		"voidedPurchaseNotification": map[string]interface{}{
			"purchaseToken": "token-1",
			"orderId":       "GPA.1111",
			"productType":   1,
		},
	})
	require.NoError(t, err)

	ev, err := n.Android(context.Background(), body)
	require.NoError(t, err)
	require.Equal(t, event.KindRefunded, ev.Kind)
	require.Equal(t, "GPA.1111", ev.ProviderTransactionRef)
	require.Equal(t, "token-1", ev.ProviderSubscriptionRef)
}

func TestAndroidTestAndMalformedNotifications(t *testing.T) {
	n := newAndroidNormalizer(t, nil)
	ctx := context.Background()

	body, err := json.Marshal(map[string]interface{}{
		"version":          "1.0",
		"packageName":      testPackage,
		"eventTimeMillis":  "1714550400000",
		"testNotification": map[string]interface{}{"version": "1.0"},
	})
	require.NoError(t, err)
	ev, err := n.Android(ctx, body)
	require.NoError(t, err)
	require.Equal(t, event.KindUnknown, ev.Kind)

	var nErr *event.NormalizationError

	_, err = n.Android(ctx, []byte(`{"message": {"data": "%%%"}}`))
	require.True(t, errors.As(err, &nErr))

	_, err = n.Android(ctx, []byte(`[]`))
	require.True(t, errors.As(err, &nErr))

	other, err := json.Marshal(map[string]interface{}{
		"packageName":     "com.other.app",
		"eventTimeMillis": "1714550400000",
	})
	require.NoError(t, err)
	_, err = n.Android(ctx, other)
	require.True(t, errors.As(err, &nErr))
}
