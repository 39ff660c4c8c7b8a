package normalize

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zllovesuki/subledger/event"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Google Play subscription notification types
const (
	androidRecovered        = 1
	androidRenewed          = 2
	androidCanceled         = 3
	androidPurchased        = 4
	androidOnHold           = 5
	androidInGracePeriod    = 6
	androidRestarted        = 7
	androidRevoked          = 12
	androidExpired          = 13
	androidProductTypeSub   = 1
	androidPaymentReceived  = 1
	androidPaymentFreeTrial = 2
	androidPurchaseTypeTest = 0
)

// AndroidPurchase is the part of a Play subscription purchase the normalizer needs
type AndroidPurchase struct {
	UserID              string // obfuscatedExternalAccountId set by the app at checkout
	OrderID             string
	LinkedPurchaseToken string
	StartTime           time.Time
	ExpiryTime          time.Time
	PriceAmountMicros   int64
	PriceCurrencyCode   string
	PaymentState        *int64
	PurchaseType        *int64
	AutoRenewing        bool
}

// PurchaseFetcher looks up a subscription purchase on the Play Developer API
type PurchaseFetcher interface {
	SubscriptionPurchase(ctx context.Context, packageName, productID, purchaseToken string) (*AndroidPurchase, error)
}

type pubsubPush struct {
	Message *struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type developerNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	VoidedPurchaseNotification *struct {
		PurchaseToken string `json:"purchaseToken"`
		OrderID       string `json:"orderId"`
		ProductType   int    `json:"productType"`
	} `json:"voidedPurchaseNotification"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// Android normalizes a Real-Time Developer Notification, either Pub/Sub wrapped or bare
func (n *Normalizer) Android(ctx context.Context, payload []byte) (*event.SubscriptionEvent, error) {
	var push pubsubPush
	if err := json.Unmarshal(payload, &push); err != nil {
		return nil, event.Malformed(event.ProviderAndroid, "invalid JSON", err)
	}

	body := payload
	var messageID string
	if push.Message != nil {
		decoded, err := base64.StdEncoding.DecodeString(push.Message.Data)
		if err != nil {
			return nil, event.Malformed(event.ProviderAndroid, "invalid base64 message data", err)
		}
		body = decoded
		messageID = push.Message.MessageID
	}

	var dn developerNotification
	if err := json.Unmarshal(body, &dn); err != nil {
		return nil, event.Malformed(event.ProviderAndroid, "invalid developer notification", err)
	}
	if len(n.AndroidPackageName) > 0 && dn.PackageName != n.AndroidPackageName {
		return nil, event.Malformed(event.ProviderAndroid, fmt.Sprintf("unexpected package %q", dn.PackageName), nil)
	}

	eventMillis, err := strconv.ParseInt(dn.EventTimeMillis, 10, 64)
	if err != nil {
		return nil, event.Malformed(event.ProviderAndroid, "invalid eventTimeMillis", err)
	}

	out := &event.SubscriptionEvent{
		Provider:          event.ProviderAndroid,
		Environment:       event.EnvProduction,
		Kind:              event.KindUnknown,
		OccurredAt:        time.UnixMilli(eventMillis).UTC(),
		RawEventID:        messageID,
		PaymentMethodKind: event.PaymentUnknown,
	}

	switch {
	case dn.SubscriptionNotification != nil:
		sn := dn.SubscriptionNotification
		if len(sn.PurchaseToken) == 0 {
			return nil, event.Malformed(event.ProviderAndroid, "notification without purchase token", nil)
		}
		out.ProviderSubscriptionRef = sn.PurchaseToken
		out.ProductRef = sn.SubscriptionID
		if len(out.RawEventID) == 0 {
			out.RawEventID = fmt.Sprintf("%s:%d:%s", sn.PurchaseToken, sn.NotificationType, dn.EventTimeMillis)
		}
		out.Kind = androidKind(sn.NotificationType, out)
		if out.Kind == event.KindUnknown {
			return out, nil
		}
		if err := n.androidEnrich(ctx, dn.PackageName, sn.SubscriptionID, sn.PurchaseToken, sn.NotificationType, out); err != nil {
			return nil, err
		}
	case dn.VoidedPurchaseNotification != nil:
		vn := dn.VoidedPurchaseNotification
		if vn.ProductType != androidProductTypeSub {
			return out, nil
		}
		out.Kind = event.KindRefunded
		out.ProviderSubscriptionRef = vn.PurchaseToken
		out.ProviderTransactionRef = vn.OrderID
		if len(out.RawEventID) == 0 {
			out.RawEventID = fmt.Sprintf("voided:%s:%s", vn.OrderID, dn.EventTimeMillis)
		}
	default:
		// test and one-time product notifications
		if len(out.RawEventID) == 0 {
			out.RawEventID = fmt.Sprintf("%s:%s", dn.PackageName, dn.EventTimeMillis)
		}
	}
	return out, nil
}

func androidKind(notificationType int, out *event.SubscriptionEvent) event.Kind {
	switch notificationType {
	case androidRecovered:
		out.PaymentCleared = true
		return event.KindRecovered
	case androidRenewed:
		out.PaymentCleared = true
		return event.KindRenewed
	case androidCanceled:
		return event.KindAutoRenewDisabled
	case androidPurchased:
		return event.KindCreated
	case androidOnHold:
		// account hold: Play has stopped access, this is not a grace period
		out.FailureReason = "account_hold"
		return event.KindFailed
	case androidInGracePeriod:
		out.InGracePeriod = true
		out.FailureReason = "grace_period"
		return event.KindFailed
	case androidRestarted:
		return event.KindAutoRenewEnabled
	case androidRevoked:
		return event.KindRevoked
	case androidExpired:
		return event.KindExpired
	}
	return event.KindUnknown
}

func (n *Normalizer) androidEnrich(ctx context.Context, packageName, productID, token string, notificationType int, out *event.SubscriptionEvent) error {
	if n.Options.Android == nil {
		if notificationType == androidPurchased {
			// without the purchase we cannot tell a trial from a paid start
			out.PaymentCleared = false
		}
		return nil
	}
	p, err := n.Options.Android.SubscriptionPurchase(ctx, packageName, productID, token)
	if err != nil {
		n.Logger.Error("Cannot fetch Play subscription purchase",
			zap.String("ProductID", productID),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot fetch Play subscription purchase")
	}
	out.UserID = p.UserID
	out.ProviderCustomerRef = p.UserID
	out.PreviousSubscriptionRef = p.LinkedPurchaseToken
	out.ProviderTransactionRef = p.OrderID
	if p.PurchaseType != nil && *p.PurchaseType == androidPurchaseTypeTest {
		out.Environment = event.EnvSandbox
	}

	amount, cur, err := toMinorUnits(p.PriceAmountMicros, scaleMicros, p.PriceCurrencyCode)
	if err != nil {
		n.Logger.Warn("Cannot convert Play price",
			zap.String("Currency", p.PriceCurrencyCode),
			zap.Error(err),
		)
	} else {
		out.AmountMinorUnits = amount
		out.Currency = cur
	}

	if !p.ExpiryTime.IsZero() {
		start := out.OccurredAt
		if notificationType == androidPurchased && !p.StartTime.IsZero() {
			start = p.StartTime
		}
		end := p.ExpiryTime
		out.PeriodStart, out.PeriodEnd = &start, &end
	}

	if notificationType == androidPurchased && p.PaymentState != nil {
		switch *p.PaymentState {
		case androidPaymentFreeTrial:
			out.TrialStart, out.TrialEnd = out.PeriodStart, out.PeriodEnd
		case androidPaymentReceived:
			out.PaymentCleared = true
		}
	}
	return nil
}
