package normalize

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/zllovesuki/subledger/event"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// App Store offer type for introductory offers, and the discount type of a free trial
const (
	appleOfferIntroductory = 1
	appleFreeTrial         = "FREE_TRIAL"
)

type appleEnvelope struct {
	SignedPayload string `json:"signedPayload"`
}

type appleNotification struct {
	jwt.RegisteredClaims
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Version          string `json:"version"`
	SignedDate       int64  `json:"signedDate"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
}

type appleTransaction struct {
	jwt.RegisteredClaims
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	OfferType             int    `json:"offerType"`
	OfferDiscountType     string `json:"offerDiscountType"`
	Price                 int64  `json:"price"`
	Currency              string `json:"currency"`
	AppAccountToken       string `json:"appAccountToken"`
	RevocationDate        int64  `json:"revocationDate"`
}

type appleRenewal struct {
	jwt.RegisteredClaims
	AutoRenewProductID     string `json:"autoRenewProductId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate"`
}

var jwsParser = jwt.NewParser()

// decodeJWS reads the claims of an App Store JWS. Signatures are checked before the payload reaches us.
func decodeJWS(signed string, claims jwt.Claims) error {
	_, _, err := jwsParser.ParseUnverified(signed, claims)
	return err
}

func appleEnvironment(s string) event.Environment {
	if strings.EqualFold(s, "Production") {
		return event.EnvProduction
	}
	return event.EnvSandbox
}

// IOS normalizes an App Store Server Notification v2 body
func (n *Normalizer) IOS(ctx context.Context, payload []byte) (*event.SubscriptionEvent, error) {
	var envelope appleEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, event.Malformed(event.ProviderIOS, "invalid JSON", err)
	}
	if len(envelope.SignedPayload) == 0 {
		return nil, event.Malformed(event.ProviderIOS, "missing signedPayload", nil)
	}

	var note appleNotification
	if err := decodeJWS(envelope.SignedPayload, &note); err != nil {
		return nil, event.Malformed(event.ProviderIOS, "invalid signedPayload", err)
	}
	if len(note.NotificationUUID) == 0 {
		return nil, event.Malformed(event.ProviderIOS, "notification without UUID", nil)
	}

	env := appleEnvironment(note.Data.Environment)
	if env != n.Environment {
		n.Logger.Info("Dropping App Store notification for another environment",
			zap.String("Environment", note.Data.Environment),
			zap.String("NotificationUUID", note.NotificationUUID),
		)
		return nil, event.ErrEnvironmentMismatch
	}

	out := &event.SubscriptionEvent{
		Provider:          event.ProviderIOS,
		Environment:       env,
		Kind:              event.KindUnknown,
		OccurredAt:        time.UnixMilli(note.SignedDate).UTC(),
		RawEventID:        note.NotificationUUID,
		PaymentMethodKind: event.PaymentUnknown,
	}

	if len(note.Data.SignedTransactionInfo) == 0 {
		// TEST and summary notifications carry no transaction
		return out, nil
	}
	var txn appleTransaction
	if err := decodeJWS(note.Data.SignedTransactionInfo, &txn); err != nil {
		return nil, event.Malformed(event.ProviderIOS, "invalid signedTransactionInfo", err)
	}
	var renewal appleRenewal
	if len(note.Data.SignedRenewalInfo) > 0 {
		if err := decodeJWS(note.Data.SignedRenewalInfo, &renewal); err != nil {
			return nil, event.Malformed(event.ProviderIOS, "invalid signedRenewalInfo", err)
		}
	}

	out.ProviderSubscriptionRef = txn.OriginalTransactionID
	out.ProviderTransactionRef = txn.TransactionID
	out.ProductRef = txn.ProductID
	out.UserID = txn.AppAccountToken
	out.ProviderCustomerRef = txn.AppAccountToken
	out.PeriodStart = millisPtr(txn.PurchaseDate)
	out.PeriodEnd = millisPtr(txn.ExpiresDate)
	if amount, cur, err := toMinorUnits(txn.Price, scaleMillis, txn.Currency); err == nil {
		out.AmountMinorUnits = amount
		out.Currency = cur
	} else {
		n.Logger.Warn("Cannot convert App Store price",
			zap.String("Currency", txn.Currency),
			zap.Error(err),
		)
	}

	out.Kind = appleKind(note.NotificationType, note.Subtype, &txn, &renewal, out)
	if out.Kind != event.KindUnknown && len(out.ProviderSubscriptionRef) == 0 {
		return nil, event.Malformed(event.ProviderIOS, "transaction without originalTransactionId", nil)
	}
	return out, nil
}

func appleKind(notificationType, subtype string, txn *appleTransaction, renewal *appleRenewal, out *event.SubscriptionEvent) event.Kind {
	switch notificationType {
	case "SUBSCRIBED":
		switch subtype {
		case "INITIAL_BUY":
			if txn.OfferType == appleOfferIntroductory && (txn.OfferDiscountType == appleFreeTrial || txn.Price == 0) {
				out.TrialStart, out.TrialEnd = out.PeriodStart, out.PeriodEnd
			} else {
				out.PaymentCleared = true
			}
			return event.KindCreated
		case "RESUBSCRIBE":
			out.PaymentCleared = true
			return event.KindRecovered
		}
	case "DID_RENEW":
		out.PaymentCleared = true
		if subtype == "BILLING_RECOVERY" {
			return event.KindRecovered
		}
		return event.KindRenewed
	case "DID_FAIL_TO_RENEW":
		out.FailureReason = "billing_retry"
		if subtype == "GRACE_PERIOD" {
			out.InGracePeriod = true
			out.FailureReason = "grace_period"
		}
		return event.KindFailed
	case "GRACE_PERIOD_EXPIRED":
		out.FailureReason = "grace_period_expired"
		return event.KindFailed
	case "EXPIRED":
		return event.KindExpired
	case "REVOKE":
		return event.KindRevoked
	case "REFUND":
		return event.KindRefunded
	case "DID_CHANGE_RENEWAL_STATUS":
		switch subtype {
		case "AUTO_RENEW_DISABLED":
			return event.KindAutoRenewDisabled
		case "AUTO_RENEW_ENABLED":
			return event.KindAutoRenewEnabled
		}
	case "DID_CHANGE_RENEWAL_PREF":
		switch subtype {
		case "UPGRADE":
			// upgrades bill immediately on a new transaction
			out.PaymentCleared = true
			return event.KindRenewed
		case "DOWNGRADE", "":
			out.NextProductRef = renewal.AutoRenewProductID
			return event.KindPlanChangeScheduled
		}
	}
	return event.KindUnknown
}
