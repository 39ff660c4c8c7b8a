package event

import (
	"time"
)

// Provider identifies the payment network an event originated from
type Provider string

// Defining the supported payment networks
const (
	ProviderStripe  Provider = "STRIPE"
	ProviderAndroid Provider = "ANDROID"
	ProviderIOS     Provider = "IOS"
)

// Valid reports whether p is one of the supported providers
func (p Provider) Valid() bool {
	switch p {
	case ProviderStripe, ProviderAndroid, ProviderIOS:
		return true
	}
	return false
}

// Environment separates sandbox purchases from real ones
type Environment string

// Defining the environments a provider may report
const (
	EnvProduction Environment = "production"
	EnvSandbox    Environment = "sandbox"
)

// Kind is the provider-agnostic classification of a notification.
// Normalizers are the only producers of Kind; nothing downstream looks at provider vocabularies.
type Kind string

// Defining the closed set of event kinds
const (
	KindCreated             Kind = "created"
	KindRenewed             Kind = "renewed"
	KindRecovered           Kind = "recovered"
	KindFailed              Kind = "failed"
	KindCanceled            Kind = "canceled"
	KindExpired             Kind = "expired"
	KindRevoked             Kind = "revoked"
	KindRefunded            Kind = "refunded"
	KindAutoRenewDisabled   Kind = "auto_renew_disabled"
	KindAutoRenewEnabled    Kind = "auto_renew_enabled"
	KindTrialStarted        Kind = "trial_started"
	KindPlanChangeScheduled Kind = "plan_change_scheduled"
	KindUnknown             Kind = "unknown"
)

// Terminal reports whether the kind ends a subscription for good
func (k Kind) Terminal() bool {
	switch k {
	case KindCanceled, KindExpired, KindRevoked:
		return true
	}
	return false
}

// Payment reports whether the kind carries a successful payment
func (k Kind) Payment() bool {
	return k == KindRenewed || k == KindRecovered
}

// PaymentMethodKind drives the grace-period policy
type PaymentMethodKind string

// Defining the payment method classes
const (
	PaymentCard      PaymentMethodKind = "card"
	PaymentBankDebit PaymentMethodKind = "bank_debit"
	PaymentUnknown   PaymentMethodKind = "unknown"
)

// SubscriptionEvent is a provider notification flattened into one shape
type SubscriptionEvent struct {
	Provider    Provider    `json:"provider"`
	Environment Environment `json:"environment"`
	Kind        Kind        `json:"kind"`

	UserID                  string `json:"userId,omitempty"`
	ProviderCustomerRef     string `json:"providerCustomerRef,omitempty"`
	ProviderSubscriptionRef string `json:"providerSubscriptionRef"`
	PreviousSubscriptionRef string `json:"previousSubscriptionRef,omitempty"` // Android linkedPurchaseToken
	ProviderTransactionRef  string `json:"providerTransactionRef,omitempty"`  // invoice, order or transaction id of the payment

	ProductRef     string `json:"productRef,omitempty"`
	NextProductRef string `json:"nextProductRef,omitempty"` // product scheduled for the next period, if any

	PeriodStart *time.Time `json:"periodStart,omitempty"`
	PeriodEnd   *time.Time `json:"periodEnd,omitempty"`
	TrialStart  *time.Time `json:"trialStart,omitempty"`
	TrialEnd    *time.Time `json:"trialEnd,omitempty"`

	AmountMinorUnits int64  `json:"amountMinorUnits"`
	Currency         string `json:"currency,omitempty"` // lower-case ISO 4217

	PaymentMethodKind PaymentMethodKind `json:"paymentMethodKind"`
	PaymentCleared    bool              `json:"paymentCleared"` // first payment settled synchronously
	InGracePeriod     bool              `json:"inGracePeriod"`  // provider itself reported a billing grace period
	FailureReason     string            `json:"failureReason,omitempty"`

	OccurredAt time.Time `json:"occurredAt"`
	RawEventID string    `json:"rawEventId"`
}

// HasTrial reports whether the event describes a trial window
func (e *SubscriptionEvent) HasTrial() bool {
	return e.TrialStart != nil && e.TrialEnd != nil
}

// GraceEligible reports whether a payment failure should keep the subscription active
func (e *SubscriptionEvent) GraceEligible() bool {
	return e.InGracePeriod || e.PaymentMethodKind == PaymentBankDebit
}

// PaymentReference is the identifier used to deduplicate payment side effects
func (e *SubscriptionEvent) PaymentReference() string {
	if len(e.ProviderTransactionRef) > 0 {
		return e.ProviderTransactionRef
	}
	return e.RawEventID
}
