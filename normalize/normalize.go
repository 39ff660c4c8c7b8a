// Package normalize turns verified provider webhooks into event.SubscriptionEvent values
package normalize

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/subledger/event"

	"go.uber.org/zap"
)

// Options configures a Normalizer. The enrichers are optional; without them events carry only what the payload holds.
type Options struct {
	Logger *zap.Logger
	// Environment the deployment serves. App Store notifications for another environment are dropped.
	Environment event.Environment
	// AndroidPackageName rejects notifications for other apps when set
	AndroidPackageName string

	Stripe  StripeEnricher
	Android PurchaseFetcher
}

// Normalizer holds the per-provider adapters
type Normalizer struct {
	Options
}

// New returns a Normalizer
func New(option Options) (*Normalizer, error) {
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Environment == "" {
		option.Environment = event.EnvProduction
	}
	return &Normalizer{
		Options: option,
	}, nil
}

// Normalize dispatches payload to the adapter for provider
func (n *Normalizer) Normalize(ctx context.Context, provider event.Provider, payload []byte) (*event.SubscriptionEvent, error) {
	switch provider {
	case event.ProviderStripe:
		return n.Stripe(ctx, payload)
	case event.ProviderAndroid:
		return n.Android(ctx, payload)
	case event.ProviderIOS:
		return n.IOS(ctx, payload)
	}
	return nil, event.Malformed(provider, "unsupported provider", nil)
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func millisPtr(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
