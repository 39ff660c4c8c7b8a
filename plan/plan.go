package plan

import (
	"time"

	"github.com/zllovesuki/subledger/event"
)

// Plan describes a purchasable subscription tier and the product that sells it on each provider
type Plan struct {
	ID               string    `json:"id" gorm:"primaryKey" validate:"required"`
	Name             string    `json:"name" validate:"required"`
	Tier             string    `json:"tier" validate:"required"`        // Benefit tier granted while subscribed
	TrialDays        int       `json:"trialDays" validate:"gte=0"`      // Length of the free trial, 0 if none
	StripePriceID    string    `json:"stripePriceId"`                   // Stripe Price ID
	AndroidProductID string    `json:"androidProductId"`                // Google Play subscription product ID
	IOSProductID     string    `json:"iosProductId"`                    // App Store product ID
	Retired          bool      `json:"retired"`                         // No longer sold, still honored for existing subscribers
	UpdatedAt        time.Time `json:"-"`
}

// ProductRef returns the product identifier the plan is sold under on provider p
func (p *Plan) ProductRef(provider event.Provider) string {
	switch provider {
	case event.ProviderStripe:
		return p.StripePriceID
	case event.ProviderAndroid:
		return p.AndroidProductID
	case event.ProviderIOS:
		return p.IOSProductID
	}
	return ""
}

// TrialDuration is the trial length as a duration
func (p *Plan) TrialDuration() time.Duration {
	return time.Duration(p.TrialDays) * 24 * time.Hour
}
