package external

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/subledger/normalize"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

// Android reads subscription purchases from the Google Play Developer API
type Android struct {
	logger *zap.Logger
	svc    *androidpublisher.Service
}

// NewAndroid returns a Play Developer API client. Pass option.WithCredentialsFile in production.
func NewAndroid(ctx context.Context, logger *zap.Logger, opts ...option.ClientOption) (*Android, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	svc, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize androidpublisher.Service")
	}
	return &Android{
		logger: logger,
		svc:    svc,
	}, nil
}

// SubscriptionPurchase fetches the purchase behind a purchase token
func (a *Android) SubscriptionPurchase(ctx context.Context, packageName, productID, purchaseToken string) (*normalize.AndroidPurchase, error) {
	p, err := a.svc.Purchases.Subscriptions.Get(packageName, productID, purchaseToken).Context(ctx).Do()
	if err != nil {
		a.logger.Error("Play Developer API returned error",
			zap.String("PackageName", packageName),
			zap.String("ProductID", productID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot get subscription purchase")
	}
	return &normalize.AndroidPurchase{
		UserID:              p.ObfuscatedExternalAccountId,
		OrderID:             p.OrderId,
		LinkedPurchaseToken: p.LinkedPurchaseToken,
		StartTime:           millis(p.StartTimeMillis),
		ExpiryTime:          millis(p.ExpiryTimeMillis),
		PriceAmountMicros:   p.PriceAmountMicros,
		PriceCurrencyCode:   p.PriceCurrencyCode,
		PaymentState:        p.PaymentState,
		PurchaseType:        p.PurchaseType,
		AutoRenewing:        p.AutoRenewing,
	}, nil
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
