package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const dedupPrefix = "notified:"

// Options configures a Dispatcher
type Options struct {
	Publisher Publisher
	Redis     redis.UniversalClient
	Logger    *zap.Logger
	// how long a (user, type, reference) triple is remembered
	DedupTTL time.Duration
}

// Dispatcher fires user notifications at most once per (user, type, reference)
type Dispatcher struct {
	Options
}

// NewDispatcher returns a Dispatcher
func NewDispatcher(option Options) (*Dispatcher, error) {
	if option.Publisher == nil {
		return nil, fmt.Errorf("nil Publisher is invalid")
	}
	if option.Redis == nil {
		return nil, fmt.Errorf("nil redisClient is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.DedupTTL == 0 {
		option.DedupTTL = time.Hour * 24 * 7
	}
	return &Dispatcher{
		Options: option,
	}, nil
}

func dedupKey(userID string, t Type, referenceID string) string {
	return dedupPrefix + string(t) + ":" + userID + ":" + referenceID
}

// Notify publishes the notification unless the same triple was already sent.
// A failed publish releases the claim, so a later call for the same triple publishes again.
func (d *Dispatcher) Notify(ctx context.Context, userID string, t Type, referenceID string) error {
	key := dedupKey(userID, t, referenceID)
	logger := d.Logger.With(
		zap.String("UserID", userID),
		zap.String("Type", string(t)),
		zap.String("ReferenceID", referenceID),
	)

	fresh, err := d.Redis.SetNX(key, time.Now().Unix(), d.DedupTTL).Result()
	if err != nil {
		return extErrors.Wrap(err, "Cannot claim notification")
	}
	if !fresh {
		logger.Debug("Notification already dispatched")
		return nil
	}

	if err := d.Publisher.Publish(ctx, &Notification{
		UserID:      userID,
		Type:        t,
		ReferenceID: referenceID,
		CreatedAt:   time.Now(),
	}); err != nil {
		if delErr := d.Redis.Del(key).Err(); delErr != nil {
			logger.Error("Cannot release notification claim",
				zap.Error(delErr),
			)
		}
		return err
	}

	logger.Info("Notification dispatched")
	return nil
}
