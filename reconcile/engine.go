// Package reconcile folds normalized provider events into the subscription ledger
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/subledger/db"
	"github.com/zllovesuki/subledger/event"
	"github.com/zllovesuki/subledger/lock"
	"github.com/zllovesuki/subledger/metrics"
	"github.com/zllovesuki/subledger/notify"
	"github.com/zllovesuki/subledger/subscription"
	"github.com/zllovesuki/subledger/transaction"

	"go.uber.org/zap"
)

const (
	defaultLockTTL      = 30 * time.Second
	defaultLockAttempts = 40
	defaultLockBackoff  = 50 * time.Millisecond
	defaultTxAttempts   = 3
	defaultOrphanWindow = time.Hour
)

// Options configures an Engine
type Options struct {
	Ledger     *subscription.Manager
	Recorder   *transaction.Manager
	Catalog    Catalog
	Dispatcher Dispatcher
	Users      UserFlags
	Locker     lock.Locker
	Logger     *zap.Logger
	// Optional
	Provisioners map[event.Provider]Provisioner
	Metrics      *metrics.Collector
	Clock        func() time.Time

	LockTTL      time.Duration
	LockAttempts int
	LockBackoff  time.Duration
	// TxAttempts bounds retries of a transaction that failed serialization
	TxAttempts int
	// OrphanWindow is how long an event for an unknown subscription is left to the provider to redeliver
	OrphanWindow time.Duration
}

// Engine is the reconciliation state machine
type Engine struct {
	Options
}

// Outcome describes what an applied event did
type Outcome struct {
	Kind         event.Kind
	Subscription *subscription.Subscription // row the event was applied to, nil for refunds of closed rows
	From         subscription.Status        // empty when the row was created by this event
	To           subscription.Status
	Transaction  *transaction.Record
	Successor    *subscription.Subscription
	Notified     []notify.Type
}

// New returns an Engine
func New(option Options) (*Engine, error) {
	if option.Ledger == nil {
		return nil, fmt.Errorf("nil Ledger is invalid")
	}
	if option.Recorder == nil {
		return nil, fmt.Errorf("nil Recorder is invalid")
	}
	if option.Catalog == nil {
		return nil, fmt.Errorf("nil Catalog is invalid")
	}
	if option.Dispatcher == nil {
		return nil, fmt.Errorf("nil Dispatcher is invalid")
	}
	if option.Users == nil {
		return nil, fmt.Errorf("nil Users is invalid")
	}
	if option.Locker == nil {
		return nil, fmt.Errorf("nil Locker is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	if option.LockTTL == 0 {
		option.LockTTL = defaultLockTTL
	}
	if option.LockAttempts == 0 {
		option.LockAttempts = defaultLockAttempts
	}
	if option.LockBackoff == 0 {
		option.LockBackoff = defaultLockBackoff
	}
	if option.TxAttempts == 0 {
		option.TxAttempts = defaultTxAttempts
	}
	if option.OrphanWindow == 0 {
		option.OrphanWindow = defaultOrphanWindow
	}
	return &Engine{
		Options: option,
	}, nil
}

// Handle applies ev to the ledger. Events for the same (user, provider, environment) are applied one at a time.
// Side effects run after the ledger commits and their failures are only logged.
func (e *Engine) Handle(ctx context.Context, ev *event.SubscriptionEvent) (*Outcome, error) {
	logger := e.Logger.With(
		zap.String("Provider", string(ev.Provider)),
		zap.String("Kind", string(ev.Kind)),
		zap.String("RawEventID", ev.RawEventID),
		zap.String("SubscriptionRef", ev.ProviderSubscriptionRef),
	)
	if e.Metrics != nil {
		e.Metrics.EventsReceived.WithLabelValues(string(ev.Provider), string(ev.Kind)).Inc()
		defer e.Metrics.ObserveHandle(string(ev.Provider), time.Now())
	}

	if ev.Kind == event.KindUnknown {
		logger.Debug("Ignoring event without a subscription meaning")
		return nil, ErrIgnored
	}
	if len(ev.RawEventID) == 0 {
		return nil, event.Malformed(ev.Provider, "event without id", nil)
	}

	// redeliveries skip the lock; the claim inside the transaction still settles races
	seen, err := e.Ledger.HasReceipt(ctx, ev.Provider, ev.RawEventID)
	if err != nil {
		return nil, e.explain(logger, persistence("Cannot check event receipt", err))
	}
	if seen {
		return nil, e.explain(logger, ErrDuplicateEvent)
	}

	key, found, err := e.resolveKey(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, e.orphan(logger, ev)
	}
	logger = logger.With(zap.String("Key", key.String()))

	release, err := e.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	var res *result
	for attempt := 1; ; attempt++ {
		res, err = e.apply(ctx, logger, key, ev)
		if err == nil {
			break
		}
		if !db.IsSerializationFailure(err) {
			return nil, e.explain(logger, err)
		}
		if attempt >= e.TxAttempts {
			logger.Warn("Giving up after repeated serialization failures",
				zap.Error(err),
			)
			return nil, ErrConcurrencyConflict
		}
		logger.Debug("Retrying after serialization failure",
			zap.Int("Attempt", attempt),
		)
	}

	e.observe(ev, res)
	e.runEffects(ctx, logger, res)

	out := res.outcome
	logger.Info("Event applied",
		zap.String("From", string(out.From)),
		zap.String("To", string(out.To)),
	)
	return &out, nil
}

// resolveKey finds whose subscription ev is about. Providers that do not carry the user on every event
// are resolved through the references already in the ledger.
func (e *Engine) resolveKey(ctx context.Context, ev *event.SubscriptionEvent) (subscription.Key, bool, error) {
	if len(ev.UserID) > 0 {
		return subscription.Key{
			UserID:      ev.UserID,
			Provider:    ev.Provider,
			Environment: ev.Environment,
		}, true, nil
	}
	for _, ref := range []string{ev.ProviderSubscriptionRef, ev.PreviousSubscriptionRef} {
		sub, err := e.Ledger.GetByProviderRef(ctx, ev.Provider, ref)
		if err != nil {
			return subscription.Key{}, false, persistence("Cannot resolve subscription", err)
		}
		if sub != nil {
			return sub.Key(), true, nil
		}
	}
	if ev.Kind == event.KindRefunded {
		rec, err := e.Recorder.FindByProviderRef(ctx, ev.Provider, ev.ProviderTransactionRef)
		if err != nil {
			return subscription.Key{}, false, persistence("Cannot resolve refunded payment", err)
		}
		if rec != nil {
			sub, err := e.Ledger.GetByID(ctx, rec.SubscriptionID)
			if err != nil {
				return subscription.Key{}, false, persistence("Cannot resolve refunded subscription", err)
			}
			if sub != nil {
				return sub.Key(), true, nil
			}
		}
	}
	return subscription.Key{}, false, nil
}

// orphan decides between asking the provider to redeliver and dropping an event nobody can own yet
func (e *Engine) orphan(logger *zap.Logger, ev *event.SubscriptionEvent) error {
	age := e.Clock().Sub(ev.OccurredAt)
	if age < e.OrphanWindow {
		logger.Info("Subscription not known yet, waiting for redelivery",
			zap.Duration("Age", age),
		)
		return ErrSubscriptionNotFound
	}
	logger.Warn("Dropping event for unknown subscription",
		zap.Duration("Age", age),
	)
	return ErrIgnored
}

func (e *Engine) acquire(ctx context.Context, key subscription.Key) (func(), error) {
	for attempt := 0; attempt < e.LockAttempts; attempt++ {
		release, acquired, err := e.Locker.TryAcquire(ctx, key.String(), e.LockTTL)
		if err != nil {
			return nil, persistence("Cannot acquire subscription lock", err)
		}
		if acquired {
			return release, nil
		}
		if e.Metrics != nil {
			e.Metrics.LockWaits.WithLabelValues(string(key.Provider)).Inc()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.LockBackoff):
		}
	}
	return nil, ErrConcurrencyConflict
}

func (e *Engine) apply(ctx context.Context, logger *zap.Logger, key subscription.Key, ev *event.SubscriptionEvent) (*result, error) {
	var res *result
	err := e.Ledger.LambdaUpdate(ctx, key, func(tx *subscription.Tx, current *subscription.Subscription) error {
		res = &result{
			outcome: Outcome{
				Kind: ev.Kind,
			},
		}
		a := &applier{
			Engine:   e,
			ctx:      ctx,
			logger:   logger,
			tx:       tx,
			recorder: e.Recorder.WithTx(tx.DB()),
			key:      key,
			ev:       ev,
			res:      res,
		}
		return a.run(current)
	})
	if err != nil {
		if !known(err) {
			err = persistence("Cannot apply event", err)
		}
		return nil, err
	}
	return res, nil
}

// explain logs err at the level its class deserves and returns it unchanged
func (e *Engine) explain(logger *zap.Logger, err error) error {
	var planErr *PlanNotFoundError
	var persistErr *PersistenceError
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		logger.Debug("Event already applied")
	case errors.Is(err, ErrStaleEvent):
		logger.Info("Event older than the subscription state, discarded")
	case errors.Is(err, ErrIgnored):
		logger.Debug("Event does not change the subscription")
	case errors.Is(err, ErrSubscriptionNotFound):
		logger.Info("Subscription not known yet, waiting for redelivery")
	case errors.As(err, &planErr):
		logger.Error("Product is not in the plan catalog",
			zap.String("ProductRef", planErr.ProductRef),
		)
	case errors.As(err, &persistErr):
		logger.Error("Database returned error",
			zap.Error(err),
		)
	default:
		logger.Error("Cannot apply event",
			zap.Error(err),
		)
	}
	return err
}

func known(err error) bool {
	var planErr *PlanNotFoundError
	var persistErr *PersistenceError
	var normErr *event.NormalizationError
	return errors.Is(err, ErrStaleEvent) ||
		errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrIgnored) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.As(err, &planErr) ||
		errors.As(err, &persistErr) ||
		errors.As(err, &normErr)
}

func (e *Engine) observe(ev *event.SubscriptionEvent, res *result) {
	if e.Metrics == nil {
		return
	}
	out := res.outcome
	if out.From != out.To {
		e.Metrics.Transitions.WithLabelValues(string(ev.Provider), string(out.From), string(out.To)).Inc()
	}
	if res.newPayment && out.Transaction != nil {
		e.Metrics.Transactions.WithLabelValues(string(ev.Provider), string(out.Transaction.Status)).Inc()
	}
}

func (e *Engine) runEffects(ctx context.Context, logger *zap.Logger, res *result) {
	for _, fx := range res.effects {
		if err := fx.run(ctx); err != nil {
			logger.Error("Side effect failed after commit",
				zap.String("Effect", fx.name),
				zap.Error(err),
			)
			if e.Metrics != nil {
				e.Metrics.SideEffectFails.WithLabelValues(fx.name).Inc()
			}
			continue
		}
		if fx.notified != "" {
			res.outcome.Notified = append(res.outcome.Notified, fx.notified)
		}
	}
}
