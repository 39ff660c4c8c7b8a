package reconcile

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/zllovesuki/subledger/event"
	"github.com/zllovesuki/subledger/notify"
	"github.com/zllovesuki/subledger/plan"
	"github.com/zllovesuki/subledger/subscription"
	"github.com/zllovesuki/subledger/transaction"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type effect struct {
	name     string
	notified notify.Type
	run      func(ctx context.Context) error
}

type result struct {
	outcome    Outcome
	newPayment bool
	effects    []effect
}

// applier carries one event through one ledger transaction
type applier struct {
	*Engine
	ctx      context.Context
	logger   *zap.Logger
	tx       *subscription.Tx
	recorder *transaction.Manager
	key      subscription.Key
	ev       *event.SubscriptionEvent
	res      *result
}

func (a *applier) run(current *subscription.Subscription) error {
	ev := a.ev
	ref := ev.ProviderSubscriptionRef

	if ev.Kind == event.KindRefunded && len(ref) == 0 {
		return a.refundByPayment(current)
	}

	byRef, err := a.tx.FindByProviderRef(ev.Provider, ref)
	if err != nil {
		return persistence("Cannot look up subscription by reference", err)
	}

	switch {
	case byRef != nil && current != nil && byRef.ID == current.ID:
		return a.transition(current)

	case byRef != nil && byRef.Status != subscription.StatusCanceled:
		a.logger.Warn("Subscription reference is held by another owner",
			zap.String("OwnerID", byRef.UserID),
		)
		return ErrIgnored

	case current != nil && len(current.ProviderSubscriptionRef) == 0 && len(ref) > 0:
		// a successor opened without a provider reference adopts the first one it sees
		if byRef != nil && ev.OccurredAt.Before(byRef.LastEventAt) {
			return ErrStaleEvent
		}
		current.ProviderSubscriptionRef = ref
		return a.transition(current)

	case byRef != nil:
		// the reference belongs to a terminated row, which is never reopened
		if ev.OccurredAt.Before(byRef.LastEventAt) {
			return ErrStaleEvent
		}
		if current == nil && creates(ev.Kind) {
			return a.open(nil)
		}
		if ev.Kind == event.KindRefunded {
			return a.refundOnly(byRef.ID)
		}
		return ErrIgnored

	case current == nil:
		if creates(ev.Kind) {
			return a.open(nil)
		}
		if ev.Kind == event.KindRefunded {
			return a.refundByPayment(nil)
		}
		return a.orphan(a.logger, ev)

	case len(ref) == 0:
		return a.transition(current)

	case len(ev.PreviousSubscriptionRef) > 0 && ev.PreviousSubscriptionRef == current.ProviderSubscriptionRef:
		a.logger.Info("Relinking subscription to a new provider reference",
			zap.String("PreviousRef", current.ProviderSubscriptionRef),
		)
		current.ProviderSubscriptionRef = ref
		return a.transition(current)

	case ev.Kind == event.KindCreated || ev.Kind == event.KindTrialStarted:
		return a.open(current)

	default:
		return a.orphan(a.logger, ev)
	}
}

// transition applies ev to an open row
func (a *applier) transition(row *subscription.Subscription) error {
	ev := a.ev
	if ev.OccurredAt.Before(row.LastEventAt) {
		return ErrStaleEvent
	}
	if err := a.claim(row.ID); err != nil {
		return err
	}

	from := row.Status
	a.res.outcome.From = from
	a.res.outcome.Subscription = row

	if ev.Kind == event.KindPlanChangeScheduled {
		return a.schedulePlan(row)
	}

	d := decide(from, ev, row.InTrialWindow(ev.OccurredAt), row.HasNextPlan())
	if d.terminate {
		return a.terminate(row, d)
	}

	if d.changed {
		if err := a.refresh(row); err != nil {
			return err
		}
	}
	row.Status = d.to
	a.touch(row)
	if err := a.tx.Save(row); err != nil {
		return persistence("Cannot save subscription", err)
	}
	a.res.outcome.To = row.Status

	if d.refund {
		if err := a.markRefunded(); err != nil {
			return err
		}
	}
	fresh := true
	if d.record != "" {
		created, err := a.record(row, d.record)
		if err != nil {
			return err
		}
		fresh = created
	}
	if d.trialUsed {
		a.trialUsed(row.UserID)
	}
	if d.notify != "" && (fresh || d.notify == notify.TypeStarted) {
		a.notify(row, d.notify)
	}
	return nil
}

// open creates a row for ev, replacing the given one when the provider moved the subscription to a new reference
func (a *applier) open(replaced *subscription.Subscription) error {
	ev := a.ev
	if replaced != nil && ev.OccurredAt.Before(replaced.LastEventAt) {
		return ErrStaleEvent
	}

	p, err := a.lookupPlan(ev.ProductRef)
	if err != nil {
		return err
	}
	if p == nil {
		return &PlanNotFoundError{
			Provider:   ev.Provider,
			ProductRef: ev.ProductRef,
		}
	}

	d := initial(ev)
	row := &subscription.Subscription{
		ID:                      uuid.New().String(),
		UserID:                  a.key.UserID,
		Provider:                a.key.Provider,
		Environment:             a.key.Environment,
		ProviderCustomerRef:     ev.ProviderCustomerRef,
		ProviderSubscriptionRef: ev.ProviderSubscriptionRef,
		PlanID:                  p.ID,
		Status:                  d.to,
		Amount:                  ev.AmountMinorUnits,
		Currency:                ev.Currency,
		LastEventAt:             ev.OccurredAt,
		LastEventID:             ev.RawEventID,
	}
	if d.to == subscription.StatusTrialing {
		row.SetTrial(ev.TrialStart, ev.TrialEnd)
	}
	row.SetPeriod(ev.PeriodStart, ev.PeriodEnd)

	if err := a.claim(row.ID); err != nil {
		return err
	}

	if replaced != nil {
		a.logger.Info("Provider replaced the subscription",
			zap.String("ReplacedID", replaced.ID),
			zap.String("ReplacedRef", replaced.ProviderSubscriptionRef),
		)
		a.res.outcome.From = replaced.Status
		a.touch(replaced)
		if err := a.tx.CreateSuccessor(replaced, row, ev.OccurredAt); err != nil {
			return persistence("Cannot replace subscription", err)
		}
	} else if err := a.tx.Create(row); err != nil {
		return persistence("Cannot create subscription", err)
	}
	a.res.outcome.Subscription = row
	a.res.outcome.To = row.Status

	if d.record != "" {
		if _, err := a.record(row, d.record); err != nil {
			return err
		}
	}
	if d.notify != "" {
		a.notify(row, d.notify)
	}
	return nil
}

// terminate closes row and, when a plan change is queued, opens its successor in the same transaction
func (a *applier) terminate(row *subscription.Subscription, d decision) error {
	ev := a.ev
	a.touch(row)

	if row.HasNextPlan() && !d.refund {
		next, err := a.successor(row)
		if err != nil {
			return err
		}
		if err := a.tx.CreateSuccessor(row, next, ev.OccurredAt); err != nil {
			return persistence("Cannot open successor subscription", err)
		}
		a.res.outcome.Successor = next
		a.logger.Info("Queued plan took effect",
			zap.String("SuccessorID", next.ID),
			zap.String("PlanID", next.PlanID),
		)
		if next.Status == subscription.StatusActive {
			a.notify(next, notify.TypeStarted)
		}
	} else if err := a.tx.Terminate(row, ev.OccurredAt); err != nil {
		return persistence("Cannot terminate subscription", err)
	}
	a.res.outcome.To = row.Status

	if d.refund {
		if err := a.markRefunded(); err != nil {
			return err
		}
	}
	if d.trialUsed {
		a.trialUsed(row.UserID)
	}
	if d.endAccess {
		userID := row.UserID
		a.res.effects = append(a.res.effects, effect{
			name: "invalidate_sessions",
			run: func(ctx context.Context) error {
				return a.Users.InvalidateSessions(ctx, userID)
			},
		})
	}
	return nil
}

func (a *applier) successor(old *subscription.Subscription) (*subscription.Subscription, error) {
	ev := a.ev
	p, err := a.Catalog.GetByID(a.ctx, *old.NextPlanID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get queued plan")
	}
	if p == nil {
		return nil, &PlanNotFoundError{
			Provider:   ev.Provider,
			ProductRef: *old.NextPlanID,
		}
	}

	at := ev.OccurredAt
	next := &subscription.Subscription{
		ID:                  uuid.New().String(),
		UserID:              old.UserID,
		Provider:            old.Provider,
		Environment:         old.Environment,
		ProviderCustomerRef: old.ProviderCustomerRef,
		PlanID:              p.ID,
		Status:              subscription.StatusIncomplete,
		Currency:            old.Currency,
		LastEventAt:         at,
		LastEventID:         ev.RawEventID,
	}

	if provisioner := a.Provisioners[ev.Provider]; provisioner != nil {
		got, err := provisioner.ProvisionSuccessor(a.ctx, old, p)
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot provision successor on provider")
		}
		next.ProviderSubscriptionRef = got.SubscriptionRef
		if len(got.CustomerRef) > 0 {
			next.ProviderCustomerRef = got.CustomerRef
		}
		if got.Status.Valid() && !got.Status.Terminal() {
			next.Status = got.Status
		}
		if next.Status == subscription.StatusTrialing {
			next.SetTrial(got.TrialStart, got.TrialEnd)
			if next.TrialStart == nil {
				next.Status = subscription.StatusIncomplete
			}
		}
		next.SetPeriod(got.PeriodStart, got.PeriodEnd)
		next.Amount = got.Amount
		if len(got.Currency) > 0 {
			next.Currency = got.Currency
		}
		return next, nil
	}

	// the provider announces the successor later and the next event carrying its reference adopts this row
	if p.TrialDays > 0 && old.TrialStart == nil {
		end := at.Add(p.TrialDuration())
		next.Status = subscription.StatusTrialing
		next.SetTrial(&at, &end)
	}
	return next, nil
}

func (a *applier) schedulePlan(row *subscription.Subscription) error {
	ev := a.ev
	switch {
	case len(ev.NextProductRef) == 0:
		row.NextPlanID = nil
	default:
		p, err := a.lookupPlan(ev.NextProductRef)
		if err != nil {
			return err
		}
		if p == nil {
			return &PlanNotFoundError{
				Provider:   ev.Provider,
				ProductRef: ev.NextProductRef,
			}
		}
		if p.ID == row.PlanID {
			row.NextPlanID = nil
		} else {
			id := p.ID
			row.NextPlanID = &id
		}
	}
	a.touch(row)
	if err := a.tx.Save(row); err != nil {
		return persistence("Cannot save subscription", err)
	}
	a.res.outcome.To = row.Status
	return nil
}

// refundByPayment handles refunds that only name the payment
func (a *applier) refundByPayment(current *subscription.Subscription) error {
	ev := a.ev
	rec, err := a.recorder.FindByProviderRef(a.ctx, ev.Provider, ev.ProviderTransactionRef)
	if err != nil {
		return persistence("Cannot look up refunded payment", err)
	}
	if rec == nil {
		return a.orphan(a.logger, ev)
	}
	if current != nil && rec.SubscriptionID == current.ID {
		return a.transition(current)
	}
	return a.refundOnly(rec.SubscriptionID)
}

// refundOnly marks the payment refunded without touching a subscription row
func (a *applier) refundOnly(subscriptionID string) error {
	if err := a.claim(subscriptionID); err != nil {
		return err
	}
	return a.markRefunded()
}

func (a *applier) markRefunded() error {
	ev := a.ev
	n, err := a.recorder.MarkRefunded(a.ctx, ev.Provider, ev.ProviderTransactionRef, ev.OccurredAt)
	if err != nil {
		return persistence("Cannot mark payment refunded", err)
	}
	if n == 0 {
		a.logger.Warn("No succeeded payment matched the refund",
			zap.String("TransactionRef", ev.ProviderTransactionRef),
		)
	}
	return nil
}

// refresh copies what the event knows about the billing cycle onto row
func (a *applier) refresh(row *subscription.Subscription) error {
	ev := a.ev
	if ev.Kind != event.KindFailed && ev.PeriodStart != nil && ev.PeriodEnd != nil {
		row.SetPeriod(ev.PeriodStart, ev.PeriodEnd)
	}
	if ev.HasTrial() {
		row.SetTrial(ev.TrialStart, ev.TrialEnd)
	}
	if (ev.Kind.Payment() || ev.Kind == event.KindCreated) && ev.AmountMinorUnits > 0 && len(ev.Currency) > 0 {
		row.Amount = ev.AmountMinorUnits
		row.Currency = ev.Currency
	}
	if len(row.ProviderCustomerRef) == 0 {
		row.ProviderCustomerRef = ev.ProviderCustomerRef
	}
	if len(ev.ProductRef) == 0 {
		return nil
	}
	p, err := a.lookupPlan(ev.ProductRef)
	if err != nil {
		return err
	}
	if p == nil {
		a.logger.Warn("Product is not in the plan catalog, keeping the current plan",
			zap.String("ProductRef", ev.ProductRef),
			zap.String("PlanID", row.PlanID),
		)
		return nil
	}
	if p.ID != row.PlanID {
		row.PlanID = p.ID
		if row.HasNextPlan() && *row.NextPlanID == p.ID {
			row.NextPlanID = nil
		}
	}
	return nil
}

func (a *applier) lookupPlan(ref string) (*plan.Plan, error) {
	if len(ref) == 0 {
		return nil, nil
	}
	p, err := a.Catalog.FindByProviderProductRef(a.ctx, a.ev.Provider, ref)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot look up plan")
	}
	return p, nil
}

func (a *applier) touch(row *subscription.Subscription) {
	if a.ev.OccurredAt.After(row.LastEventAt) {
		row.LastEventAt = a.ev.OccurredAt
	}
	row.LastEventID = a.ev.RawEventID
}

func (a *applier) claim(subscriptionID string) error {
	ev := a.ev
	payload, err := json.Marshal(ev)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode event receipt")
	}
	err = a.tx.ClaimEvent(&subscription.EventReceipt{
		Provider:       ev.Provider,
		RawEventID:     ev.RawEventID,
		Kind:           ev.Kind,
		SubscriptionID: subscriptionID,
		OccurredAt:     ev.OccurredAt,
		Payload:        datatypes.JSON(payload),
	})
	if errors.Is(err, subscription.ErrDuplicateEvent) {
		return ErrDuplicateEvent
	}
	if err != nil {
		return persistence("Cannot claim event", err)
	}
	return nil
}

// record appends the payment attempt and reports whether it is new
func (a *applier) record(row *subscription.Subscription, status transaction.Status) (bool, error) {
	ev := a.ev
	rec := &transaction.Record{
		SubscriptionID:         row.ID,
		UserID:                 row.UserID,
		PlanID:                 row.PlanID,
		Provider:               ev.Provider,
		Status:                 status,
		Amount:                 ev.AmountMinorUnits,
		Currency:               ev.Currency,
		ProviderTransactionRef: ev.ProviderTransactionRef,
		EventRef:               ev.RawEventID,
	}
	switch status {
	case transaction.StatusSucceeded:
		paidAt := ev.OccurredAt
		rec.PaidAt = &paidAt
	case transaction.StatusFailed, transaction.StatusPending:
		rec.FailureReason = ev.FailureReason
	}
	stored, created, err := a.recorder.Record(a.ctx, rec)
	if err != nil {
		return false, persistence("Cannot record payment", err)
	}
	a.res.outcome.Transaction = stored
	a.res.newPayment = created
	return created, nil
}

func (a *applier) trialUsed(userID string) {
	a.res.effects = append(a.res.effects, effect{
		name: "set_has_used_trial",
		run: func(ctx context.Context) error {
			return a.Users.SetHasUsedTrial(ctx, userID)
		},
	})
}

func (a *applier) notify(row *subscription.Subscription, t notify.Type) {
	userID := row.UserID
	var referenceID string
	switch t {
	case notify.TypeStarted:
		referenceID = row.ID
	case notify.TypeCancelled:
		referenceID = a.ev.RawEventID
	default:
		referenceID = a.ev.PaymentReference()
	}
	a.res.effects = append(a.res.effects, effect{
		name:     "notify",
		notified: t,
		run: func(ctx context.Context) error {
			return a.Dispatcher.Notify(ctx, userID, t, referenceID)
		},
	})
}
