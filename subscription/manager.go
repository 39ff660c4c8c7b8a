package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/subledger/event"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateEvent is returned by ClaimEvent when the event was already applied
var ErrDuplicateEvent = errors.New("event was already applied")

// ManagerOptions configures the ledger
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
	// Isolation of LambdaUpdate transactions. Zero means the driver default.
	Isolation sql.IsolationLevel
}

// Manager is the Subscription ledger
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for subscriptions
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Subscription{}, &EventReceipt{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize subscription.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func openRow(db *gorm.DB, key Key) *gorm.DB {
	return db.
		Where("user_id = ?", key.UserID).
		Where("provider = ?", key.Provider).
		Where("environment = ?", key.Environment).
		Where("status <> ?", StatusCanceled)
}

// byRef orders the open row first, then the most recently created one
func byRef(db *gorm.DB, provider event.Provider, ref string) *gorm.DB {
	return db.
		Where("provider = ?", provider).
		Where("provider_subscription_ref = ?", ref).
		Order("CASE WHEN status = 'canceled' THEN 1 ELSE 0 END").
		Order("created_at desc")
}

// GetCurrent returns the open subscription for key, or nil if the user has none
func (m *Manager) GetCurrent(ctx context.Context, key Key) (*Subscription, error) {
	var sub Subscription

	result := openRow(m.DB.WithContext(ctx), key).First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get current subscription")
	}

	return &sub, nil
}

// GetByID returns the subscription with the given id, or nil
func (m *Manager) GetByID(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription

	result := m.DB.WithContext(ctx).First(&sub, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}

	return &sub, nil
}

// GetByProviderRef returns the row linked to a provider subscription reference.
// The open row wins; otherwise the latest canceled one is returned.
func (m *Manager) GetByProviderRef(ctx context.Context, provider event.Provider, ref string) (*Subscription, error) {
	if len(ref) == 0 {
		return nil, nil
	}
	var sub Subscription

	result := byRef(m.DB.WithContext(ctx), provider, ref).First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by provider reference")
	}

	return &sub, nil
}

// History lists every subscription the user ever held, newest first
func (m *Manager) History(ctx context.Context, userID string) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.DB.WithContext(ctx).
		Order("created_at desc").
		Find(&results, "user_id = ?", userID)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// HasReceipt reports whether an event has already been applied
func (m *Manager) HasReceipt(ctx context.Context, provider event.Provider, rawEventID string) (bool, error) {
	var count int64
	result := m.DB.WithContext(ctx).
		Model(&EventReceipt{}).
		Where("provider = ? AND raw_event_id = ?", provider, rawEventID).
		Count(&count)
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot look up event receipt")
	}
	return count > 0, nil
}

// LambdaUpdateFunc mutates the ledger through tx. current is the open row for the key, locked FOR UPDATE, or nil.
// Returning an error rolls back every write made through tx.
type LambdaUpdateFunc func(tx *Tx, current *Subscription) error

// LambdaUpdate runs one atomic read-modify-write for key.
// Callers are expected to hold the per-key lock so that concurrent updates queue instead of failing serialization.
func (m *Manager) LambdaUpdate(ctx context.Context, key Key, lambda LambdaUpdateFunc) error {
	var opts []*sql.TxOptions
	if m.Isolation != sql.LevelDefault {
		opts = append(opts, &sql.TxOptions{
			Isolation: m.Isolation,
		})
	}
	return m.DB.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var current Subscription
		lookupRes := openRow(db.Clauses(clause.Locking{Strength: "UPDATE"}), key).First(&current)
		tx := &Tx{db: db}
		if lookupRes.Error == nil {
			return lambda(tx, &current)
		} else if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return lambda(tx, nil)
		}
		return lookupRes.Error
	}, opts...)
}

// Tx is the write surface handed to a LambdaUpdateFunc
type Tx struct {
	db *gorm.DB
}

// DB exposes the underlying transaction so collaborators can join it
func (t *Tx) DB() *gorm.DB {
	return t.db
}

// FindByProviderRef locks and returns the row for a provider reference, preferring the open one
func (t *Tx) FindByProviderRef(provider event.Provider, ref string) (*Subscription, error) {
	if len(ref) == 0 {
		return nil, nil
	}
	var sub Subscription
	result := byRef(t.db.Clauses(clause.Locking{Strength: "UPDATE"}), provider, ref).First(&sub)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &sub, nil
}

// Create inserts a new row
func (t *Tx) Create(sub *Subscription) error {
	if len(sub.ID) == 0 {
		sub.ID = uuid.New().String()
	}
	if err := sub.Validate(); err != nil {
		return err
	}
	return t.db.Create(sub).Error
}

// Save writes back a mutated row. Rows that were already canceled are never written again.
func (t *Tx) Save(sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	result := t.db.
		Model(sub).
		Where("status <> ?", StatusCanceled).
		Select("*").
		Updates(sub)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("subscription %s is terminal or missing", sub.ID)
	}
	return nil
}

// Terminate moves sub into the canceled state and clears its billing period
func (t *Tx) Terminate(sub *Subscription, at time.Time) error {
	sub.terminate(at)
	return t.Save(sub)
}

// CreateSuccessor terminalizes old and inserts next in its place within the same transaction.
// The queued plan on old is consumed.
func (t *Tx) CreateSuccessor(old *Subscription, next *Subscription, at time.Time) error {
	old.NextPlanID = nil
	if err := t.Terminate(old, at); err != nil {
		return extErrors.Wrap(err, "Cannot terminate predecessor")
	}
	next.PredecessorID = &old.ID
	if len(next.UserID) == 0 {
		next.UserID = old.UserID
		next.Provider = old.Provider
		next.Environment = old.Environment
	}
	if err := t.Create(next); err != nil {
		return extErrors.Wrap(err, "Cannot create successor")
	}
	return nil
}

// ClaimEvent records the receipt for an event. ErrDuplicateEvent means it was applied before.
func (t *Tx) ClaimEvent(receipt *EventReceipt) error {
	result := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(receipt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDuplicateEvent
	}
	return nil
}
