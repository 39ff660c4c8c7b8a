package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/subledger/event"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager is the Transaction Recorder
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for transaction records
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize transaction.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// WithTx returns a Manager whose writes join tx
func (m *Manager) WithTx(tx *gorm.DB) *Manager {
	return &Manager{
		db:     tx,
		logger: m.logger,
	}
}

// Record appends rec. The returned bool is false when an identical payment attempt was already recorded,
// in which case the stored record is returned instead.
func (m *Manager) Record(ctx context.Context, rec *Record) (*Record, bool, error) {
	if len(rec.EventRef) == 0 {
		return nil, false, fmt.Errorf("Record.EventRef is required")
	}
	if len(rec.ID) == 0 {
		rec.ID = uuid.New().String()
	}
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		m.logger.Error("Unable to create transaction record in database",
			zap.Error(result.Error),
		)
		return nil, false, extErrors.Wrap(result.Error, "Cannot create transaction record")
	}
	if result.RowsAffected > 0 {
		return rec, true, nil
	}

	var existing Record
	query := m.db.WithContext(ctx).Where("provider = ?", rec.Provider)
	if len(rec.ProviderTransactionRef) > 0 {
		query = query.Where("(event_ref = ?) OR (provider_transaction_ref = ? AND status = ?)", rec.EventRef, rec.ProviderTransactionRef, rec.Status)
	} else {
		query = query.Where("event_ref = ?", rec.EventRef)
	}
	if err := query.First(&existing).Error; err != nil {
		return nil, false, extErrors.Wrap(err, "Cannot load existing transaction record")
	}
	return &existing, false, nil
}

// MarkRefunded moves the succeeded payment identified by ref to refunded and reports how many rows changed
func (m *Manager) MarkRefunded(ctx context.Context, provider event.Provider, ref string, at time.Time) (int64, error) {
	if len(ref) == 0 {
		return 0, nil
	}
	result := m.db.WithContext(ctx).
		Model(&Record{}).
		Where("provider = ? AND provider_transaction_ref = ?", provider, ref).
		Where("status = ?", StatusSucceeded).
		Updates(map[string]interface{}{
			"status":      StatusRefunded,
			"refunded_at": at,
		})
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot mark transaction refunded")
	}
	return result.RowsAffected, nil
}

// ListBySubscription returns every attempt recorded against a subscription, oldest first
func (m *Manager) ListBySubscription(ctx context.Context, subscriptionID string) ([]Record, error) {
	results := make([]Record, 0, 1)
	result := m.db.WithContext(ctx).
		Order("created_at asc").
		Find(&results, "subscription_id = ?", subscriptionID)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// FindByProviderRef returns a record for a provider payment reference, or nil.
// Refunds use it to find the subscription a charge belonged to.
func (m *Manager) FindByProviderRef(ctx context.Context, provider event.Provider, ref string) (*Record, error) {
	if len(ref) == 0 {
		return nil, nil
	}
	var rec Record
	result := m.db.WithContext(ctx).
		Where("provider = ? AND provider_transaction_ref = ?", provider, ref).
		Order("created_at desc").
		Limit(1).
		Find(&rec)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get transaction by provider reference")
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &rec, nil
}
