package user

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const sessionRevokedPrefix = "session_revoked_at:"

// Manager handles the user flags owned by billing
type Manager struct {
	db     *gorm.DB
	redis  redis.UniversalClient
	logger *zap.Logger
	// sessions issued before a revocation stay rejected for this long, matching the refresh token lifetime
	revocationTTL time.Duration
}

// NewManager returns a new Manager for users
func NewManager(logger *zap.Logger, db *gorm.DB, rdb redis.UniversalClient) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if rdb == nil {
		return nil, fmt.Errorf("nil redisClient is invalid")
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize user.Manager")
	}
	return &Manager{
		db:            db,
		redis:         rdb,
		logger:        logger,
		revocationTTL: time.Hour * 24 * 30,
	}, nil
}

// GetByID will try to return the user in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*User, error) {
	var u User

	result := m.db.WithContext(ctx).First(&u, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get user by id")
	}

	return &u, nil
}

// SetHasUsedTrial marks the user as no longer eligible for a free trial. Setting it twice is a no-op.
func (m *Manager) SetHasUsedTrial(ctx context.Context, userID string) error {
	now := time.Now()
	result := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"has_used_trial": true,
			}),
		}).
		Create(&User{
			ID:           userID,
			HasUsedTrial: true,
			TrialUsedAt:  &now,
		})
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot mark trial as used")
	}
	return nil
}

// InvalidateSessions revokes every session issued to the user before now
func (m *Manager) InvalidateSessions(ctx context.Context, userID string) error {
	key := sessionRevokedPrefix + userID
	now := time.Now().Unix()
	if err := m.redis.Set(key, strconv.FormatInt(now, 10), m.revocationTTL).Err(); err != nil {
		m.logger.Error("Redis returned error",
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot revoke sessions")
	}
	return nil
}
