package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chainboard/marketcache/internal/models"
)

// DatabaseStore implements Store on the primary SQL database.
type DatabaseStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDatabaseStore constructs a database-backed Store.
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	if db == nil {
		return nil
	}
	return &DatabaseStore{db: db, now: time.Now}
}

// WithClock overrides the clock used when computing expiries. Test hook.
func (s *DatabaseStore) WithClock(now func() time.Time) *DatabaseStore {
	if now != nil {
		s.now = now
	}
	return s
}

// Get retrieves the entry for a key regardless of expiry.
func (s *DatabaseStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	if s == nil {
		return nil, false, fmt.Errorf("%w: database store not initialised", ErrUnavailable)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var row models.MarketCache
	err := s.db.WithContext(ctx).Take(&row, "cache_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %q: %v", ErrUnavailable, key, err)
	}

	return &Entry{
		Key:       row.CacheKey,
		Payload:   json.RawMessage(row.Data),
		ExpiresAt: row.ExpiresAt,
		Source:    row.Source,
	}, true, nil
}

// Put upserts the payload for a key with expiry computed from ttl.
func (s *DatabaseStore) Put(ctx context.Context, key string, payload json.RawMessage, ttl time.Duration, source string) error {
	if s == nil {
		return fmt.Errorf("%w: database store not initialised", ErrUnavailable)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ttl <= 0 {
		return fmt.Errorf("cache: ttl must be positive, got %s", ttl)
	}

	row := models.MarketCache{
		CacheKey:  key,
		Data:      datatypes.JSON(payload),
		ExpiresAt: s.now().Add(ttl),
		Source:    source,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "expires_at", "source", "updated_at"}),
		}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Sweep deletes rows whose expiry passed before the cutoff.
func (s *DatabaseStore) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("%w: database store not initialised", ErrUnavailable)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := s.db.WithContext(ctx).
		Where("expires_at < ?", olderThan).
		Delete(&models.MarketCache{})
	if result.Error != nil {
		return 0, fmt.Errorf("%w: sweep: %v", ErrUnavailable, result.Error)
	}
	return result.RowsAffected, nil
}
