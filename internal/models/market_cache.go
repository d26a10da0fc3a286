package models

import (
	"time"

	"gorm.io/datatypes"
)

// Cache entry provenance tags. Informational only; the read-through manager
// decides behaviour from expiry alone.
const (
	SourceUpstream  = "upstream"
	SourceFallback  = "fallback"
	SourceScheduled = "scheduled"
)

// MarketCache is a persisted market-data payload keyed by its derived cache key.
// A write for an existing key replaces the row; no history is retained.
type MarketCache struct {
	CacheKey  string         `gorm:"primaryKey;size:256;column:cache_key"`
	Data      datatypes.JSON `gorm:"column:data"`
	ExpiresAt time.Time      `gorm:"index"`
	Source    string         `gorm:"size:32"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the SQL table name.
func (MarketCache) TableName() string {
	return "market_cache"
}
