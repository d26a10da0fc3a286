package database

import (
	"gorm.io/gorm"

	"github.com/chainboard/marketcache/internal/models"
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.MarketCache{},
	)
}
