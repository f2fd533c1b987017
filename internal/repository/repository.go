package repository

import (
	"context"

	"gorm.io/gorm"

	"reservoir/internal/models"
)

// Tables lists every catalog table in migration order.
func Tables() []interface{} {
	return []interface{}{
		&models.Author{},
		&models.Location{},
		&models.Category{},
		&models.Model{},
		&models.LatestModel{},
		&models.Change{},
		&models.Sequence{},
	}
}

// Migrate creates or updates the catalog schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Tables()...)
}

// conn picks the running transaction when one is given.
func conn(ctx context.Context, db, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}
