package repository

import (
	"context"

	"gorm.io/gorm"

	"reservoir/internal/models"
)

// ChangeRepository appends to and maintains the audit log.
type ChangeRepository interface {
	Create(ctx context.Context, tx *gorm.DB, change *models.Change) error
	ListByModelID(ctx context.Context, tx *gorm.DB, modelID int) ([]models.Change, error)
	Detach(ctx context.Context, tx *gorm.DB, rowIDs []uint) error
}

type ChangeRepositoryImpl struct {
	db *gorm.DB
}

func NewChangeRepository(db *gorm.DB) *ChangeRepositoryImpl {
	return &ChangeRepositoryImpl{db: db}
}

func (r *ChangeRepositoryImpl) Create(ctx context.Context, tx *gorm.DB, change *models.Change) error {
	return conn(ctx, r.db, tx).Create(change).Error
}

func (r *ChangeRepositoryImpl) ListByModelID(ctx context.Context, tx *gorm.DB, modelID int) ([]models.Change, error) {
	var changes []models.Change
	err := conn(ctx, r.db, tx).Where("model_id = ?", modelID).Order("id").Find(&changes).Error
	return changes, err
}

// Detach clears the model row reference of changes pointing at rowIDs. The
// records themselves are kept.
func (r *ChangeRepositoryImpl) Detach(ctx context.Context, tx *gorm.DB, rowIDs []uint) error {
	if len(rowIDs) == 0 {
		return nil
	}
	return conn(ctx, r.db, tx).
		Model(&models.Change{}).
		Where("model_row_id IN ?", rowIDs).
		Update("model_row_id", nil).Error
}
