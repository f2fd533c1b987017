package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reservoir/internal/models"
)

type CategoryRepository interface {
	GetOrCreate(ctx context.Context, tx *gorm.DB, names []string) ([]models.Category, error)
}

type CategoryRepositoryImpl struct {
	db *gorm.DB
}

func NewCategoryRepository(db *gorm.DB) *CategoryRepositoryImpl {
	return &CategoryRepositoryImpl{db: db}
}

// GetOrCreate resolves every name to a Category row, inserting the missing
// ones. Concurrent creators of the same name are reconciled by the unique
// index; the losing insert is a no-op and the row is read back.
func (r *CategoryRepositoryImpl) GetOrCreate(ctx context.Context, tx *gorm.DB, names []string) ([]models.Category, error) {
	if len(names) == 0 {
		return []models.Category{}, nil
	}
	db := conn(ctx, r.db, tx)

	for _, name := range names {
		c := models.Category{Name: name}
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).Create(&c).Error
		if err != nil {
			return nil, err
		}
	}

	var found []models.Category
	if err := db.Where("name IN ?", names).Find(&found).Error; err != nil {
		return nil, err
	}
	byName := make(map[string]models.Category, len(found))
	for _, c := range found {
		byName[c.Name] = c
	}
	out := make([]models.Category, 0, len(names))
	for _, name := range names {
		if c, ok := byName[name]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
