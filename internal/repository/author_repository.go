package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reservoir/internal/models"
)

type AuthorRepository interface {
	GetOrCreateByEmail(ctx context.Context, tx *gorm.DB, email string) (*models.Author, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Author, error)
}

type AuthorRepositoryImpl struct {
	db *gorm.DB
}

func NewAuthorRepository(db *gorm.DB) *AuthorRepositoryImpl {
	return &AuthorRepositoryImpl{db: db}
}

// GetOrCreateByEmail returns the author registered under email, creating it
// on first sight. The address doubles as the username.
func (r *AuthorRepositoryImpl) GetOrCreateByEmail(ctx context.Context, tx *gorm.DB, email string) (*models.Author, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, models.ErrValidationFailed.New("empty author email")
	}
	db := conn(ctx, r.db, tx)

	author := models.Author{Username: email, Email: email}
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&author).Error
	if err != nil {
		return nil, err
	}
	var found models.Author
	if err := db.Where("email = ?", email).First(&found).Error; err != nil {
		return nil, err
	}
	return &found, nil
}

func (r *AuthorRepositoryImpl) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Author, error) {
	var a models.Author
	if err := conn(ctx, r.db, tx).First(&a, id).Error; err != nil {
		return nil, notFound(err, "author %d", id)
	}
	return &a, nil
}
