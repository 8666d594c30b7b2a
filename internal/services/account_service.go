package services

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/patronpay/internal/models"
)

// AccountService stores the catalog credentials the reconciliation worker
// uses to re-authenticate patrons.
type AccountService struct {
	db *gorm.DB
}

func NewAccountService(db *gorm.DB) *AccountService {
	return &AccountService{db: db}
}

// Upsert saves or refreshes the credentials for a patron.
func (s *AccountService) Upsert(ctx context.Context, patronKey, catUsername, catPassword, source string) error {
	account := models.PatronAccount{
		PatronKey:   patronKey,
		CatUsername: catUsername,
		CatPassword: catPassword,
		Source:      source,
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "patron_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"cat_username", "cat_password", "source", "updated_at"}),
		}).
		Create(&account).Error
}

// Find returns the stored credentials for a patron.
func (s *AccountService) Find(ctx context.Context, patronKey string) (*models.PatronAccount, error) {
	var account models.PatronAccount
	if err := s.db.WithContext(ctx).
		Where("patron_key = ?", patronKey).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}
