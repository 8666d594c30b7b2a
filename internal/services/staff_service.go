package services

import (
	"context"
	"errors"
	"log"

	"gorm.io/gorm"

	"github.com/example/patronpay/internal/models"
	"github.com/example/patronpay/internal/utils"
)

// ErrStaffExists signals a duplicate staff username.
var ErrStaffExists = errors.New("staff user already exists")

// StaffService manages the staff accounts behind the administrative
// endpoints.
type StaffService struct {
	db *gorm.DB
}

func NewStaffService(db *gorm.DB) *StaffService {
	return &StaffService{db: db}
}

// Create adds a staff user with a bcrypt-hashed password.
func (s *StaffService) Create(ctx context.Context, username, password string) (*models.StaffUser, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.StaffUser{}).
		Where("username = ?", username).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrStaffExists
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, err
	}

	staff := models.StaffUser{Username: username, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(&staff).Error; err != nil {
		return nil, err
	}
	return &staff, nil
}

// EnsureSeed creates the initial staff account when the table is empty and
// credentials are configured. Called once at startup.
func (s *StaffService) EnsureSeed(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.StaffUser{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if _, err := s.Create(ctx, username, password); err != nil {
		return err
	}
	log.Printf("[Staff] seeded initial staff user %q", username)
	return nil
}
