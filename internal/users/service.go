package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ServiceConfig describes the dependencies for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages the account records backing reviewer and moderator identity.
type Service struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, clock: clock}, nil
}

// RegisterRequest carries the fields needed to provision an account.
type RegisterRequest struct {
	DisplayName string
	Email       string
	IsAdmin     bool
}

// Register provisions a new account and returns its identifier.
func (s *Service) Register(ctx context.Context, request RegisterRequest) (string, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	account := Account{
		ID:               identifier.String(),
		DisplayName:      normalize(request.DisplayName),
		Email:            normalize(request.Email),
		IsAdmin:          request.IsAdmin,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return "", err
	}
	return account.ID, nil
}

// GetAccount loads an account by identifier.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	if normalize(accountID) == "" {
		return nil, ErrInvalidAccountID
	}
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// AdjustKarmaTx shifts an account's karma total inside the caller's transaction.
func (s *Service) AdjustKarmaTx(tx *gorm.DB, accountID string, delta int) error {
	if delta == 0 {
		return nil
	}
	result := tx.Model(&Account{}).
		Where("id = ?", accountID).
		Update("karma", gorm.Expr("karma + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetBlockedTx flips the blocked flag inside the caller's transaction.
func (s *Service) SetBlockedTx(tx *gorm.DB, accountID string, blocked bool) error {
	result := tx.Model(&Account{}).
		Where("id = ?", accountID).
		Update("is_blocked", blocked)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
