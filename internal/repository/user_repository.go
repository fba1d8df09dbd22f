package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"aichat/internal/model"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, account *model.Account) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("create account failed: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	var account model.Account
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query account by email failed: %w", err)
	}
	return &account, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query account by id failed: %w", err)
	}
	return &account, nil
}

func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	res := r.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", id).Update("password_hash", hash)
	if res.Error != nil {
		return fmt.Errorf("update password failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateProfileIfAbsent inserts the profile and ignores an existing row with
// the same id.
func (r *UserRepository) CreateProfileIfAbsent(ctx context.Context, profile *model.UserProfile) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(profile).Error; err != nil {
		return fmt.Errorf("create profile failed: %w", err)
	}
	return nil
}

func (r *UserRepository) GetProfile(ctx context.Context, id string) (*model.UserProfile, error) {
	var profile model.UserProfile
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query profile failed: %w", err)
	}
	return &profile, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, id string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&model.UserProfile{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("update profile failed: %w", err)
	}
	return nil
}
