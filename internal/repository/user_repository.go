package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"botgpt/internal/model"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("create user failed: %w", err)
	}
	return nil
}

// FirstOrCreateByUsername returns the user named username, creating a
// password-less row when none exists.
func (r *UserRepository) FirstOrCreateByUsername(ctx context.Context, username string) (*model.User, error) {
	user := model.User{Username: username}
	if err := r.db.WithContext(ctx).Where("username = ?", username).FirstOrCreate(&user).Error; err != nil {
		return nil, fmt.Errorf("first or create user failed: %w", err)
	}
	return &user, nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.first(ctx, "query user by username", "username = ?", username)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.first(ctx, "query user by email", "email = ?", email)
}

func (r *UserRepository) GetByID(ctx context.Context, id uint) (*model.User, error) {
	return r.first(ctx, "query user by id", "id = ?", id)
}

func (r *UserRepository) first(ctx context.Context, op, query string, arg interface{}) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where(query, arg).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	return &user, nil
}
