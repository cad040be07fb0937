package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newUserRow(id string, u registrystore.NewUser) model.User {
	return model.User{
		ID:           id,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Mobile:       u.Mobile,
		Email:        u.Email,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		IsActive:     true,
		CreatedAt:    now(),
	}
}

func (s *Store) CreateUser(ctx context.Context, u registrystore.NewUser) (*model.User, error) {
	row := newUserRow(uuid.NewString(), u)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.User{}).Where("username = ?", u.Username).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check username: %w", err)
		}
		if count > 0 {
			return &registrystore.ConflictError{Message: "username already exists", Code: "username_taken"}
		}
		if u.Mobile != nil {
			if err := tx.Model(&model.User{}).Where("mobile = ?", *u.Mobile).Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check mobile: %w", err)
			}
			if count > 0 {
				return &registrystore.ConflictError{Message: "mobile already registered", Code: "mobile_taken"}
			}
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		var conflict *registrystore.ConflictError
		if errors.As(err, &conflict) {
			return nil, err
		}
		if isUniqueViolation(err) {
			return nil, &registrystore.ConflictError{Message: "user already exists", Code: "user_exists"}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &row, nil
}

func (s *Store) getUserBy(ctx context.Context, column string, value string) (*model.User, error) {
	var u model.User
	err := s.db.WithContext(ctx).Where(column+" = ?", value).Take(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "user", ID: value}
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return s.getUserBy(ctx, "id", userID)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUserBy(ctx, "username", username)
}

func (s *Store) GetOrCreateUserByMobile(ctx context.Context, mobile string, defaults registrystore.NewUser) (*model.User, bool, error) {
	u, err := s.getUserBy(ctx, "mobile", mobile)
	if err == nil {
		return u, false, nil
	}
	var notFound *registrystore.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, false, err
	}
	defaults.Mobile = &mobile
	row := newUserRow(uuid.NewString(), defaults)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent login for the same mobile.
			u, getErr := s.getUserBy(ctx, "mobile", mobile)
			if getErr == nil {
				return u, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	return &row, true, nil
}

func (s *Store) GetUsers(ctx context.Context, userIDs []string) ([]model.User, error) {
	if len(userIDs) == 0 {
		return []model.User{}, nil
	}
	var users []model.User
	if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	return users, nil
}

func (s *Store) EnsureUser(ctx context.Context, userID string, username string) (*model.User, error) {
	u, err := s.GetUser(ctx, userID)
	if err == nil {
		return u, nil
	}
	var notFound *registrystore.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}
	row := newUserRow(userID, registrystore.NewUser{Username: username})
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			if u, getErr := s.GetUser(ctx, userID); getErr == nil {
				return u, nil
			}
			return nil, &registrystore.ConflictError{Message: "username already exists", Code: "username_taken"}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &row, nil
}

func (s *Store) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	at = at.UTC().Truncate(time.Microsecond)
	res := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Update("last_login", at)
	if res.Error != nil {
		return fmt.Errorf("failed to update last login: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "user", ID: userID}
	}
	return nil
}
