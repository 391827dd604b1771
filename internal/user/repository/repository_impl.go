package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	userdomain "github.com/fanhive/fanhive/internal/user/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() userdomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*userdomain.User, error) {
	var user userdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, display_name, plan, trial_ends_at, provider_customer_id, created_at, updated_at
		 FROM users WHERE id = ?`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, userdomain.ErrUserNotFound
	}
	return &user, nil
}

func (r *repo) FindByProviderCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*userdomain.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, userdomain.ErrUserNotFound
	}

	var user userdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, display_name, plan, trial_ends_at, provider_customer_id, created_at, updated_at
		 FROM users WHERE provider_customer_id = ?`,
		customerID,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, userdomain.ErrUserNotFound
	}
	return &user, nil
}

func (r *repo) LinkProviderCustomer(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return errors.New("provider customer id is required")
	}

	result := db.WithContext(ctx).Exec(
		`UPDATE users SET provider_customer_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		customerID, id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return userdomain.ErrUserNotFound
	}
	return nil
}
