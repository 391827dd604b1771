package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	FindByProviderCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*User, error)
	LinkProviderCustomer(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string) error
}
