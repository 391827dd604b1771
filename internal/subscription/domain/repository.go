package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	MarkCanceled(ctx context.Context, db *gorm.DB, providerSubscriptionID string) error
	FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*Subscription, error)
	FindLatestByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
}
