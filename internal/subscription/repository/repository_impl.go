package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/fanhive/fanhive/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

// Upsert inserts or overwrites the projection keyed by the provider's
// subscription id. Field overwrites are idempotent so duplicate or stale
// deliveries converge to the same row.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	if subscription == nil {
		return errors.New("subscription is required")
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, provider_subscription_id, provider_customer_id, plan_code,
			status, current_period_end, cancel_at_period_end, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			user_id = excluded.user_id,
			provider_customer_id = excluded.provider_customer_id,
			plan_code = excluded.plan_code,
			status = excluded.status,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			updated_at = excluded.updated_at`,
		subscription.ID,
		subscription.UserID,
		subscription.ProviderSubscriptionID,
		subscription.ProviderCustomerID,
		subscription.PlanCode,
		subscription.Status,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

// MarkCanceled flips the status without deleting the row, history is retained.
func (r *repo) MarkCanceled(ctx context.Context, db *gorm.DB, providerSubscriptionID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE provider_subscription_id = ?`,
		subscriptiondomain.StatusCanceled,
		providerSubscriptionID,
	).Error
}

func (r *repo) FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, provider_subscription_id, provider_customer_id, plan_code,
			status, current_period_end, cancel_at_period_end, created_at, updated_at
		 FROM subscriptions WHERE provider_subscription_id = ?`,
		providerSubscriptionID,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

// FindLatestByUserID returns the most recently updated subscription for the
// user, or nil when the user has never subscribed.
func (r *repo) FindLatestByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, provider_subscription_id, provider_customer_id, plan_code,
			status, current_period_end, cancel_at_period_end, created_at, updated_at
		 FROM subscriptions
		 WHERE user_id = ?
		 ORDER BY updated_at DESC, id DESC
		 LIMIT 1`,
		userID,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}
