// Package domain contains persistence models for provider-synced subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status mirrors the lifecycle states reported by the payment provider.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Active reports whether the status grants entitlement.
func (s Status) Active() bool {
	return s == StatusActive || s == StatusTrialing
}

// Subscription is a mutable projection of the provider's subscription
// object, rebuilt from the webhook event stream. Rows are never deleted;
// a provider-side cancellation sets Status to canceled.
type Subscription struct {
	ID                     snowflake.ID `gorm:"primaryKey"`
	UserID                 snowflake.ID `gorm:"not null;index"`
	ProviderSubscriptionID string       `gorm:"type:text;not null;uniqueIndex"`
	ProviderCustomerID     *string      `gorm:"type:text"`
	PlanCode               string       `gorm:"type:text;not null"`
	Status                 Status       `gorm:"type:text;not null"`
	CurrentPeriodEnd       *time.Time   `gorm:""`
	CancelAtPeriodEnd      bool         `gorm:"not null"`
	CreatedAt              time.Time    `gorm:"not null"`
	UpdatedAt              time.Time    `gorm:"not null"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}
