// Package domain contains persistence models for platform users.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrUserNotFound = errors.New("user_not_found")
)

// User carries the subset of profile state the rewards core reads.
// Plan and TrialEndsAt are raw flags owned by plan-change flows; effective
// entitlement is always derived through the plan resolver.
type User struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	DisplayName        string       `gorm:"type:text;not null"`
	Plan               string       `gorm:"type:text;not null"`
	TrialEndsAt        *time.Time   `gorm:""`
	ProviderCustomerID *string      `gorm:"type:text"`
	CreatedAt          time.Time    `gorm:"not null"`
	UpdatedAt          time.Time    `gorm:"not null"`
}

func (User) TableName() string {
	return "users"
}
