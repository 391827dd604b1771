// Package domain contains the reward draw models and contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrUnknownPool = errors.New("unknown_pool")
	ErrEmptyPool   = errors.New("empty_pool")
)

// DrawLog is the append-only audit of every draw outcome.
type DrawLog struct {
	ID        snowflake.ID  `gorm:"primaryKey"`
	Scope     string        `gorm:"type:text;not null"`
	UserID    snowflake.ID  `gorm:"not null;index"`
	CircleID  *snowflake.ID `gorm:""`
	PoolCode  string        `gorm:"type:text;not null"`
	Cost      int64         `gorm:"not null"`
	ItemType  string        `gorm:"type:text;not null"`
	ItemKey   string        `gorm:"type:text;not null"`
	Rarity    string        `gorm:"type:text;not null"`
	IsNew     bool          `gorm:"not null"`
	CreatedAt time.Time     `gorm:"not null"`
}

func (DrawLog) TableName() string {
	return "gacha_logs"
}

// Unlock is the inventory row credited by a draw, unique per
// (user, item type, item key).
type Unlock struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"not null"`
	ItemType  string       `gorm:"type:text;not null"`
	ItemKey   string       `gorm:"type:text;not null"`
	Rarity    string       `gorm:"type:text;not null"`
	Source    string       `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null"`
}

func (Unlock) TableName() string {
	return "user_unlocks"
}

// Prize is the outcome of one draw. IsNew reports whether the unlock row
// did not exist before this draw.
type Prize struct {
	ItemType string `json:"itemType"`
	ItemKey  string `json:"itemKey"`
	Rarity   string `json:"rarity"`
	IsNew    bool   `json:"isNew"`
}

// DrawResult carries the cost paid, the balance after the debit, and the
// prize.
type DrawResult struct {
	Cost    int64 `json:"cost"`
	Balance int64 `json:"balance"`
	Prize   Prize `json:"prize"`
}

type Service interface {
	Draw(ctx context.Context, userID snowflake.ID, circleID *snowflake.ID, poolCode string) (*DrawResult, error)
}
