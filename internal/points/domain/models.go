// Package domain contains the points ledger models. The ledger is append
// only; a scope's balance is the sum of its transaction deltas.
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fanhive/fanhive/pkg/db/pagination"
	"gorm.io/gorm"
)

// Scope is the unit a balance is computed over, either one user or one
// circle's shared pool.
type Scope struct {
	circle bool
	id     snowflake.ID
}

func PersonalScope(userID snowflake.ID) Scope {
	return Scope{id: userID}
}

func CircleScope(circleID snowflake.ID) Scope {
	return Scope{circle: true, id: circleID}
}

func (s Scope) IsCircle() bool {
	return s.circle
}

func (s Scope) ID() snowflake.ID {
	return s.id
}

// Key is the stable string persisted on each transaction row. Idempotency
// keys are unique within one scope key.
func (s Scope) Key() string {
	if s.circle {
		return fmt.Sprintf("circle:%d", s.id)
	}
	return fmt.Sprintf("user:%d", s.id)
}

// Transaction is one immutable ledger row.
type Transaction struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	Scope          string        `gorm:"type:text;not null"`
	UserID         *snowflake.ID `gorm:""`
	CircleID       *snowflake.ID `gorm:""`
	Delta          int64         `gorm:"not null"`
	Reason         string        `gorm:"type:text;not null"`
	RequestID      *string       `gorm:"type:text"`
	IdempotencyKey *string       `gorm:"type:text"`
	RefType        *string       `gorm:"type:text"`
	RefID          *string       `gorm:"type:text"`
	CreatedAt      time.Time     `gorm:"not null"`
}

func (Transaction) TableName() string {
	return "points_transactions"
}

// Balance is the materialized projection of a scope's delta sum, updated
// in the same transaction as every ledger write. Debits decrement it with
// a guarded UPDATE so the row lock serializes concurrent spends.
type Balance struct {
	Scope     string    `gorm:"primaryKey;type:text"`
	Balance   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Balance) TableName() string {
	return "points_balances"
}

// AddRequest describes one ledger append.
type AddRequest struct {
	Scope          Scope
	ActorUserID    snowflake.ID
	Delta          int64
	Reason         string
	RequestID      *string
	IdempotencyKey *string
	RefType        *string
	RefID          *string
}

// DebitRequest describes an overdraft-guarded debit. Amount is positive.
type DebitRequest struct {
	Scope          Scope
	ActorUserID    snowflake.ID
	Amount         int64
	Reason         string
	RequestID      *string
	IdempotencyKey *string
	RefType        *string
	RefID          *string
}

// EarnResult reports the outcome of a rewarded user action.
type EarnResult struct {
	Earned      bool
	Delta       int64
	Balance     int64
	Transaction *Transaction
}

type Service interface {
	Add(ctx context.Context, req AddRequest) (*Transaction, error)
	AddTx(ctx context.Context, tx *gorm.DB, req AddRequest) (*Transaction, error)
	DebitTx(ctx context.Context, tx *gorm.DB, req DebitRequest) (*Transaction, error)
	BalanceOf(ctx context.Context, scope Scope) (int64, error)
	BalanceOfTx(ctx context.Context, tx *gorm.DB, scope Scope) (int64, error)
	History(ctx context.Context, scope Scope, page pagination.Pagination) ([]*Transaction, *pagination.PageInfo, error)
	Earn(ctx context.Context, userID snowflake.ID, reason string) (*EarnResult, error)
}
