package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fanhive/fanhive/internal/clock"
	"github.com/fanhive/fanhive/internal/config"
	obscontext "github.com/fanhive/fanhive/internal/observability/context"
	"github.com/fanhive/fanhive/internal/observability/metrics"
	pointsdomain "github.com/fanhive/fanhive/internal/points/domain"
	"github.com/fanhive/fanhive/internal/ratelimit"
	"github.com/fanhive/fanhive/pkg/db"
	"github.com/fanhive/fanhive/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Rewards *config.RewardsConfigHolder
	Clock   clock.Clock
	Limiter *ratelimit.EarnLimiter `optional:"true"`
}

// Service owns the append-only points ledger. Every write happens inside a
// storage transaction; each scope's materialized balance row is updated in
// the same transaction as the ledger append so the two can never drift.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	rewards *config.RewardsConfigHolder
	clock   clock.Clock
	limiter *ratelimit.EarnLimiter
}

func NewService(p Params) pointsdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("points.service"),
		genID:   p.GenID,
		rewards: p.Rewards,
		clock:   p.Clock,
		limiter: p.Limiter,
	}
}

// Add appends one ledger row in its own transaction.
func (s *Service) Add(ctx context.Context, req pointsdomain.AddRequest) (*pointsdomain.Transaction, error) {
	var txn *pointsdomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := s.AddTx(ctx, tx, req)
		if err != nil {
			return err
		}
		txn = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// AddTx appends one ledger row inside the caller's transaction. When the
// request carries an idempotency key and a row with the same (scope, key)
// already exists, the existing row is returned and nothing is written.
func (s *Service) AddTx(ctx context.Context, tx *gorm.DB, req pointsdomain.AddRequest) (*pointsdomain.Transaction, error) {
	if req.Delta == 0 {
		return nil, pointsdomain.ErrInvalidDelta
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, pointsdomain.ErrInvalidReason
	}

	scopeKey := req.Scope.Key()
	now := s.clock.Now().UTC()
	txn := s.buildTransaction(req.Scope, req.ActorUserID, req.Delta, reason, req.RequestID, req.IdempotencyKey, req.RefType, req.RefID, now)

	if req.IdempotencyKey != nil {
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO points_transactions (
				id, scope, user_id, circle_id, delta, reason, request_id, idempotency_key, ref_type, ref_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (scope, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
			txn.ID, txn.Scope, txn.UserID, txn.CircleID, txn.Delta, txn.Reason,
			txn.RequestID, txn.IdempotencyKey, txn.RefType, txn.RefID, txn.CreatedAt,
		)
		if result.Error != nil && !db.IsDuplicateKeyErr(result.Error) {
			return nil, result.Error
		}
		if result.Error != nil || result.RowsAffected == 0 {
			existing, err := s.findByIdempotencyKey(ctx, tx, scopeKey, *req.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, gorm.ErrDuplicatedKey
			}
			metrics.ObservePointsTransaction(reason, scopeLabel(req.Scope), "duplicate")
			return existing, nil
		}
	} else {
		err := tx.WithContext(ctx).Exec(
			`INSERT INTO points_transactions (
				id, scope, user_id, circle_id, delta, reason, request_id, idempotency_key, ref_type, ref_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			txn.ID, txn.Scope, txn.UserID, txn.CircleID, txn.Delta, txn.Reason,
			txn.RequestID, txn.IdempotencyKey, txn.RefType, txn.RefID, txn.CreatedAt,
		).Error
		if err != nil {
			return nil, err
		}
	}

	if err := s.applyBalance(ctx, tx, scopeKey, req.Delta, now); err != nil {
		return nil, err
	}

	metrics.ObservePointsTransaction(reason, scopeLabel(req.Scope), "created")
	return txn, nil
}

// DebitTx performs an overdraft-guarded debit inside the caller's
// transaction. The ledger append goes first so a replayed idempotency key
// is caught before any balance change; the guarded UPDATE on the balance
// row then takes a row lock, so concurrent debits serialize and the
// balance >= amount check holds at commit time. When the guard fails the
// caller's transaction rolls back the appended row.
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, req pointsdomain.DebitRequest) (*pointsdomain.Transaction, error) {
	if req.Amount <= 0 {
		return nil, pointsdomain.ErrInvalidDelta
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, pointsdomain.ErrInvalidReason
	}

	scopeKey := req.Scope.Key()
	now := s.clock.Now().UTC()
	txn := s.buildTransaction(req.Scope, req.ActorUserID, -req.Amount, reason, req.RequestID, req.IdempotencyKey, req.RefType, req.RefID, now)

	if req.IdempotencyKey != nil {
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO points_transactions (
				id, scope, user_id, circle_id, delta, reason, request_id, idempotency_key, ref_type, ref_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (scope, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
			txn.ID, txn.Scope, txn.UserID, txn.CircleID, txn.Delta, txn.Reason,
			txn.RequestID, txn.IdempotencyKey, txn.RefType, txn.RefID, txn.CreatedAt,
		)
		if result.Error != nil {
			if db.IsDuplicateKeyErr(result.Error) {
				return s.replayedDebit(ctx, tx, req, scopeKey)
			}
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			return s.replayedDebit(ctx, tx, req, scopeKey)
		}
	} else {
		err := tx.WithContext(ctx).Exec(
			`INSERT INTO points_transactions (
				id, scope, user_id, circle_id, delta, reason, request_id, idempotency_key, ref_type, ref_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			txn.ID, txn.Scope, txn.UserID, txn.CircleID, txn.Delta, txn.Reason,
			txn.RequestID, txn.IdempotencyKey, txn.RefType, txn.RefID, txn.CreatedAt,
		).Error
		if err != nil {
			return nil, err
		}
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE points_balances
		 SET balance = balance - ?, updated_at = ?
		 WHERE scope = ? AND balance >= ?`,
		req.Amount, now, scopeKey, req.Amount,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		metrics.ObservePointsTransaction(reason, scopeLabel(req.Scope), "insufficient")
		if req.Scope.IsCircle() {
			return nil, pointsdomain.ErrInsufficientCirclePoints
		}
		return nil, pointsdomain.ErrInsufficientPoints
	}

	metrics.ObservePointsTransaction(reason, scopeLabel(req.Scope), "created")
	return txn, nil
}

// replayedDebit resolves an idempotency-key conflict to the row the first
// attempt wrote, so retries observe one debit.
func (s *Service) replayedDebit(ctx context.Context, tx *gorm.DB, req pointsdomain.DebitRequest, scopeKey string) (*pointsdomain.Transaction, error) {
	existing, err := s.findByIdempotencyKey(ctx, tx, scopeKey, *req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, gorm.ErrDuplicatedKey
	}
	metrics.ObservePointsTransaction(strings.TrimSpace(req.Reason), scopeLabel(req.Scope), "duplicate")
	return existing, nil
}

func (s *Service) BalanceOf(ctx context.Context, scope pointsdomain.Scope) (int64, error) {
	return s.BalanceOfTx(ctx, s.db, scope)
}

// BalanceOfTx reads the scope's materialized balance row. A scope with no
// ledger writes yet has no row and reads as zero.
func (s *Service) BalanceOfTx(ctx context.Context, tx *gorm.DB, scope pointsdomain.Scope) (int64, error) {
	var balance int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(
			(SELECT balance FROM points_balances WHERE scope = ?), 0
		)`,
		scope.Key(),
	).Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// History returns the scope's transactions newest first with cursor
// pagination.
func (s *Service) History(ctx context.Context, scope pointsdomain.Scope, page pagination.Pagination) ([]*pointsdomain.Transaction, *pagination.PageInfo, error) {
	size := page.PageSize
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}

	query := `SELECT id, scope, user_id, circle_id, delta, reason, request_id, idempotency_key, ref_type, ref_id, created_at
		 FROM points_transactions
		 WHERE scope = ?`
	args := []any{scope.Key()}

	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, nil, err
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, nil, err
		}
		cursorAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, cursorAt, cursorAt, cursorID)
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, size+1)

	var rows []*pointsdomain.Transaction
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, nil, err
	}

	rows, pageInfo := pagination.BuildCursorPageInfo(rows, size, func(t *pointsdomain.Transaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        t.ID.String(),
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	return rows, pageInfo, nil
}

// Earn grants the configured reward for a user action, subject to the
// reason's quota. Quota counts run inside the write transaction so
// concurrent calls cannot exceed the window.
func (s *Service) Earn(ctx context.Context, userID snowflake.ID, reason string) (*pointsdomain.EarnResult, error) {
	reason = strings.TrimSpace(reason)
	rule, ok := s.rewards.Get().EarnRules[reason]
	if !ok {
		return nil, pointsdomain.ErrUnknownEarnReason
	}

	scope := pointsdomain.PersonalScope(userID)
	now := s.clock.Now().UTC()

	if !rule.DailyOnce && s.limiter.Enabled() {
		allowed, err := s.limiter.Allow(ctx, userID, reason)
		if err != nil {
			s.log.Warn("earn limiter unavailable, falling back to ledger counts", zap.Error(err))
		} else if !allowed {
			return nil, pointsdomain.ErrRateLimited
		}
	}

	var result pointsdomain.EarnResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rule.DailyOnce {
			dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			var count int64
			err := tx.WithContext(ctx).Raw(
				`SELECT COUNT(1) FROM points_transactions
				 WHERE scope = ? AND reason = ? AND created_at >= ?`,
				scope.Key(), reason, dayStart,
			).Scan(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return pointsdomain.ErrAlreadyAwardedToday
			}
		} else {
			windowStart := now.Add(-rule.Window)
			var count int64
			err := tx.WithContext(ctx).Raw(
				`SELECT COUNT(1) FROM points_transactions
				 WHERE scope = ? AND reason = ? AND created_at > ?`,
				scope.Key(), reason, windowStart,
			).Scan(&count).Error
			if err != nil {
				return err
			}
			if count >= int64(rule.PerWindow) {
				return pointsdomain.ErrRateLimited
			}
		}

		var idempotencyKey *string
		if rule.DailyOnce {
			key := fmt.Sprintf("%s:%s", reason, now.Format("2006-01-02"))
			idempotencyKey = &key
		}

		var requestID *string
		if rid := obscontext.RequestIDFromContext(ctx); rid != "" {
			requestID = &rid
		}

		txn, err := s.AddTx(ctx, tx, pointsdomain.AddRequest{
			Scope:          scope,
			ActorUserID:    userID,
			Delta:          rule.Delta,
			Reason:         reason,
			RequestID:      requestID,
			IdempotencyKey: idempotencyKey,
		})
		if err != nil {
			return err
		}

		balance, err := s.BalanceOfTx(ctx, tx, scope)
		if err != nil {
			return err
		}

		result = pointsdomain.EarnResult{
			Earned:      true,
			Delta:       txn.Delta,
			Balance:     balance,
			Transaction: txn,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) buildTransaction(
	scope pointsdomain.Scope,
	actor snowflake.ID,
	delta int64,
	reason string,
	requestID, idempotencyKey, refType, refID *string,
	now time.Time,
) *pointsdomain.Transaction {
	txn := &pointsdomain.Transaction{
		ID:             s.genID.Generate(),
		Scope:          scope.Key(),
		Delta:          delta,
		Reason:         reason,
		RequestID:      requestID,
		IdempotencyKey: idempotencyKey,
		RefType:        refType,
		RefID:          refID,
		CreatedAt:      now,
	}
	if actor != 0 {
		actorID := actor
		txn.UserID = &actorID
	}
	if scope.IsCircle() {
		circleID := scope.ID()
		txn.CircleID = &circleID
	}
	return txn
}

func (s *Service) applyBalance(ctx context.Context, tx *gorm.DB, scopeKey string, delta int64, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO points_balances (scope, balance, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (scope) DO UPDATE SET
			balance = points_balances.balance + excluded.balance,
			updated_at = excluded.updated_at`,
		scopeKey, delta, now,
	).Error
}

func (s *Service) findByIdempotencyKey(ctx context.Context, tx *gorm.DB, scopeKey, key string) (*pointsdomain.Transaction, error) {
	var existing pointsdomain.Transaction
	err := tx.WithContext(ctx).Raw(
		`SELECT id, scope, user_id, circle_id, delta, reason, request_id, idempotency_key, ref_type, ref_id, created_at
		 FROM points_transactions
		 WHERE scope = ? AND idempotency_key = ?`,
		scopeKey, key,
	).Scan(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing.ID == 0 {
		return nil, nil
	}
	return &existing, nil
}

func scopeLabel(scope pointsdomain.Scope) string {
	if scope.IsCircle() {
		return "circle"
	}
	return "personal"
}
