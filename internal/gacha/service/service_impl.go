package service

import (
	"context"
	"math/rand"

	"github.com/bwmarrin/snowflake"
	"github.com/fanhive/fanhive/internal/clock"
	"github.com/fanhive/fanhive/internal/config"
	gachadomain "github.com/fanhive/fanhive/internal/gacha/domain"
	"github.com/fanhive/fanhive/internal/observability/metrics"
	pointsdomain "github.com/fanhive/fanhive/internal/points/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	reasonDrawCost       = "gacha_draw_cost"
	reasonCircleDrawCost = "circle_gacha_draw_cost"
)

// RandFunc draws a uniform value in [0, n). Injected for deterministic
// tests; the default is math/rand.
type RandFunc func(n int64) int64

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Points  pointsdomain.Service
	Rewards *config.RewardsConfigHolder
	Clock   clock.Clock
	Rand    RandFunc `optional:"true"`
}

// Service runs weighted reward draws. The debit, the unlock upsert, and
// the audit log commit in one storage transaction so points are never
// spent without a recorded prize.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	points  pointsdomain.Service
	rewards *config.RewardsConfigHolder
	clock   clock.Clock
	randN   RandFunc
}

func NewService(p Params) gachadomain.Service {
	randN := p.Rand
	if randN == nil {
		randN = rand.Int63n
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("gacha.service"),
		genID:   p.GenID,
		points:  p.Points,
		rewards: p.Rewards,
		clock:   p.Clock,
		randN:   randN,
	}
}

// Draw debits the pool cost from the scope balance, selects an item by
// weighted random sampling, credits the unlock, and records the outcome.
// All four effects commit together or none do.
func (s *Service) Draw(ctx context.Context, userID snowflake.ID, circleID *snowflake.ID, poolCode string) (*gachadomain.DrawResult, error) {
	pool, ok := s.rewards.Get().Pools[poolCode]
	if !ok {
		return nil, gachadomain.ErrUnknownPool
	}

	totalWeight := int64(0)
	for _, item := range pool.Items {
		if item.Weight > 0 {
			totalWeight += item.Weight
		}
	}
	if totalWeight == 0 {
		return nil, gachadomain.ErrEmptyPool
	}

	scope := pointsdomain.PersonalScope(userID)
	reason := reasonDrawCost
	if circleID != nil {
		scope = pointsdomain.CircleScope(*circleID)
		reason = reasonCircleDrawCost
	}

	var result gachadomain.DrawResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		logID := s.genID.Generate()
		logRef := logID.String()
		refType := "gacha_log"
		_, err := s.points.DebitTx(ctx, tx, pointsdomain.DebitRequest{
			Scope:       scope,
			ActorUserID: userID,
			Amount:      pool.Cost,
			Reason:      reason,
			RefType:     &refType,
			RefID:       &logRef,
		})
		if err != nil {
			return err
		}

		item := s.pickItem(pool.Items, totalWeight)

		isNew, err := s.creditUnlock(ctx, tx, userID, item, poolCode)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		err = tx.WithContext(ctx).Exec(
			`INSERT INTO gacha_logs (
				id, scope, user_id, circle_id, pool_code, cost, item_type, item_key, rarity, is_new, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			logID, scope.Key(), userID, circleID, poolCode, pool.Cost,
			item.ItemType, item.ItemKey, item.Rarity, isNew, now,
		).Error
		if err != nil {
			return err
		}

		balance, err := s.points.BalanceOfTx(ctx, tx, scope)
		if err != nil {
			return err
		}

		result = gachadomain.DrawResult{
			Cost:    pool.Cost,
			Balance: balance,
			Prize: gachadomain.Prize{
				ItemType: item.ItemType,
				ItemKey:  item.ItemKey,
				Rarity:   item.Rarity,
				IsNew:    isNew,
			},
		}
		return nil
	})
	if err != nil {
		metrics.ObserveGachaDraw(scopeLabel(circleID), "", "failed")
		return nil, err
	}

	metrics.ObserveGachaDraw(scopeLabel(circleID), result.Prize.Rarity, "drawn")
	s.log.Info("reward drawn",
		zap.Int64("user_id", int64(userID)),
		zap.String("pool_code", poolCode),
		zap.String("item_key", result.Prize.ItemKey),
		zap.String("rarity", result.Prize.Rarity),
		zap.Bool("is_new", result.Prize.IsNew),
		zap.Int64("cost", result.Cost),
	)
	return &result, nil
}

// pickItem walks cumulative weights until the drawn value falls in range.
func (s *Service) pickItem(items []config.DrawPoolItem, totalWeight int64) config.DrawPoolItem {
	drawn := s.randN(totalWeight)
	cumulative := int64(0)
	for _, item := range items {
		if item.Weight <= 0 {
			continue
		}
		cumulative += item.Weight
		if drawn < cumulative {
			return item
		}
	}
	return items[len(items)-1]
}

func (s *Service) creditUnlock(ctx context.Context, tx *gorm.DB, userID snowflake.ID, item config.DrawPoolItem, poolCode string) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO user_unlocks (id, user_id, item_type, item_key, rarity, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, item_type, item_key) DO NOTHING`,
		s.genID.Generate(), userID, item.ItemType, item.ItemKey, item.Rarity,
		"gacha:"+poolCode, s.clock.Now().UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func scopeLabel(circleID *snowflake.ID) string {
	if circleID != nil {
		return "circle"
	}
	return "personal"
}
