package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/fanhive/fanhive/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyEarnUser = "points:earn:%s:%d"

// EarnLimiter is a cheap shared fast path in front of the authoritative
// quota counts performed inside the ledger transaction. A nil limiter
// always allows.
type EarnLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewEarnLimiter(cfg config.Config) (*EarnLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.EarnRate <= 0 || limitCfg.EarnBurst <= 0 {
		return nil, errors.New("earn rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &EarnLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.EarnRate,
		burst:   limitCfg.EarnBurst,
	}, nil
}

func (l *EarnLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow consumes one token for the user+reason pair.
func (l *EarnLimiter) Allow(ctx context.Context, userID snowflake.ID, reason string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyEarnUser, strings.TrimSpace(reason), userID), l.rate, l.burst)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
