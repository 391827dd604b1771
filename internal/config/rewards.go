package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RewardsConfig holds the externally supplied monetization tables: the
// price-to-plan mapping consumed by the subscription synchronizer, the
// per-reason earn rules enforced by the points ledger, and the weighted item
// pools used by the reward draw engine.
type RewardsConfig struct {
	PlanPrices map[string]string   `mapstructure:"planPrices"`
	EarnRules  map[string]EarnRule `mapstructure:"earnRules"`
	Pools      map[string]DrawPool `mapstructure:"pools"`
}

// EarnRule describes one earn reason.
type EarnRule struct {
	Delta     int64         `mapstructure:"delta"`
	PerWindow int           `mapstructure:"perWindow"`
	Window    time.Duration `mapstructure:"window"`
	DailyOnce bool          `mapstructure:"dailyOnce"`
}

// DrawPool is an ordered weighted item table with a draw cost.
type DrawPool struct {
	Cost  int64          `mapstructure:"cost"`
	Items []DrawPoolItem `mapstructure:"items"`
}

type DrawPoolItem struct {
	ItemType string `mapstructure:"itemType"`
	ItemKey  string `mapstructure:"itemKey"`
	Rarity   string `mapstructure:"rarity"`
	Weight   int64  `mapstructure:"weight"`
}

func DefaultRewardsConfig() RewardsConfig {
	return RewardsConfig{
		PlanPrices: map[string]string{},
		EarnRules: map[string]EarnRule{
			"share_copy":  {Delta: 5, PerWindow: 5, Window: time.Minute},
			"daily_visit": {Delta: 10, DailyOnce: true},
		},
		Pools: map[string]DrawPool{
			"standard": {
				Cost: 100,
				Items: []DrawPoolItem{
					{ItemType: "frame", ItemKey: "frame_spark", Rarity: "N", Weight: 60},
					{ItemType: "frame", ItemKey: "frame_aurora", Rarity: "R", Weight: 30},
					{ItemType: "badge", ItemKey: "badge_comet", Rarity: "SR", Weight: 9},
					{ItemType: "badge", ItemKey: "badge_nova", Rarity: "SSR", Weight: 1},
				},
			},
			"circle": {
				Cost: 100,
				Items: []DrawPoolItem{
					{ItemType: "frame", ItemKey: "frame_banner", Rarity: "N", Weight: 70},
					{ItemType: "sticker", ItemKey: "sticker_wave", Rarity: "R", Weight: 25},
					{ItemType: "sticker", ItemKey: "sticker_flare", Rarity: "SR", Weight: 5},
				},
			},
		},
	}
}

// RewardsConfigHolder serves an atomically swapped RewardsConfig snapshot so
// hot reloads never race in-flight readers.
type RewardsConfigHolder struct {
	current atomic.Value // holds RewardsConfig
}

func NewRewardsConfigHolder() (*RewardsConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("rewards")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/fanhive/config")
	v.AddConfigPath("/etc/fanhive")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FANHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultRewardsConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	} else {
		if err := v.UnmarshalKey("rewards", &cfg); err != nil {
			return nil, err
		}
		if err := validateRewardsConfig(cfg); err != nil {
			return nil, err
		}
	}

	holder := &RewardsConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultRewardsConfig()
		if err := v.UnmarshalKey("rewards", &updated); err != nil {
			log.Printf("[rewards-config] reload failed: %v", err)
			return
		}
		if err := validateRewardsConfig(updated); err != nil {
			log.Printf("[rewards-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[rewards-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticRewardsConfigHolder wraps a fixed config, used by tests.
func NewStaticRewardsConfigHolder(cfg RewardsConfig) *RewardsConfigHolder {
	holder := &RewardsConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *RewardsConfigHolder) Get() RewardsConfig {
	return h.current.Load().(RewardsConfig)
}

func validateRewardsConfig(cfg RewardsConfig) error {
	for reason, rule := range cfg.EarnRules {
		if rule.Delta == 0 {
			return errors.New("rewards.earnRules." + reason + ": delta cannot be zero")
		}
		if rule.PerWindow > 0 && rule.Window <= 0 {
			return errors.New("rewards.earnRules." + reason + ": window required with perWindow")
		}
	}
	for key, pool := range cfg.Pools {
		if pool.Cost <= 0 {
			return errors.New("rewards.pools." + key + ": cost must be positive")
		}
		if len(pool.Items) == 0 {
			return errors.New("rewards.pools." + key + ": items cannot be empty")
		}
		total := int64(0)
		for _, item := range pool.Items {
			if item.Weight <= 0 {
				return errors.New("rewards.pools." + key + ": item weight must be positive")
			}
			total += item.Weight
		}
		if total <= 0 {
			return errors.New("rewards.pools." + key + ": total weight must be positive")
		}
	}
	return nil
}
