// Package seed bootstraps demo data for local development environments.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	demoUserID       = snowflake.ID(1)
	demoTrialUserID  = snowflake.ID(2)
	demoDisplayName  = "Demo Fan"
	trialDisplayName = "Trial Fan"
	demoTrialDays    = 14
)

// EnsureDemoUsers seeds two demo accounts so the API is usable right after
// a fresh start. Existing rows are left untouched.
func EnsureDemoUsers(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	now := time.Now().UTC()
	trialEnd := now.AddDate(0, 0, demoTrialDays)

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.WithContext(ctx).Exec(
			`INSERT INTO users (id, display_name, plan, created_at, updated_at)
			 VALUES (?, ?, 'free', ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			demoUserID, demoDisplayName, now, now,
		).Error
		if err != nil {
			return err
		}

		return tx.WithContext(ctx).Exec(
			`INSERT INTO users (id, display_name, plan, trial_ends_at, created_at, updated_at)
			 VALUES (?, ?, 'free', ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			demoTrialUserID, trialDisplayName, trialEnd, now, now,
		).Error
	})
}
