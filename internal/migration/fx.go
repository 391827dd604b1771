package migration

import (
	"github.com/fanhive/fanhive/internal/config"
	"github.com/fanhive/fanhive/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if cfg.DBType != "postgres" {
			log.Warn("skipping embedded migrations, schema must be managed externally",
				zap.String("db_type", cfg.DBType),
			)
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		if !cfg.IsProduction() {
			return seed.EnsureDemoUsers(conn)
		}
		return nil
	}),
)
