package billing

import (
	"context"

	"github.com/fanhive/fanhive/internal/billing/jobs"
	"github.com/fanhive/fanhive/internal/billing/sync"
	"github.com/fanhive/fanhive/internal/billing/webhook"
	"github.com/fanhive/fanhive/internal/clock"
	"github.com/fanhive/fanhive/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("billing",
	fx.Provide(
		newVerifier,
		sync.NewService,
		newQueue,
		newDispatcher,
		newApplier,
		webhook.NewService,
	),
)

func newVerifier(cfg config.Config, clk clock.Clock, log *zap.Logger) *webhook.Verifier {
	policy := webhook.PolicyPermissive
	if cfg.IsProduction() {
		policy = webhook.PolicyEnforce
	}
	return webhook.NewVerifier(cfg.BillingWebhookSecret, policy, clk, log)
}

func newApplier(s *sync.Service) jobs.Applier {
	return s
}

func newQueue(lc fx.Lifecycle, conn *gorm.DB, log *zap.Logger, sink jobs.Applier, cfg config.Config) *jobs.Queue {
	queue := jobs.NewQueue(conn, log, sink, cfg.SyncQueueSize)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			queue.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return queue.Stop(ctx)
		},
	})
	return queue
}

func newDispatcher(q *jobs.Queue) jobs.Dispatcher {
	return q
}
