package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/fanhive/fanhive/internal/billing"
	"github.com/fanhive/fanhive/internal/billing/webhook"
	"github.com/fanhive/fanhive/internal/clock"
	"github.com/fanhive/fanhive/internal/config"
	"github.com/fanhive/fanhive/internal/gacha"
	gachadomain "github.com/fanhive/fanhive/internal/gacha/domain"
	"github.com/fanhive/fanhive/internal/migration"
	"github.com/fanhive/fanhive/internal/observability"
	obsmiddleware "github.com/fanhive/fanhive/internal/observability/logger"
	obsmetrics "github.com/fanhive/fanhive/internal/observability/metrics"
	obstracing "github.com/fanhive/fanhive/internal/observability/tracing"
	"github.com/fanhive/fanhive/internal/points"
	pointsdomain "github.com/fanhive/fanhive/internal/points/domain"
	"github.com/fanhive/fanhive/internal/ratelimit"
	"github.com/fanhive/fanhive/internal/subscription"
	subscriptiondomain "github.com/fanhive/fanhive/internal/subscription/domain"
	"github.com/fanhive/fanhive/internal/user"
	userdomain "github.com/fanhive/fanhive/internal/user/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	migration.Module,
	ratelimit.Module,
	user.Module,
	subscription.Module,
	points.Module,
	gacha.Module,
	billing.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	genID      *snowflake.Node
	clock      clock.Clock
	webhookSvc *webhook.Service
	pointsSvc  pointsdomain.Service
	gachaSvc   gachadomain.Service
	userRepo   userdomain.Repository
	subRepo    subscriptiondomain.Repository
	rewards    *config.RewardsConfigHolder
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	GenID      *snowflake.Node
	Clock      clock.Clock
	WebhookSvc *webhook.Service
	PointsSvc  pointsdomain.Service
	GachaSvc   gachadomain.Service
	UserRepo   userdomain.Repository
	SubRepo    subscriptiondomain.Repository
	Rewards    *config.RewardsConfigHolder
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		genID:      p.GenID,
		clock:      p.Clock,
		webhookSvc: p.WebhookSvc,
		pointsSvc:  p.PointsSvc,
		gachaSvc:   p.GachaSvc,
		userRepo:   p.UserRepo,
		subRepo:    p.SubRepo,
		rewards:    p.Rewards,
	}
	svc.registerRoutes()
	return svc
}

func (s *Server) registerRoutes() {
	s.engine.POST("/billing/webhook", s.HandleBillingWebhook)

	me := s.engine.Group("/me", s.UserRequired())
	{
		me.GET("", s.HandleMe)
		me.GET("/points", s.HandleMyPoints)
		me.POST("/points/earn", s.HandleEarnPoints)
		me.POST("/gacha/pull", s.HandleGachaPull)
	}

	circles := s.engine.Group("/circles/:circle_id", s.UserRequired())
	{
		circles.GET("/points", s.HandleCirclePoints)
		circles.POST("/gacha/draw", s.HandleCircleGachaDraw)
	}
}
