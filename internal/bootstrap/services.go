// Package bootstrap assembles the playback service graph shared by the api and
// the cron worker.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/streamfair-backend/internal/engagement"
	"github.com/angelmondragon/streamfair-backend/internal/metering"
	"github.com/angelmondragon/streamfair-backend/internal/playback"
	"github.com/angelmondragon/streamfair-backend/internal/pricing"
	"github.com/angelmondragon/streamfair-backend/internal/sessions"
	"github.com/angelmondragon/streamfair-backend/internal/settlement"
	"github.com/angelmondragon/streamfair-backend/internal/videos"
	"github.com/angelmondragon/streamfair-backend/pkg/config"
	"github.com/angelmondragon/streamfair-backend/pkg/db"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	"github.com/angelmondragon/streamfair-backend/pkg/locks"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
	"github.com/angelmondragon/streamfair-backend/pkg/metrics"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox"
	"github.com/angelmondragon/streamfair-backend/pkg/redis"
)

type Params struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *db.Client
	// Redis is optional. Without it keys are locked in-process only, which is
	// only safe for a single api instance.
	Redis    *redis.Client
	Registry prometheus.Registerer
}

type Services struct {
	Videos     videos.Service
	Sessions   sessions.Service
	Engagement engagement.Service
	Reconciler *metering.Reconciler
	Playback   playback.Service
	Provider   settlement.Provider

	VideoRepo *videos.Repository
	Outbox    *outbox.Repository

	close func()
}

// Close releases the settlement provider's backing store.
func (s *Services) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

func Build(ctx context.Context, p Params) (*Services, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("config required")
	}
	if p.DB == nil {
		return nil, fmt.Errorf("db client required")
	}
	cfg, logg := p.Config, p.Logger
	conn := p.DB.DB()

	locker, err := newLocker(cfg, p.Redis, logg)
	if err != nil {
		return nil, err
	}

	outboxRepo := outbox.NewRepository(conn)
	emitter := outbox.NewService(outboxRepo, logg)
	videoRepo := videos.NewRepository(conn)
	sessionRepo := sessions.NewRepository(conn)

	videoSvc, err := videos.NewService(videoRepo)
	if err != nil {
		return nil, fmt.Errorf("videos service: %w", err)
	}

	sessionSvc, err := sessions.NewService(sessions.ServiceParams{
		DB:     p.DB,
		Repo:   sessionRepo,
		Videos: videoRepo,
		Outbox: emitter,
		Logger: logg,
		Progress: sessions.ProgressBound{
			Rate:  cfg.Metering.MaxProgressRate,
			Slack: cfg.Metering.ProgressSlack,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sessions service: %w", err)
	}

	engagementSvc, err := engagement.NewService(engagement.ServiceParams{
		DB:     p.DB,
		Videos: videoRepo,
		Stats:  engagement.NewRepository(conn),
		Locker: locker,
		Outbox: emitter,
		Logger: logg,
	})
	if err != nil {
		return nil, fmt.Errorf("engagement service: %w", err)
	}

	provider, closeProvider, err := settlement.New(ctx, cfg.Settlement)
	if err != nil {
		return nil, fmt.Errorf("settlement provider: %w", err)
	}

	reconciler, err := metering.NewReconciler(metering.ReconcilerParams{
		DB:            p.DB,
		Sessions:      sessionRepo,
		Ledger:        metering.NewRepository(conn),
		Provider:      provider,
		Locker:        locker,
		Outbox:        emitter,
		Metrics:       metrics.NewSettlementMetrics(p.Registry),
		Logger:        logg,
		DefaultPayer:  cfg.Settlement.DefaultPayerAccount,
		ChargeTimeout: cfg.Settlement.ChargeTimeout,
	})
	if err != nil {
		closeProvider()
		return nil, fmt.Errorf("reconciler: %w", err)
	}

	engine, err := NewPricingEngine(cfg.Pricing)
	if err != nil {
		closeProvider()
		return nil, err
	}

	playbackSvc, err := playback.NewService(playback.ServiceParams{
		Videos:     videoSvc,
		Sessions:   sessionSvc,
		Reconciler: reconciler,
		Engagement: engagementSvc,
		Pricing:    engine,
		Logger:     logg,
	})
	if err != nil {
		closeProvider()
		return nil, fmt.Errorf("playback service: %w", err)
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"settlement_provider": provider.Name(),
			"pricing_policy":      cfg.Pricing.Policy,
			"shared_locks":        p.Redis != nil,
		}), "playback services ready")
	}

	return &Services{
		Videos:     videoSvc,
		Sessions:   sessionSvc,
		Engagement: engagementSvc,
		Reconciler: reconciler,
		Playback:   playbackSvc,
		Provider:   provider,
		VideoRepo:  videoRepo,
		Outbox:     outboxRepo,
		close:      closeProvider,
	}, nil
}

// NewPricingEngine maps process configuration onto the pricing engine.
func NewPricingEngine(cfg config.PricingConfig) (*pricing.Engine, error) {
	policy, err := enums.ParsePricingPolicy(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("pricing policy: %w", err)
	}
	engine, err := pricing.NewEngine(pricing.Config{
		BasePrice:    cfg.BasePriceCents,
		Policy:       policy,
		DemandWeight: cfg.DemandWeight,
		TargetRatio:  cfg.TargetRatio,
		MaxShiftPct:  cfg.MaxShiftPct,
	})
	if err != nil {
		return nil, fmt.Errorf("pricing engine: %w", err)
	}
	return engine, nil
}

func newLocker(cfg *config.Config, client *redis.Client, logg *logger.Logger) (locks.Locker, error) {
	if client == nil {
		return locks.NewLocalLocker(), nil
	}
	locker, err := locks.NewRedisLocker(locks.RedisLockerParams{
		Client:  client,
		KeyFunc: client.LockKey,
		TTL:     cfg.Metering.LockTTL,
		Wait:    cfg.Metering.LockWait,
		OnRelease: func(err error) {
			if logg != nil {
				logg.Warn(logg.WithField(context.Background(), "error", err.Error()), "lock release failed")
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("redis locker: %w", err)
	}
	return locker, nil
}
