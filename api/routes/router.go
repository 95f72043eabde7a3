package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/streamfair-backend/api/controllers"
	"github.com/angelmondragon/streamfair-backend/api/middleware"
	"github.com/angelmondragon/streamfair-backend/internal/playback"
	"github.com/angelmondragon/streamfair-backend/pkg/config"
	"github.com/angelmondragon/streamfair-backend/pkg/db"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
	"github.com/angelmondragon/streamfair-backend/pkg/metrics"
	"github.com/angelmondragon/streamfair-backend/pkg/redis"
)

// Params wires the router. Redis is optional; a nil client disables
// idempotency replay and heartbeat rate limiting.
type Params struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       db.Pinger
	Redis    *redis.Client
	Playback playback.Service
	Gatherer prometheus.Gatherer
	Metrics  *metrics.HTTPMetrics
}

func NewRouter(p Params) http.Handler {
	cfg, logg := p.Config, p.Logger

	// Keep nil as an untyped nil so the middleware nil checks see it.
	var (
		idempotencyStore redis.IdempotencyStore
		rateStore        middleware.FixedWindowLimiter
		redisPinger controllers.Pinger
	)
	if p.Redis != nil {
		idempotencyStore = p.Redis
		rateStore = p.Redis
		redisPinger = p.Redis
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Metrics(p.Metrics),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, map[string]controllers.Pinger{
			"db":    p.DB,
			"redis": redisPinger,
		}, logg))
	})

	if p.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	heartbeatPolicy := middleware.NewHeartbeatRateLimitPolicy(cfg.Metering.HeartbeatWindow, cfg.Metering.HeartbeatLimit)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.WalletCredential(logg))

		r.Get("/videos/{videoId}/price", controllers.VideoPrice(p.Playback, logg))
		r.Get("/settlement/status", controllers.SettlementStatus(p.Playback, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Installation(logg))
			r.Use(middleware.Idempotency(idempotencyStore, logg))

			r.Post("/sessions", controllers.StartSession(p.Playback, logg))
			r.Post("/sessions/decline", controllers.DeclineSession(p.Playback, logg))
			r.Get("/history", controllers.History(p.Playback, logg))
		})

		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Use(middleware.Idempotency(idempotencyStore, logg))
			r.With(middleware.HeartbeatRateLimit(heartbeatPolicy, rateStore, logg)).
				Post("/events", controllers.ReportProgress(p.Playback, logg))
			r.Post("/end", controllers.EndSession(p.Playback, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.JWT, logg))

		r.Get("/videos", controllers.AdminListVideos(p.Playback, logg))
		r.Put("/videos/{videoId}/override", controllers.AdminSetOverridePrice(p.Playback, logg))
		r.Put("/videos/{videoId}/seed", controllers.AdminSetManualSeed(p.Playback, logg))
		r.Get("/sessions", controllers.AdminListSessions(p.Playback, logg))
	})

	return r
}
