// Package api is the gateway's HTTP surface: the websocket admission
// pipeline on /ws, event ingestion, presence queries, health and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-finance-realtime/internal/auth"
	"github.com/npezzotti/go-finance-realtime/internal/config"
	"github.com/npezzotti/go-finance-realtime/internal/presence"
	"github.com/npezzotti/go-finance-realtime/internal/ratelimit"
	"github.com/npezzotti/go-finance-realtime/internal/server"
	"github.com/npezzotti/go-finance-realtime/internal/stats"
	"go.uber.org/zap"
)

type PresenceReader interface {
	GetOnlineUsers(ctx context.Context, tenantId string) []presence.Record
	GetUserPresence(ctx context.Context, tenantId, userId string) *presence.Record
	GetOnlineUserCount(ctx context.Context, tenantId string) int64
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the long-lived collaborators the app routes requests to.
type Deps struct {
	Gateway         *server.Gateway
	Gate            *auth.Gate
	IPLimiter       *ratelimit.IPLimiter
	IdentityLimiter *ratelimit.IdentityLimiter
	Presence        PresenceReader
	Stats           stats.StatsProvider
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Checks are pinged by /healthz, keyed by the name reported back.
	Checks map[string]Pinger
}

type RealtimeApp struct {
	log      *zap.Logger
	srv      *http.Server
	gw       *server.Gateway
	gate     *auth.Gate
	ipl      *ratelimit.IPLimiter
	idl      *ratelimit.IdentityLimiter
	presence PresenceReader
	stats    stats.StatsProvider
	checks   map[string]Pinger
}

func NewRealtimeApp(logger *zap.Logger, deps Deps, cfg *config.Config) *RealtimeApp {
	deps.Stats.RegisterCounter(stats.AdmissionDenied)
	deps.Stats.RegisterCounter(stats.AuthFailed)
	deps.Stats.RegisterCounter(stats.TenantViolations)

	s := &RealtimeApp{
		log:      logger.Named("api"),
		gw:       deps.Gateway,
		gate:     deps.Gate,
		ipl:      deps.IPLimiter,
		idl:      deps.IdentityLimiter,
		presence: deps.Presence,
		stats:    deps.Stats,
		checks:   deps.Checks,
	}

	r := chi.NewRouter()
	r.Get("/ws", s.serveWs)
	r.Get("/healthz", s.healthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/events", s.publishEvent)
		r.Get("/presence", s.onlineUsers)
		r.Get("/presence/count", s.onlineUserCount)
		r.Get("/presence/users/{userID}", s.userPresence)
	})

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(r)

	if cfg.TrustProxyHeaders {
		h = handlers.ProxyHeaders(h)
	}

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *RealtimeApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *RealtimeApp) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *RealtimeApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
