package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/microcosm-cc/bluemonday"
	"github.com/npezzotti/go-finance-realtime/internal/api"
	"github.com/npezzotti/go-finance-realtime/internal/auth"
	"github.com/npezzotti/go-finance-realtime/internal/config"
	"github.com/npezzotti/go-finance-realtime/internal/database"
	"github.com/npezzotti/go-finance-realtime/internal/events"
	"github.com/npezzotti/go-finance-realtime/internal/presence"
	"github.com/npezzotti/go-finance-realtime/internal/ratelimit"
	"github.com/npezzotti/go-finance-realtime/internal/server"
	"github.com/npezzotti/go-finance-realtime/internal/stats"
	"github.com/npezzotti/go-finance-realtime/internal/workers"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket gateway and HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) (err error) {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	repo, err := database.NewPgIdentityRepository(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		err = multierr.Append(err, repo.Close())
	}()

	rdb, err := presence.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() {
		err = multierr.Append(err, rdb.Close())
	}()

	pm := presence.NewManager(presence.NewRedisStore(rdb), logger,
		presence.WithTTL(cfg.PresenceTTL),
		presence.WithKeyPrefix(cfg.KeyPrefix),
	)

	ipl, err := ratelimit.NewIPLimiter(ratelimit.IPConfig{
		MaxRequests:   cfg.IPMaxRequests,
		Window:        cfg.IPWindow,
		BlockDuration: cfg.IPBlockDuration,
		MaxTracked:    cfg.IPMaxTracked,
	})
	if err != nil {
		return err
	}
	idl, err := ratelimit.NewIdentityLimiter(ratelimit.IdentityConfig{
		MaxConnections: cfg.ConnMax,
		Window:         cfg.ConnWindow,
		Cooldown:       cfg.ConnCooldown,
	})
	if err != nil {
		return err
	}

	su := stats.NewStatsUpdater()
	gate := auth.NewGate(auth.NewService(cfg.SigningKey, repo), cfg.AllowedOrigins, logger)
	hub := server.NewHub(logger, su)

	var b server.Broadcaster
	switch cfg.BroadcastMode {
	case config.BroadcastRedis:
		b = server.NewRedisBroadcaster(rdb, cfg.KeyPrefix, hub, logger)
	default:
		b = server.NewLocalBroadcaster(hub)
	}

	gw := server.NewGateway(hub, pm, gate, idl, b, su, logger,
		server.WithConfig(server.GatewayConfig{
			MessageRate:     rate.Limit(cfg.MessageRate),
			MessageBurst:    cfg.MessageBurst,
			SendBuffer:      server.DefaultSendBuffer,
			PresenceRefresh: cfg.PresenceTTL / 2,
		}),
		server.WithSanitizer(events.NewSanitizer(events.WithHTMLPolicy(bluemonday.StrictPolicy()))),
	)

	app := api.NewRealtimeApp(logger, api.Deps{
		Gateway:         gw,
		Gate:            gate,
		IPLimiter:       ipl,
		IdentityLimiter: idl,
		Presence:        pm,
		Stats:           su,
		Metrics:         su.Handler(),
		Checks: map[string]api.Pinger{
			"redis":    pm,
			"postgres": repo,
		},
	}, cfg)

	worker := workers.NewMaintenance(pm, su, logger, cfg.SweepInterval, cfg.StaleMaxAge, ipl, idl)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting gateway",
		zap.String("version", Version),
		zap.String("broadcast_mode", cfg.BroadcastMode),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		if err := app.Start(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	worker.Start()

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		worker.Stop()
		return multierr.Combine(
			app.Shutdown(shutdownCtx),
			gw.Shutdown(shutdownCtx),
			b.Close(),
		)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
