package main

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/go-finance-realtime/internal/auth"
	"github.com/npezzotti/go-finance-realtime/internal/database"
	"github.com/npezzotti/go-finance-realtime/internal/presence"
	"github.com/npezzotti/go-finance-realtime/internal/stats"
	"github.com/npezzotti/go-finance-realtime/internal/types"
	"github.com/npezzotti/go-finance-realtime/internal/workers"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const sweepTimeout = 2 * time.Minute

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Force stale presence offline once and exit",
	Long: `Runs a single stale presence sweep against Redis. Intended for external
schedulers when SWEEP_INTERVAL=0 disables the in-process worker.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

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

		ctx, cancel := context.WithTimeout(cmd.Context(), sweepTimeout)
		defer cancel()

		res, err := workers.NewMaintenance(pm, stats.NopStats{}, logger, 0, cfg.StaleMaxAge).RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}

		logger.Info("sweep complete",
			zap.Int("forced_offline", res.ForcedOffline),
			zap.Int("pruned", res.Pruned),
		)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the identity schema migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if err := database.Migrate(cfg.DatabaseDSN, args[0]); err != nil {
			return err
		}

		logger.Info("migrations applied", zap.String("direction", args[0]))
		return nil
	},
}

var tokenOpts struct {
	userId   string
	tenantId string
	email    string
	role     string
	ttl      time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign an access token for a user, for local testing and service callers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := loadSigningKey()
		if err != nil {
			return err
		}

		svc := auth.NewService(key, nil)
		token, err := svc.IssueToken(types.Identity{
			UserId:   tokenOpts.userId,
			TenantId: tokenOpts.tenantId,
			Email:    tokenOpts.email,
			Role:     types.Role(tokenOpts.role),
		}, tokenOpts.ttl)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenOpts.userId, "user", "", "user id (sub claim)")
	f.StringVar(&tokenOpts.tenantId, "tenant", "", "tenant id")
	f.StringVar(&tokenOpts.email, "email", "", "email claim")
	f.StringVar(&tokenOpts.role, "role", string(types.RoleMember), "role claim")
	f.DurationVar(&tokenOpts.ttl, "ttl", time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("user")
	tokenCmd.MarkFlagRequired("tenant")
}

func loadSigningKey() ([]byte, error) {
	cfg, _, err := setup()
	if err != nil {
		return nil, err
	}
	if err := cfg.ResolveSigningKey(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg.SigningKey, nil
}
