package main

import (
	"fmt"
	"os"

	"github.com/npezzotti/go-finance-realtime/internal/config"
	"github.com/npezzotti/go-finance-realtime/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"

	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rtgateway",
	Short: "Tenant-isolated realtime presence and event gateway",
	Long: `rtgateway admits authenticated websocket connections, tracks per-tenant
presence in Redis and fans domain events out to tenant, entity and user rooms.

Settings are read from the environment, optionally seeded from a .env file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a .env file (default ./.env if present)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
}

// setup loads the configuration and builds the process logger every
// subcommand starts from.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	return cfg, logger, nil
}
