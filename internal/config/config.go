// Package config loads gateway settings from the environment and an optional
// .env file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BroadcastLocal = "local"
	BroadcastRedis = "redis"
)

type Config struct {
	ServerAddr        string        `mapstructure:"ADDR"`
	DatabaseDSN       string        `mapstructure:"DATABASE_URL"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	SigningSecret     string        `mapstructure:"SIGNING_KEY"`
	AllowedOriginsRaw string        `mapstructure:"ALLOWED_ORIGINS"`
	KeyPrefix         string        `mapstructure:"KEY_PREFIX"`
	PresenceTTL       time.Duration `mapstructure:"PRESENCE_TTL"`

	IPMaxRequests   int           `mapstructure:"IP_MAX_REQUESTS"`
	IPWindow        time.Duration `mapstructure:"IP_WINDOW"`
	IPBlockDuration time.Duration `mapstructure:"IP_BLOCK_DURATION"`
	IPMaxTracked    int           `mapstructure:"IP_MAX_TRACKED"`

	ConnMax      int           `mapstructure:"CONN_MAX"`
	ConnWindow   time.Duration `mapstructure:"CONN_WINDOW"`
	ConnCooldown time.Duration `mapstructure:"CONN_COOLDOWN"`

	// SweepInterval of zero disables the in-process maintenance worker.
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	StaleMaxAge   time.Duration `mapstructure:"STALE_MAX_AGE"`

	BroadcastMode string  `mapstructure:"BROADCAST_MODE"`
	MessageRate   float64 `mapstructure:"MESSAGE_RATE"`
	MessageBurst  int     `mapstructure:"MESSAGE_BURST"`

	TrustProxyHeaders bool          `mapstructure:"TRUST_PROXY_HEADERS"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	LogJSON           bool          `mapstructure:"LOG_JSON"`
	ShutdownTimeout   time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	SigningKey     []byte   `mapstructure:"-"`
	AllowedOrigins []string `mapstructure:"-"`
}

var defaults = map[string]any{
	"ADDR":                ":8000",
	"DATABASE_URL":        "",
	"REDIS_URL":           "redis://localhost:6379/0",
	"SIGNING_KEY":         "",
	"ALLOWED_ORIGINS":     "",
	"KEY_PREFIX":          "rt:",
	"PRESENCE_TTL":        "5m",
	"IP_MAX_REQUESTS":     100,
	"IP_WINDOW":           "60s",
	"IP_BLOCK_DURATION":   "15m",
	"IP_MAX_TRACKED":      100000,
	"CONN_MAX":            5,
	"CONN_WINDOW":         "60s",
	"CONN_COOLDOWN":       "1s",
	"SWEEP_INTERVAL":      "1m",
	"STALE_MAX_AGE":       "10m",
	"BROADCAST_MODE":      BroadcastLocal,
	"MESSAGE_RATE":        10,
	"MESSAGE_BURST":       20,
	"TRUST_PROXY_HEADERS": false,
	"LOG_LEVEL":           "info",
	"LOG_JSON":            true,
	"SHUTDOWN_TIMEOUT":    "10s",
}

// Load reads path (".env" when empty) if it exists, then overlays the
// environment. A missing default file is ignored; a missing explicit one is
// an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.AllowedOrigins = splitList(cfg.AllowedOriginsRaw)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.ServerAddr == "":
		return errors.New("config: ADDR must be set")
	case c.RedisURL == "":
		return errors.New("config: REDIS_URL must be set")
	case c.PresenceTTL <= 0:
		return errors.New("config: PRESENCE_TTL must be positive")
	case c.IPMaxRequests <= 0 || c.IPWindow <= 0 || c.IPBlockDuration <= 0 || c.IPMaxTracked <= 0:
		return errors.New("config: IP_* limits must be positive")
	case c.ConnMax <= 0 || c.ConnWindow <= 0 || c.ConnCooldown < 0:
		return errors.New("config: CONN_* limits must be positive")
	case c.SweepInterval < 0 || c.StaleMaxAge <= 0:
		return errors.New("config: SWEEP_INTERVAL must not be negative and STALE_MAX_AGE must be positive")
	case c.MessageRate <= 0 || c.MessageBurst <= 0:
		return errors.New("config: MESSAGE_RATE and MESSAGE_BURST must be positive")
	case c.ShutdownTimeout <= 0:
		return errors.New("config: SHUTDOWN_TIMEOUT must be positive")
	}
	if c.BroadcastMode != BroadcastLocal && c.BroadcastMode != BroadcastRedis {
		return fmt.Errorf("config: BROADCAST_MODE must be %q or %q, got %q", BroadcastLocal, BroadcastRedis, c.BroadcastMode)
	}
	return nil
}

// ValidateServe checks the settings only the serve command needs and decodes
// the signing key.
func (c *Config) ValidateServe() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed origins cannot be empty")
	}
	return c.ResolveSigningKey()
}

// ResolveSigningKey decodes SIGNING_KEY into SigningKey.
func (c *Config) ResolveSigningKey() error {
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey
	return nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, errors.New("empty signing key")
	}
	return key, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
