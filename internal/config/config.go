// Package config loads the exchange configuration from an optional
// config file plus MINUTEX_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port       string `mapstructure:"port"`
	StaticDir  string `mapstructure:"static_dir"`
	CORSOrigin string `mapstructure:"cors_origin"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url"` // empty → in-memory store
}

// RedisConfig holds the optional Redis cache settings.
type RedisConfig struct {
	URL string        `mapstructure:"url"` // empty → no cache layer
	TTL time.Duration `mapstructure:"ttl"`
}

// FeedConfig holds the upstream price-feed settings.
type FeedConfig struct {
	AggregateInterval  time.Duration      `mapstructure:"aggregate_interval"`
	StalenessThreshold time.Duration      `mapstructure:"staleness_threshold"`
	ReconnectBase      time.Duration      `mapstructure:"reconnect_base"`
	ReconnectMax       time.Duration      `mapstructure:"reconnect_max"`
	MaxReconnects      int                `mapstructure:"max_reconnects"`
	Weights            map[string]float64 `mapstructure:"weights"`
	Sources            []string           `mapstructure:"sources"`
}

// TradingConfig holds the trading limits and round cadence.
type TradingConfig struct {
	MaxSharesPerOrder int64         `mapstructure:"max_shares_per_order"`
	MaxOpenExposure   int64         `mapstructure:"max_open_exposure"` // cents locked across a round
	ProvisionHorizon  int           `mapstructure:"provision_horizon"` // future markets kept provisioned
	PruneAfter        time.Duration `mapstructure:"prune_after"`
	BookDebounce      time.Duration `mapstructure:"book_debounce"`
}

// AuthConfig holds the identity-provider settings.
type AuthConfig struct {
	TelegramBotToken string        `mapstructure:"telegram_bot_token"`
	ClaimMaxAge      time.Duration `mapstructure:"claim_max_age"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the given file (optional) and the
// environment. A missing file is not an error; defaults plus env
// overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MINUTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Feed.Weights) == 0 {
		cfg.Feed.Weights = map[string]float64{
			"binance":     0.30,
			"coinbase":    0.25,
			"kraken-usd":  0.20,
			"kraken-usdt": 0.15,
			"bitstamp":    0.10,
		}
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.static_dir", "./web")
	v.SetDefault("server.cors_origin", "*")

	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("feed.aggregate_interval", "1s")
	v.SetDefault("feed.staleness_threshold", "15s")
	v.SetDefault("feed.reconnect_base", "1s")
	v.SetDefault("feed.reconnect_max", "60s")
	v.SetDefault("feed.max_reconnects", 10)
	v.SetDefault("feed.sources", []string{"binance", "coinbase", "kraken"})
	// feed.weights defaults are applied after unmarshal: viper deep-
	// merges map defaults with file values, which would corrupt a
	// partially overridden weight table.

	v.SetDefault("trading.max_shares_per_order", 1000)
	v.SetDefault("trading.max_open_exposure", 10_000_00)
	v.SetDefault("trading.provision_horizon", 5)
	v.SetDefault("trading.prune_after", "10m")
	v.SetDefault("trading.book_debounce", "50ms")

	v.SetDefault("auth.claim_max_age", "24h")

	v.SetDefault("logging.level", "info")
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Feed.AggregateInterval < 100*time.Millisecond {
		return fmt.Errorf("feed.aggregate_interval must be at least 100ms")
	}
	if c.Feed.MaxReconnects < 1 {
		return fmt.Errorf("feed.max_reconnects must be at least 1")
	}
	if len(c.Feed.Weights) == 0 {
		return fmt.Errorf("feed.weights must name at least one source")
	}
	var sum float64
	for src, w := range c.Feed.Weights {
		if w <= 0 {
			return fmt.Errorf("feed.weights[%s] must be positive", src)
		}
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("feed.weights must sum to 1.0, got %.4f", sum)
	}
	if c.Trading.MaxSharesPerOrder < 1 {
		return fmt.Errorf("trading.max_shares_per_order must be at least 1")
	}
	if c.Trading.ProvisionHorizon < 1 {
		return fmt.Errorf("trading.provision_horizon must be at least 1")
	}
	if c.Auth.ClaimMaxAge < time.Minute {
		return fmt.Errorf("auth.claim_max_age must be at least 1 minute")
	}
	return nil
}
