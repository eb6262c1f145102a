// Package config loads process configuration from a file plus
// environment overrides using viper, the way the rest of the example
// pack's services do.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"marketfeed/internal/xerrors"
)

// Config is the top-level process configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	SymbolMap  SymbolMapConfig  `mapstructure:"symbol_map"`
	Venues     []VenueConfig    `mapstructure:"venues"`
	OrderBook  OrderBookConfig  `mapstructure:"orderbook"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect"`
}

// AppConfig holds general process settings.
type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

// SymbolMapConfig points at the static canonical<->venue symbol file.
type SymbolMapConfig struct {
	Path string `mapstructure:"path"`
}

// VenueConfig names one venue's connection parameters and the
// canonical symbols to subscribe to there.
type VenueConfig struct {
	Name        string   `mapstructure:"name"` // "binance" | "kraken"
	WSURL       string   `mapstructure:"ws_url"`
	RestURL     string   `mapstructure:"rest_url"` // snapshot endpoint base, Binance only
	Symbols     []string `mapstructure:"symbols"`
	Streams     []string `mapstructure:"streams"` // "book" | "trades"
}

// OrderBookConfig controls the in-memory book depth every (venue,
// symbol) maintains.
type OrderBookConfig struct {
	Depth int `mapstructure:"depth"`
}

// PublisherConfig configures the Redis sink for normalized events.
type PublisherConfig struct {
	RedisAddr        string `mapstructure:"redis_addr"`
	OrderbookMaxLen  int64  `mapstructure:"orderbook_max_len"`
	TradeMaxLen      int64  `mapstructure:"trade_max_len"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ReconnectConfig tunes StreamClient/Multiplexer backoff.
type ReconnectConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxBuffer      int           `mapstructure:"max_buffer"`
}

// Load reads configuration from configPath (or ./config.yaml, then
// ./config/config.yaml, if empty), layering MARKETFEED_-prefixed
// environment variables on top, and validates the result. Any failure
// here is a ConfigError: fatal at startup, never during streaming.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("MARKETFEED")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, &xerrors.ConfigError{Reason: "reading config file", Cause: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &xerrors.ConfigError{Reason: "unmarshaling config", Cause: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "marketfeed")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("symbol_map.path", "./symbols.json")
	v.SetDefault("orderbook.depth", 50)
	v.SetDefault("publisher.redis_addr", "localhost:6379")
	v.SetDefault("publisher.orderbook_max_len", 1000)
	v.SetDefault("publisher.trade_max_len", 10000)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("reconnect.initial_backoff", time.Second)
	v.SetDefault("reconnect.max_backoff", 30*time.Second)
	v.SetDefault("reconnect.max_buffer", 100)
}

// Validate checks for the configuration mistakes that would otherwise
// surface as a confusing runtime failure deep inside streamclient.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return &xerrors.ConfigError{Reason: "no venues configured"}
	}
	for _, v := range c.Venues {
		if v.Name != "binance" && v.Name != "kraken" {
			return &xerrors.ConfigError{Reason: fmt.Sprintf("unsupported venue %q", v.Name)}
		}
		if v.WSURL == "" {
			return &xerrors.ConfigError{Reason: fmt.Sprintf("venue %q missing ws_url", v.Name)}
		}
		if len(v.Symbols) == 0 {
			return &xerrors.ConfigError{Reason: fmt.Sprintf("venue %q has no symbols configured", v.Name)}
		}
		for _, s := range v.Streams {
			if s != "book" && s != "trades" {
				return &xerrors.ConfigError{Reason: fmt.Sprintf("venue %q has unsupported stream %q", v.Name, s)}
			}
		}
	}
	if c.OrderBook.Depth <= 0 {
		return &xerrors.ConfigError{Reason: "orderbook.depth must be positive"}
	}
	return nil
}
