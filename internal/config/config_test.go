package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/xerrors"
)

func validConfig() *Config {
	return &Config{
		Venues: []VenueConfig{
			{Name: "binance", WSURL: "wss://stream.binance.com:9443/ws", Symbols: []string{"BTCUSDT"}, Streams: []string{"book", "trades"}},
		},
		OrderBook: OrderBookConfig{Depth: 50},
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsNoVenues(t *testing.T) {
	cfg := validConfig()
	cfg.Venues = nil

	err := cfg.Validate()
	require.Error(t, err)
	var cfgErr *xerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestValidate_RejectsUnsupportedVenue(t *testing.T) {
	cfg := validConfig()
	cfg.Venues[0].Name = "coinbase"

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsMissingWSURL(t *testing.T) {
	cfg := validConfig()
	cfg.Venues[0].WSURL = ""

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsNoSymbols(t *testing.T) {
	cfg := validConfig()
	cfg.Venues[0].Symbols = nil

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsUnsupportedStream(t *testing.T) {
	cfg := validConfig()
	cfg.Venues[0].Streams = []string{"funding"}

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsNonPositiveDepth(t *testing.T) {
	cfg := validConfig()
	cfg.OrderBook.Depth = 0

	err := cfg.Validate()
	require.Error(t, err)
}

func TestLoad_MissingExplicitConfigFileIsConfigError(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err) // an explicitly named file that cannot be read is not a search miss
	var cfgErr *xerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Nil(t, cfg)
}
