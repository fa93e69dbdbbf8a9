package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
system:
  log_level: debug
trading:
  symbols: [SBER, GAZP]
  dry_run: true
  initial_equity: 500000
risk:
  max_daily_loss_pct: 0.1
  instruments:
    SBER:
      max_lots: 50
  classes:
    equity:
      max_exposure_pct: 0.5
  symbol_class:
    SBER: equity
`

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.System.LogLevel)
	assert.Equal(t, []string{"SBER", "GAZP"}, cfg.Trading.Symbols)
	assert.Equal(t, 500_000.0, cfg.Trading.InitialEquity)

	// unset fields keep their defaults
	assert.Equal(t, 3, cfg.Gateway.MaxRetries)
	assert.Equal(t, 64, cfg.Journal.FlushThreshold)
	assert.Equal(t, 3*time.Second, cfg.PriceWait())
	assert.Equal(t, 30*time.Second, cfg.StreamStaleAfter())

	limits := cfg.RiskLimits()
	lim, ok := limits.Instrument("SBER")
	require.True(t, ok)
	assert.Equal(t, 50, lim.MaxLots)
	name, _, ok := limits.ClassFor("SBER")
	require.True(t, ok)
	assert.Equal(t, "equity", name)
}

func TestLoadRejectsMissingSymbols(t *testing.T) {
	t.Parallel()
	_, err := Load(writeConfig(t, "trading:\n  initial_equity: 1000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbols")
}

func TestLoadRejectsBadRiskLimits(t *testing.T) {
	t.Parallel()
	_, err := Load(writeConfig(t, `
trading:
  symbols: [SBER]
risk:
  stop_loss_pct: 1.5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop_loss_pct")
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	t.Parallel()
	_, err := Load(writeConfig(t, `
system:
  log_level: loud
trading:
  symbols: [SBER]
`))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("MOEXBOT_TEST_TOKEN", "s3cret")
	cfg, err := Load(writeConfig(t, `
trading:
  symbols: [SBER]
alert:
  telegram_token: ${MOEXBOT_TEST_TOKEN}
`))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Alert.TelegramToken)
}

func TestLoadOverridesTimingKnobs(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, `
trading:
  symbols: [SBER]
  price_wait_seconds: 7
feed:
  stale_after_seconds: 12
`))
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.PriceWait())
	assert.Equal(t, 12*time.Second, cfg.StreamStaleAfter())
}

func TestLiveModeRequiresFeed(t *testing.T) {
	t.Parallel()
	_, err := Load(writeConfig(t, `
trading:
  symbols: [SBER]
  dry_run: false
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream_url or rest_url")
}
