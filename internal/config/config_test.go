package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/trade-execution-core/internal/sizing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestDefault tests that the defaults match the documented values and validate
func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.55, cfg.Signal.BuyThreshold)
	assert.Equal(t, 0.45, cfg.Signal.SellThreshold)
	assert.Len(t, cfg.Signal.ProfitBands, 3)
	assert.Equal(t, 48, cfg.Signal.MaxHoldBars)
	assert.Equal(t, sizing.MethodVolatilityScaled, cfg.Sizing.Method)
	assert.Equal(t, 20, cfg.Sizing.Lookback)
	assert.Equal(t, 0.05, cfg.Risk.MaxDailyLoss)
	assert.Equal(t, 5, cfg.Risk.ConsecutiveLossLimit)
	assert.Equal(t, 30, cfg.Risk.CooldownMinutes)
	assert.Equal(t, 0.20, cfg.Risk.MaxDrawdown)
	assert.Equal(t, 0.10, cfg.Risk.ScaleStartDrawdown)
	assert.Equal(t, 0.70, cfg.Portfolio.MaxCorrelation)
	assert.Equal(t, 3, cfg.Portfolio.CooldownLossCount)
	assert.Equal(t, 60, cfg.Portfolio.CorrelationLookback)
	assert.Equal(t, 5, cfg.Resiliency.MaxRetries)
	assert.Equal(t, uint32(5), cfg.Resiliency.CircuitBreakerThreshold)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.CycleInterval)
	assert.Equal(t, 30*time.Second, cfg.OMS.OrderTimeout)

	require.Len(t, cfg.Venues, 1)
	assert.Equal(t, "paper", cfg.Venues[0].Name)
	require.NotNil(t, cfg.Venues[0].Paper)
	assert.True(t, cfg.Venues[0].Paper.FillOnSubmit)
	assert.Equal(t, "paper", cfg.Orchestrator.DefaultVenue)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "engine.yaml", `
engine:
  session: test-session
  cycle_interval: 250ms
signal:
  buy_threshold: 0.6
  allow_short: false
  profit_bands:
    - gain_pct: 0.03
      fraction: 0.5
    - gain_pct: 0.08
      fraction: 0.5
sizing:
  method: kelly
risk:
  max_daily_loss: 0.03
  max_trades_per_minute: 0
resiliency:
  max_retries: 3
  initial_backoff: 500ms
venues:
  - name: paper
    paper:
      fee_rate: 0.0005
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-session", cfg.Engine.Session)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.CycleInterval)
	assert.Equal(t, 0.6, cfg.Signal.BuyThreshold)
	assert.Equal(t, 0.45, cfg.Signal.SellThreshold, "unset keys keep defaults")
	assert.False(t, cfg.Signal.AllowShort, "explicit false survives defaults")
	require.Len(t, cfg.Signal.ProfitBands, 2)
	assert.Equal(t, 0.08, cfg.Signal.ProfitBands[1].GainPct)
	assert.Equal(t, sizing.MethodKelly, cfg.Sizing.Method)
	assert.Equal(t, 0.03, cfg.Risk.MaxDailyLoss)
	assert.Zero(t, cfg.Risk.MaxTradesPerMinute)
	assert.Equal(t, 30, cfg.Risk.MaxTradesPerHour)
	assert.Equal(t, 3, cfg.Resiliency.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Resiliency.InitialBackoff)

	require.Len(t, cfg.Venues, 1)
	assert.Equal(t, 0.0005, cfg.Venues[0].Paper.FeeRate)
	assert.True(t, cfg.Venues[0].Paper.FillOnSubmit)
	assert.Equal(t, 10000.0, cfg.Venues[0].Paper.StartingBalance)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "engine.json", `{
  "risk": {"max_drawdown": 0.3, "scale_start_drawdown": 0.15},
  "portfolio": {"max_concurrent_positions": 4},
  "oms": {"order_timeout": "45s"}
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.3, cfg.Risk.MaxDrawdown)
	assert.Equal(t, 0.15, cfg.Risk.ScaleStartDrawdown)
	assert.Equal(t, 4, cfg.Portfolio.MaxConcurrentPositions)
	assert.Equal(t, 45*time.Second, cfg.OMS.OrderTimeout)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "engine.toml", "x = 1"},
		{"malformed yaml", "engine.yaml", "signal: [1, 2"},
		{"thresholds inverted", "engine.yaml", "signal:\n  buy_threshold: 0.4\n  sell_threshold: 0.5\n"},
		{"unknown sizing method", "engine.yaml", "sizing:\n  method: martingale\n"},
		{"bad reset time", "engine.yaml", "risk:\n  daily_reset_time: noon\n"},
		{"unknown venue", "engine.yaml", "venues:\n  - name: ftx\n"},
		{"duplicate venue", "engine.yaml", "venues:\n  - name: paper\n  - name: paper\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_BybitSecretsFromEnv(t *testing.T) {
	content := "venues:\n  - name: bybit\n    bybit:\n      testnet: true\n"

	t.Setenv(EnvBybitAPIKey, "")
	t.Setenv(EnvBybitAPISecret, "")
	_, err := Load(writeFile(t, "engine.yaml", content))
	assert.Error(t, err, "live venue without credentials")

	_, err = Load(writeFile(t, "engine.yaml", "engine:\n  dry_run: true\n"+content))
	assert.NoError(t, err, "dry run does not need credentials")

	t.Setenv(EnvBybitAPIKey, "key")
	t.Setenv(EnvBybitAPISecret, "secret")
	cfg, err := Load(writeFile(t, "engine.yaml", content))
	require.NoError(t, err)
	assert.Equal(t, "key", cfg.Venues[0].Bybit.APIKey)
	assert.Equal(t, "linear", cfg.Venues[0].Bybit.Category)
	assert.True(t, cfg.Venues[0].Bybit.Stream)
	assert.True(t, cfg.Venues[0].Bybit.Testnet)
	assert.Equal(t, "bybit", cfg.Orchestrator.DefaultVenue)
}
