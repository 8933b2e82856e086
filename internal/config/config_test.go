package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = "universe:\n  always: [BTC, ETH]\n"

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, 4*time.Minute, cfg.Engine.CycleInterval)
	require.Equal(t, 2*time.Minute, cfg.Engine.CycleBudget)
	require.Equal(t, []string{"BTC", "ETH"}, cfg.Universe.Always)

	require.InDelta(t, 0.3, cfg.Weights.Technical, 1e-9)
	require.InDelta(t, 0.4, cfg.Weights.Sentiment, 1e-9)
	require.InDelta(t, 1.0, cfg.Weights.Sum(), 1e-9)

	require.Equal(t, 30*time.Minute, cfg.Signals.StalenessWindow)
	require.InDelta(t, 0.7, cfg.Thresholds.StrongBuy, 1e-9)
	require.Equal(t, 5, cfg.Watchlist.MinReadings)
	require.Equal(t, 72*time.Hour, cfg.Watchlist.Expiry)

	require.InDelta(t, 100_000.0, cfg.Risk.CapitalUSD, 1e-9)
	require.True(t, cfg.Risk.Trailing.Enabled)
	require.InDelta(t, 0.015, cfg.Risk.Trailing.ActivatePct, 1e-9)

	require.Equal(t, 100, cfg.Scheduler.WindowLimit)
	require.Equal(t, 15*time.Minute, cfg.Scheduler.Window)
	require.Equal(t, "memory", cfg.Scheduler.Cache.Backend)

	require.Equal(t, "data/tradecore.db", cfg.Store.Path)
	require.Equal(t, "trading_signals", cfg.Stream.DecisionsTopic)
	require.False(t, cfg.Stream.Enabled)
	require.Equal(t, ":8080", cfg.Ops.Addr)
	require.Equal(t, 10, cfg.Paper.SlippageBps)
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing universe", "log:\n  level: info\n"},
		{
			"weights off balance",
			minimalConfig + "weights:\n  technical: 0.4\n  sentiment: 0.4\n  social: 0.1\n  market_context: 0.2\n",
		},
		{
			"thresholds inverted",
			minimalConfig + "thresholds:\n  strong_buy: 0.4\n  moderate_buy: 0.6\n",
		},
		{"unknown log level", minimalConfig + "log:\n  level: verbose\n"},
		{
			"cycle interval below floor",
			minimalConfig + "engine:\n  cycle_interval: 30s\n  cycle_budget: 10s\n",
		},
		{
			"budget swallows interval",
			minimalConfig + "engine:\n  cycle_interval: 2m\n  cycle_budget: 2m\n",
		},
		{
			"position fraction above open fraction",
			minimalConfig + "risk:\n  max_open_fraction: 0.05\n  max_position_fraction: 0.10\n",
		},
		{
			"stream enabled without brokers",
			minimalConfig + "stream:\n  enabled: true\n",
		},
		{
			"bad cache backend",
			minimalConfig + "scheduler:\n  cache:\n    backend: memcached\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "universe: ["))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADECORE_LOG_LEVEL", "debug")
	t.Setenv("TRADECORE_DB_PATH", "/var/lib/tradecore/alt.db")
	t.Setenv("TRADECORE_OPS_ADDR", ":9999")
	t.Setenv("TRADECORE_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "/var/lib/tradecore/alt.db", cfg.Store.Path)
	require.Equal(t, ":9999", cfg.Ops.Addr)
	require.True(t, cfg.Stream.Enabled)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Stream.Brokers)
}

func TestFileValuesSurviveDefaults(t *testing.T) {
	body := minimalConfig +
		"engine:\n  cycle_interval: 10m\n  cycle_budget: 5m\n" +
		"risk:\n  capital_usd: 250000\n" +
		"watchlist:\n  min_readings: 8\n"
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	require.Equal(t, 10*time.Minute, cfg.Engine.CycleInterval)
	require.Equal(t, 5*time.Minute, cfg.Engine.CycleBudget)
	require.InDelta(t, 250_000.0, cfg.Risk.CapitalUSD, 1e-9)
	require.Equal(t, 8, cfg.Watchlist.MinReadings)
	// Untouched siblings still get their defaults.
	require.InDelta(t, 0.02, cfg.Risk.StopLossPct, 1e-9)
}

func TestSchedulerLimits(t *testing.T) {
	s := Scheduler{
		WindowLimit:  100,
		MonthlyLimit: 500_000,
		BaseInterval: time.Minute,
		CacheTTL:     5 * time.Minute,
		PerMinute:    30,
		Sources: map[string]SourceLimits{
			"sentiment-sim": {BaseInterval: 2 * time.Minute, PerMinute: 5},
		},
	}

	def := s.Limits("technical-sim")
	require.Equal(t, 100, def.WindowLimit)
	require.Equal(t, time.Minute, def.BaseInterval)
	require.Equal(t, 30, def.PerMinute)

	// Overrides apply only the fields they set.
	over := s.Limits("sentiment-sim")
	require.Equal(t, 2*time.Minute, over.BaseInterval)
	require.Equal(t, 5, over.PerMinute)
	require.Equal(t, 100, over.WindowLimit)
	require.Equal(t, 5*time.Minute, over.CacheTTL)
}
