package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/executor"
	"github.com/akarpov91/tradecore/internal/policy"
	"github.com/akarpov91/tradecore/internal/portfolio"
	"github.com/akarpov91/tradecore/internal/risk"
	"github.com/akarpov91/tradecore/internal/signal"
	"github.com/akarpov91/tradecore/internal/store"
	"github.com/akarpov91/tradecore/internal/stream"
	"github.com/akarpov91/tradecore/internal/watchlist"
)

func testConfig() config.Root {
	return config.Root{
		Engine:     config.Engine{CycleInterval: time.Minute, CycleBudget: 30 * time.Second},
		Weights:    config.Weights{Technical: 0.3, Sentiment: 0.4, Social: 0.2, MarketContext: 0.1},
		Signals:    config.Signals{StalenessWindow: 30 * time.Minute, HighConfidence: 0.7},
		Thresholds: config.Thresholds{StrongBuy: 0.7, ModerateBuy: 0.4},
		Watchlist: config.Watchlist{
			RollingWindow:     24 * time.Hour,
			MinReadings:       2,
			MinAvgScore:       0.4,
			EventScore:        0.8,
			BlacklistScore:    -0.7,
			BlacklistAvg:      -0.6,
			BlacklistReadings: 3,
			Expiry:            72 * time.Hour,
		},
		Risk: config.Risk{
			CapitalUSD:          100_000,
			MaxOpenFraction:     0.15,
			MaxPositionFraction: 0.05,
			FlipFraction:        0.05,
			HoldFraction:        0.03,
			DailyLossLimit:      0.05,
			MaxDrawdown:         0.15,
			StopLossPct:         0.02,
			FlipRewardRisk:      2.0,
			HoldRewardRisk:      2.5,
			FlipMaxHold:         4 * time.Hour,
			HoldMaxHold:         72 * time.Hour,
			CooldownAfterExit:   30 * time.Minute,
			Trailing:            config.Trailing{Enabled: true, ActivatePct: 0.015, TrailPct: 0.01},
		},
		Paper: config.Paper{SlippageBps: 0, FeeBps: 0, DedupeWindowSecs: 0},
	}
}

type harness struct {
	now   time.Time
	watch *watchlist.Manager
	arena *portfolio.Manager
	rk    *risk.Manager
	pipe  *Pipeline
}

func newHarness(t *testing.T, st *store.Store) *harness {
	t.Helper()
	cfg := testConfig()
	h := &harness{now: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}
	h.watch = watchlist.New(cfg.Watchlist, cfg.Signals.HighConfidence, func() time.Time { return h.now })
	h.arena = portfolio.NewManager()
	h.rk = risk.NewManager(cfg.Risk)
	h.pipe = NewPipeline(cfg, Deps{
		Watchlist: h.watch,
		Portfolio: h.arena,
		Risk:      h.rk,
		Executor:  executor.NewPaper(cfg.Paper, nil),
		Publisher: stream.Noop{},
		Store:     st,
	})
	return h
}

// admit feeds one event-grade sentiment reading: instant watchlisting and a
// composite strong enough for a FLIP entry.
func (h *harness) admit(symbol string) {
	h.pipe.ObserveReading(signal.Reading{
		Kind:       signal.KindSentiment,
		Symbol:     symbol,
		Score:      0.85,
		Confidence: 0.9,
		ObservedAt: h.now,
	})
}

func (h *harness) openFlip(t *testing.T, symbol string, price float64) {
	t.Helper()
	h.admit(symbol)
	h.pipe.ObservePrice(symbol, price, 0.01, h.now)
	out, err := h.pipe.EvaluateSymbol(context.Background(), symbol, h.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionBuy, out.Action)
}

func TestEntryFlowOpensPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.admit("BTC")
	h.pipe.ObservePrice("BTC", 100, 0.01, h.now)

	out, err := h.pipe.EvaluateSymbol(context.Background(), "BTC", h.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionBuy, out.Action)
	require.Equal(t, portfolio.ModeFlip, out.Mode)
	require.Equal(t, policy.TriggerEventDriven, out.Trigger)
	require.InDelta(t, 0.05, out.SizeFraction, 1e-12)

	a, ok := h.arena.Get("BTC")
	require.True(t, ok)
	require.NotNil(t, a.Position)
	require.InDelta(t, 50.0, a.Position.Quantity, 1e-9)
	require.InDelta(t, 100.0, a.Position.EntryPrice, 1e-9)
	require.InDelta(t, 98.0, a.Position.StopPrice, 1e-9)
	require.InDelta(t, 104.0, a.Position.TakeProfitPrice, 1e-9)
	require.Equal(t, policy.TriggerEventDriven, a.Position.Tag)

	st := h.rk.Snapshot()
	require.InDelta(t, 0.05, st.OpenExposure, 1e-12)
	require.InDelta(t, 100_000.0, st.Capital, 1e-9)
}

func TestStopLossExitRealizesLossAndCooldown(t *testing.T) {
	h := newHarness(t, nil)
	h.openFlip(t, "BTC", 100)

	h.now = h.now.Add(10 * time.Minute)
	h.pipe.ObservePrice("BTC", 97.9, -0.02, h.now)
	out, err := h.pipe.EvaluateSymbol(context.Background(), "BTC", h.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionSell, out.Action)
	require.Equal(t, risk.TagStopLoss, out.Trigger)

	a, _ := h.arena.Get("BTC")
	require.Nil(t, a.Position)
	require.True(t, a.InCooldown(h.now))

	st := h.rk.Snapshot()
	require.InDelta(t, 99_895.0, st.Capital, 1e-9) // 50 * (97.9 - 100)
	require.InDelta(t, -105.0, st.DailyRealizedPnL, 1e-9)
	require.InDelta(t, 0.0, st.OpenExposure, 1e-12)

	// Signals are still fresh and strong, but the cooldown gates re-entry.
	out, err = h.pipe.EvaluateSymbol(context.Background(), "BTC", h.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionNoAction, out.Action)
	require.True(t, out.Reason.Cooldown)
	require.Contains(t, out.Reason.Blocked, "cooldown")
}

func TestTakeProfitExit(t *testing.T) {
	h := newHarness(t, nil)
	h.openFlip(t, "BTC", 100)

	h.now = h.now.Add(10 * time.Minute)
	h.pipe.ObservePrice("BTC", 104.05, 0.04, h.now)
	out, err := h.pipe.EvaluateSymbol(context.Background(), "BTC", h.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionSell, out.Action)
	require.Equal(t, risk.TagTakeProfit, out.Trigger)
	require.InDelta(t, 100_202.5, h.rk.Capital(), 1e-9) // 50 * 4.05
}

func TestBlacklistExitOverridesEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.openFlip(t, "BTC", 100)

	h.watch.Blacklist("BTC", "manual")
	h.now = h.now.Add(5 * time.Minute)
	h.pipe.ObservePrice("BTC", 100.5, 0.01, h.now)

	out, err := h.pipe.EvaluateSymbol(context.Background(), "BTC", h.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionSell, out.Action)
	require.Equal(t, policy.TriggerBlacklistExit, out.Trigger)
	require.InDelta(t, 100_025.0, h.rk.Capital(), 1e-9)

	// Blacklist is terminal: flat now, and entries stay blocked.
	out, err = h.pipe.EvaluateSymbol(context.Background(), "BTC", h.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionNoAction, out.Action)
	require.Contains(t, out.Reason.Blocked, "blacklisted")
}

func TestTrailingStopLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.openFlip(t, "BTC", 100)
	ctx := context.Background()

	h.now = h.now.Add(5 * time.Minute)
	h.pipe.ObservePrice("BTC", 102, 0.02, h.now)
	out, err := h.pipe.EvaluateSymbol(ctx, "BTC", h.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionNoAction, out.Action)

	a, _ := h.arena.Get("BTC")
	require.True(t, a.Position.TrailingActive)
	require.InDelta(t, 100.98, a.Position.StopPrice, 1e-9)
	require.InDelta(t, 102.0, a.Position.HighWater, 1e-9)

	// A lower high leaves the ratchet alone.
	h.now = h.now.Add(5 * time.Minute)
	h.pipe.ObservePrice("BTC", 101.4, 0.014, h.now)
	_, err = h.pipe.EvaluateSymbol(ctx, "BTC", h.now)
	require.NoError(t, err)
	a, _ = h.arena.Get("BTC")
	require.InDelta(t, 100.98, a.Position.StopPrice, 1e-9)

	h.now = h.now.Add(5 * time.Minute)
	h.pipe.ObservePrice("BTC", 100.9, 0.009, h.now)
	out, err = h.pipe.EvaluateSymbol(ctx, "BTC", h.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionSell, out.Action)
	require.Equal(t, risk.TagTrailingStop, out.Trigger)
	require.InDelta(t, 100_045.0, h.rk.Capital(), 1e-9) // 50 * 0.9
}

func TestModerateCompositeOpensHold(t *testing.T) {
	h := newHarness(t, nil)
	for _, back := range []time.Duration{10 * time.Minute, 5 * time.Minute} {
		h.pipe.ObserveReading(signal.Reading{
			Kind:       signal.KindSentiment,
			Symbol:     "ETH",
			Score:      0.5,
			Confidence: 0.6,
			ObservedAt: h.now.Add(-back),
		})
	}
	require.Equal(t, watchlist.StatusWatchlisted, h.watch.Status("ETH"))

	h.pipe.ObservePrice("ETH", 200, 0.01, h.now)
	out, err := h.pipe.EvaluateSymbol(context.Background(), "ETH", h.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionBuy, out.Action)
	require.Equal(t, portfolio.ModeHold, out.Mode)
	require.InDelta(t, 0.03, out.SizeFraction, 1e-12)
	require.Equal(t, policy.TriggerScore, out.Trigger)

	a, _ := h.arena.Get("ETH")
	require.InDelta(t, 15.0, a.Position.Quantity, 1e-9) // 3000 / 200
	require.InDelta(t, 196.0, a.Position.StopPrice, 1e-9)
	require.InDelta(t, 210.0, a.Position.TakeProfitPrice, 1e-9)
}

func TestRestoreRoundTrip(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "pipe.db"))
	require.NoError(t, err)
	defer st.Close()

	h := newHarness(t, st)
	h.openFlip(t, "BTC", 100)
	h.pipe.MarkEquity(h.now)
	h.pipe.PersistState()

	h2 := newHarness(t, st)
	require.NoError(t, h2.pipe.RestoreFromStore())

	a, ok := h2.arena.Get("BTC")
	require.True(t, ok)
	require.NotNil(t, a.Position)
	require.InDelta(t, 50.0, a.Position.Quantity, 1e-9)
	require.InDelta(t, 98.0, a.Position.StopPrice, 1e-9)
	require.Equal(t, watchlist.StatusWatchlisted, h2.watch.Status("BTC"))
	require.InDelta(t, 0.05, h2.rk.Snapshot().OpenExposure, 1e-12)

	// Protective exits keep working on the restored position.
	h2.now = h2.now.Add(10 * time.Minute)
	h2.pipe.ObservePrice("BTC", 97.9, -0.02, h2.now)
	out, err := h2.pipe.EvaluateSymbol(context.Background(), "BTC", h2.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionSell, out.Action)
	require.Equal(t, risk.TagStopLoss, out.Trigger)
}

func TestReadingBufferKeepsNewestPerKind(t *testing.T) {
	h := newHarness(t, nil)

	h.pipe.ObserveReading(signal.Reading{
		Kind: signal.KindSentiment, Symbol: "BTC", Score: 0.5, Confidence: 0.6, ObservedAt: h.now,
	})
	h.pipe.ObserveReading(signal.Reading{
		Kind: signal.KindSentiment, Symbol: "BTC", Score: 0.9, Confidence: 0.9, ObservedAt: h.now.Add(-5 * time.Minute),
	})
	rs := h.pipe.Readings("BTC")
	require.Len(t, rs, 1)
	require.InDelta(t, 0.5, rs[0].Score, 1e-12)

	h.pipe.ObserveReading(signal.Reading{
		Kind: signal.KindTechnical, Symbol: "BTC", Score: 0.2, Confidence: 0.5, ObservedAt: h.now,
	})
	rs = h.pipe.Readings("BTC")
	require.Len(t, rs, 2)
	require.Equal(t, signal.KindTechnical, rs[0].Kind) // canonical kind order
	require.Equal(t, signal.KindSentiment, rs[1].Kind)
}

func TestEvaluateUnknownSymbolIsNoAction(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.pipe.EvaluateSymbol(context.Background(), "GHOST", h.now)
	require.NoError(t, err)
	require.Equal(t, policy.ActionNoAction, out.Action)
}
