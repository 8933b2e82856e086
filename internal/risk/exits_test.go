package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akarpov91/tradecore/internal/portfolio"
)

func openPos(entry float64, mode portfolio.Mode, at time.Time, ev *ExitEvaluator) portfolio.Position {
	stop, tp := ev.EntryLevels(entry, mode)
	return portfolio.Position{
		Side:            portfolio.SideLong,
		Quantity:        1,
		EntryPrice:      entry,
		EntryTime:       at,
		Mode:            mode,
		SizeFraction:    0.03,
		StopPrice:       stop,
		TakeProfitPrice: tp,
		HighWater:       entry,
	}
}

func TestEntryLevels(t *testing.T) {
	ev := NewExitEvaluator(testRiskConfig())

	stop, tp := ev.EntryLevels(100, portfolio.ModeFlip)
	require.InDelta(t, 98.0, stop, 1e-9)
	require.InDelta(t, 104.0, tp, 1e-9, "flip RR 2.0 on a 2%% stop")

	stop, tp = ev.EntryLevels(100, portfolio.ModeHold)
	require.InDelta(t, 98.0, stop, 1e-9)
	require.InDelta(t, 105.0, tp, 1e-9, "hold RR 2.5 on a 2%% stop")
}

func TestStopLossTriggers(t *testing.T) {
	ev := NewExitEvaluator(testRiskConfig())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pos := openPos(100, portfolio.ModeHold, at, ev)

	ex, _ := ev.Evaluate(pos, 98.5, at.Add(time.Minute))
	require.False(t, ex.Triggered)

	ex, _ = ev.Evaluate(pos, 98.0, at.Add(2*time.Minute))
	require.True(t, ex.Triggered)
	require.Equal(t, TagStopLoss, ex.Tag)
}

func TestTakeProfitTriggers(t *testing.T) {
	ev := NewExitEvaluator(testRiskConfig())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	flip := openPos(100, portfolio.ModeFlip, at, ev)
	ex, _ := ev.Evaluate(flip, 104.0, at.Add(time.Minute))
	require.True(t, ex.Triggered)
	require.Equal(t, TagTakeProfit, ex.Tag)

	hold := openPos(100, portfolio.ModeHold, at, ev)
	ex, _ = ev.Evaluate(hold, 104.0, at.Add(time.Minute))
	require.False(t, ex.Triggered, "hold take-profit sits at 105")
}

func TestMaxHoldPerMode(t *testing.T) {
	ev := NewExitEvaluator(testRiskConfig())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mode    portfolio.Mode
		elapsed time.Duration
		exit    bool
	}{
		{"flip under", portfolio.ModeFlip, 3 * time.Hour, false},
		{"flip over", portfolio.ModeFlip, 4 * time.Hour, true},
		{"hold under", portfolio.ModeHold, 71 * time.Hour, false},
		{"hold over", portfolio.ModeHold, 72 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := openPos(100, tt.mode, at, ev)
			ex, _ := ev.Evaluate(pos, 100.5, at.Add(tt.elapsed))
			require.Equal(t, tt.exit, ex.Triggered)
			if tt.exit {
				require.Equal(t, TagMaxHold, ex.Tag)
			}
		})
	}
}

func TestTrailingStopLifecycle(t *testing.T) {
	ev := NewExitEvaluator(testRiskConfig())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pos := openPos(100, portfolio.ModeHold, at, ev)

	// +1% gain: below the +1.5% activation, nothing moves
	ex, lv := ev.Evaluate(pos, 101.0, at.Add(time.Minute))
	require.False(t, ex.Triggered)
	require.False(t, lv.TrailingActive)
	require.InDelta(t, 98.0, lv.Stop, 1e-9)

	// +2% gain: trailing activates and drags the stop to high*(1-1%)
	ex, lv = ev.Evaluate(pos, 102.0, at.Add(2*time.Minute))
	require.False(t, ex.Triggered)
	require.True(t, lv.TrailingActive)
	require.InDelta(t, 102.0*0.99, lv.Stop, 1e-9)
	require.True(t, lv.Raised)

	// persist the advanced levels, then price keeps climbing
	pos.StopPrice, pos.HighWater, pos.TrailingActive = lv.Stop, lv.HighWater, lv.TrailingActive
	ex, lv = ev.Evaluate(pos, 103.0, at.Add(3*time.Minute))
	require.False(t, ex.Triggered)
	require.InDelta(t, 103.0*0.99, lv.Stop, 1e-9)

	// pullback through the trailed stop exits with the trailing tag
	pos.StopPrice, pos.HighWater, pos.TrailingActive = lv.Stop, lv.HighWater, lv.TrailingActive
	ex, _ = ev.Evaluate(pos, 101.8, at.Add(4*time.Minute))
	require.True(t, ex.Triggered)
	require.Equal(t, TagTrailingStop, ex.Tag)
}

func TestTrailingStopNeverLowers(t *testing.T) {
	ev := NewExitEvaluator(testRiskConfig())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pos := openPos(100, portfolio.ModeHold, at, ev)

	_, lv := ev.Evaluate(pos, 104.8, at.Add(time.Minute))
	pos.StopPrice, pos.HighWater, pos.TrailingActive = lv.Stop, lv.HighWater, lv.TrailingActive
	high := lv.Stop

	// price dips but stays above the stop: stop must not move down
	_, lv = ev.Evaluate(pos, 104.2, at.Add(2*time.Minute))
	require.InDelta(t, high, lv.Stop, 1e-9)
	require.False(t, lv.Raised)
}

func TestTrailingDisabled(t *testing.T) {
	cfg := testRiskConfig()
	cfg.Trailing.Enabled = false
	ev := NewExitEvaluator(cfg)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pos := openPos(100, portfolio.ModeHold, at, ev)

	_, lv := ev.Evaluate(pos, 104.0, at.Add(time.Minute))
	require.False(t, lv.TrailingActive)
	require.InDelta(t, 98.0, lv.Stop, 1e-9, "stop stays at the entry level")
}
