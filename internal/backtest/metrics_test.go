package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akarpov91/tradecore/internal/store"
)

func TestComputeMetricsTradeStats(t *testing.T) {
	trades := []store.TradeRecord{
		{Symbol: "BTC", PnL: 100, Fees: 2},
		{Symbol: "ETH", PnL: -50, Fees: 2},
		{Symbol: "SOL", PnL: 30, Fees: 2},
	}
	m := computeMetrics(trades, nil, 100_000)

	require.Equal(t, 3, m.TradeCount)
	require.Equal(t, 2, m.Wins)
	require.Equal(t, 1, m.Losses)
	require.InDelta(t, 2.0/3.0, m.WinRate, 1e-12)
	require.InDelta(t, 80.0, m.TotalPnL, 1e-9)
	require.InDelta(t, 6.0, m.TotalFees, 1e-9)
	require.InDelta(t, 130.0/50.0, m.ProfitFactor, 1e-12)
}

func TestComputeMetricsMaxDrawdown(t *testing.T) {
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	curve := []EquityPoint{
		{TS: base, Equity: 100},
		{TS: base.Add(time.Hour), Equity: 110},
		{TS: base.Add(2 * time.Hour), Equity: 99},
		{TS: base.Add(3 * time.Hour), Equity: 104},
	}
	m := computeMetrics(nil, curve, 100)
	require.InDelta(t, 11.0/110.0, m.MaxDrawdown, 1e-12)
}

func TestSharpeAndSortinoHandComputed(t *testing.T) {
	d1 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	d2 := d1.Add(24 * time.Hour)
	curve := []EquityPoint{
		{TS: d1.Add(10 * time.Hour), Equity: 100_500},
		{TS: d1.Add(20 * time.Hour), Equity: 101_000},
		{TS: d2.Add(10 * time.Hour), Equity: 100_495},
	}
	// Daily closes: 101000 then 100495 from a 100000 start, so the daily
	// returns are +1.0% and -0.5%.
	m := computeMetrics(nil, curve, 100_000)
	require.InDelta(t, 3.7417, m.Sharpe, 1e-3)
	require.InDelta(t, 11.2250, m.Sortino, 1e-3)
}

func TestSharpeZeroForSingleDay(t *testing.T) {
	d1 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	curve := []EquityPoint{
		{TS: d1.Add(time.Hour), Equity: 100_100},
		{TS: d1.Add(2 * time.Hour), Equity: 100_300},
	}
	m := computeMetrics(nil, curve, 100_000)
	require.Zero(t, m.Sharpe)
	require.Zero(t, m.Sortino)
}

func TestProfitFactorZeroWithoutLosses(t *testing.T) {
	m := computeMetrics([]store.TradeRecord{{PnL: 40}, {PnL: 10}}, nil, 100_000)
	require.Zero(t, m.ProfitFactor)
	require.InDelta(t, 1.0, m.WinRate, 1e-12)
}

func TestDailyReturnsSplitsOnUTCDays(t *testing.T) {
	d1 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	curve := []EquityPoint{
		{TS: d1.Add(23 * time.Hour), Equity: 101_000},
		{TS: d1.Add(25 * time.Hour), Equity: 100_495}, // next UTC day
		{TS: d1.Add(49 * time.Hour), Equity: 102_000}, // day three
	}
	rets := dailyReturns(curve, 100_000)
	require.Len(t, rets, 3)
	require.InDelta(t, 0.01, rets[0], 1e-12)
	require.InDelta(t, -505.0/101_000.0, rets[1], 1e-12)
	require.InDelta(t, 1505.0/100_495.0, rets[2], 1e-12)
}
