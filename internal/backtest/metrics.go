package backtest

import (
	"math"

	"github.com/akarpov91/tradecore/internal/store"
)

// daily bars to a trading year
const annualization = 252

// Metrics summarizes a replay. Sharpe and Sortino use UTC-day equity closes
// and need at least two days of curve; shorter runs report zero. A run with
// no losing trades reports profit factor zero rather than infinity, which
// JSON cannot carry.
type Metrics struct {
	TradeCount   int     `json:"trade_count"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
	TotalFees    float64 `json:"total_fees"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	Sharpe       float64 `json:"sharpe"`
	Sortino      float64 `json:"sortino"`
	ProfitFactor float64 `json:"profit_factor"`
}

func computeMetrics(trades []store.TradeRecord, curve []EquityPoint, startEquity float64) Metrics {
	m := Metrics{TradeCount: len(trades)}

	grossWin, grossLoss := 0.0, 0.0
	for _, tr := range trades {
		m.TotalPnL += tr.PnL
		m.TotalFees += tr.Fees
		if tr.PnL > 0 {
			m.Wins++
			grossWin += tr.PnL
		} else {
			m.Losses++
			grossLoss += -tr.PnL
		}
	}
	if m.TradeCount > 0 {
		m.WinRate = float64(m.Wins) / float64(m.TradeCount)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	}

	peak := startEquity
	for _, pt := range curve {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if peak > 0 {
			if dd := (peak - pt.Equity) / peak; dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}
	}

	rets := dailyReturns(curve, startEquity)
	m.Sharpe = annualizedSharpe(rets)
	m.Sortino = annualizedSortino(rets)
	return m
}

// dailyReturns closes the curve at each UTC day boundary. The final partial
// day closes at its last mark.
func dailyReturns(curve []EquityPoint, startEquity float64) []float64 {
	if len(curve) == 0 || startEquity <= 0 {
		return nil
	}
	var (
		rets []float64
		prev = startEquity
		day  string
		last float64
	)
	for _, pt := range curve {
		d := pt.TS.UTC().Format("2006-01-02")
		if day == "" {
			day = d
		}
		if d != day {
			if prev > 0 {
				rets = append(rets, (last-prev)/prev)
			}
			prev = last
			day = d
		}
		last = pt.Equity
	}
	if prev > 0 {
		rets = append(rets, (last-prev)/prev)
	}
	return rets
}

func annualizedSharpe(rets []float64) float64 {
	if len(rets) < 2 {
		return 0
	}
	mean := meanOf(rets)
	sd := sampleStdev(rets, mean)
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(annualization)
}

// annualizedSortino penalizes only downside days. Downside deviation is the
// root mean square of negative returns over all days.
func annualizedSortino(rets []float64) float64 {
	if len(rets) < 2 {
		return 0
	}
	mean := meanOf(rets)
	sumSq := 0.0
	for _, r := range rets {
		if r < 0 {
			sumSq += r * r
		}
	}
	down := math.Sqrt(sumSq / float64(len(rets)))
	if down == 0 {
		return 0
	}
	return mean / down * math.Sqrt(annualization)
}

func meanOf(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func sampleStdev(v []float64, mean float64) float64 {
	sum := 0.0
	for _, x := range v {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(v)-1))
}
