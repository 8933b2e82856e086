package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/observ"
	"github.com/akarpov91/tradecore/internal/portfolio"
)

// exposureEps absorbs float accumulation noise when comparing fractions
// against the ceiling.
const exposureEps = 1e-9

// Request asks permission to trade. At carries the decision-time clock so
// the same code path is deterministic under replay.
type Request struct {
	Symbol       string
	Side         Side
	Mode         portfolio.Mode
	SizeFraction float64
	Price        float64
	At           time.Time
}

// Decision is the authorization verdict. An approved BUY may carry a size
// smaller than requested; the caller must open the position at the approved
// fraction, not the requested one.
type Decision struct {
	Approved     bool     `json:"approved"`
	SizeFraction float64  `json:"size_fraction"`
	Reason       string   `json:"reason,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Manager serializes all capital accounting behind one mutex. Gates run in a
// fixed order: breaker, exposure ceiling, position clamp, daily loss,
// drawdown.
type Manager struct {
	mu      sync.Mutex
	cfg     config.Risk
	st      State
	journal []BreakerEvent
}

func NewManager(cfg config.Risk) *Manager {
	return &Manager{
		cfg: cfg,
		st: State{
			Capital:    cfg.CapitalUSD,
			Equity:     cfg.CapitalUSD,
			PeakEquity: cfg.CapitalUSD,
		},
	}
}

// Authorize gates one order request. SELLs always pass: refusing to reduce
// risk is never the right answer.
func (m *Manager) Authorize(req Request) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(req.At)

	if req.Side == SideSell {
		return Decision{Approved: true, SizeFraction: req.SizeFraction}
	}

	if m.st.Breaker.Tripped {
		return m.denyLocked(req, ReasonCircuitBreaker)
	}
	if m.st.OpenExposure+req.SizeFraction > m.cfg.MaxOpenFraction+exposureEps {
		return m.denyLocked(req, ReasonCapitalCeiling)
	}

	size := req.SizeFraction
	var warnings []string
	if size > m.cfg.MaxPositionFraction {
		size = m.cfg.MaxPositionFraction
		warnings = append(warnings, fmt.Sprintf("size_clamped_to_%.4f", size))
	}

	if m.st.DailyRealizedPnL <= -m.dailyLossBudgetLocked() {
		return m.denyLocked(req, ReasonDailyLossLimit)
	}
	if m.st.Drawdown >= m.cfg.MaxDrawdown {
		// Crossing the drawdown line is a breaker trip, not just a denial.
		m.tripLocked(ReasonMaxDrawdown, req.At)
		return m.denyLocked(req, ReasonMaxDrawdown)
	}

	observ.IncCounter("risk_approvals_total", map[string]string{"side": string(req.Side)})
	return Decision{Approved: true, SizeFraction: size, Warnings: warnings}
}

// ApplyFill folds an executed fill into the ledger. Fees are cash out the
// door on both legs; pnl is the gross quantity*(exit-entry) on SELLs and
// zero on BUYs.
func (m *Manager) ApplyFill(symbol string, side Side, sizeFraction, pnl, fee float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(at)

	net := pnl - fee
	switch side {
	case SideBuy:
		m.st.OpenExposure += sizeFraction
	case SideSell:
		m.st.OpenExposure = math.Max(0, m.st.OpenExposure-sizeFraction)
	}
	m.st.Capital += net
	m.st.DailyRealizedPnL += net
	m.st.UpdatedAt = at

	observ.SetGauge("risk_open_exposure_fraction", m.st.OpenExposure, nil)
	observ.SetGauge("risk_daily_realized_pnl_usd", m.st.DailyRealizedPnL, nil)
	observ.SetGauge("risk_capital_usd", m.st.Capital, nil)
}

// MarkEquity records the portfolio's marked-to-market value. The peak only
// ratchets up; crossing the drawdown threshold trips the breaker.
func (m *Manager) MarkEquity(equity float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(at)

	m.st.Equity = equity
	if equity > m.st.PeakEquity {
		m.st.PeakEquity = equity
	}
	m.st.Drawdown = drawdownFrom(m.st.PeakEquity, equity)
	m.st.UpdatedAt = at

	observ.SetGauge("risk_equity_usd", equity, nil)
	observ.SetGauge("risk_drawdown_fraction", m.st.Drawdown, nil)

	if !m.st.Breaker.Tripped && m.st.Drawdown >= m.cfg.MaxDrawdown {
		m.tripLocked(ReasonMaxDrawdown, at)
	}
}

// ResetDaily zeroes the daily PnL accumulator. The midnight cron calls this
// in live trading; replay detects day rolls from fill timestamps instead.
func (m *Manager) ResetDaily(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyLocked(at)
}

// ResetBreaker clears a tripped breaker. Operator action only. The equity
// peak is rebased to the current mark so the same drawdown does not
// immediately re-trip.
func (m *Manager) ResetBreaker(by, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.st.Breaker.Tripped {
		return fmt.Errorf("circuit breaker not tripped")
	}
	m.st.Breaker = Breaker{}
	m.st.PeakEquity = m.st.Equity
	m.st.Drawdown = 0
	m.st.UpdatedAt = at
	m.journal = append(m.journal, BreakerEvent{At: at, Type: "reset", Reason: reason, By: by})

	observ.SetGauge("risk_circuit_breaker_active", 0, nil)
	observ.IncCounter("risk_breaker_transitions_total", map[string]string{"type": "reset"})
	observ.Log("circuit_breaker_reset", map[string]any{"by": by, "reason": reason})
	return nil
}

// BreakerTripped reports the latch without exposing the full state.
func (m *Manager) BreakerTripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Breaker.Tripped
}

// Capital returns the current realized capital, used for sizing notionals.
func (m *Manager) Capital() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Capital
}

// Snapshot copies the ledger for persistence and the ops surface.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Journal copies the breaker event history recorded since startup.
func (m *Manager) Journal() []BreakerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BreakerEvent, len(m.journal))
	copy(out, m.journal)
	return out
}

// Restore replaces the ledger from persisted state at startup.
func (m *Manager) Restore(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = st
	if m.st.Capital == 0 {
		m.st.Capital = m.cfg.CapitalUSD
	}
	if m.st.PeakEquity == 0 {
		m.st.PeakEquity = m.st.Capital
	}
	if m.st.Equity == 0 {
		m.st.Equity = m.st.Capital
	}
}

// ReconcileExposure overwrites the exposure counter from the portfolio
// arena. Called once after restoring positions; a mismatch means the two
// stores diverged while the process was down.
func (m *Manager) ReconcileExposure(actual float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if math.Abs(actual-m.st.OpenExposure) > exposureEps {
		observ.Warn("risk_exposure_reconciled", map[string]any{
			"ledger": m.st.OpenExposure,
			"arena":  actual,
		})
	}
	m.st.OpenExposure = actual
}

func (m *Manager) denyLocked(req Request, reason string) Decision {
	observ.IncCounter("risk_denials_total", map[string]string{"reason": reason})
	observ.Log("risk_denied", map[string]any{
		"symbol": req.Symbol,
		"side":   string(req.Side),
		"reason": reason,
	})
	return Decision{Reason: reason}
}

func (m *Manager) tripLocked(reason string, at time.Time) {
	if m.st.Breaker.Tripped {
		return
	}
	m.st.Breaker = Breaker{Tripped: true, Reason: reason, TrippedAt: at}
	m.journal = append(m.journal, BreakerEvent{At: at, Type: "trip", Reason: reason})

	observ.SetGauge("risk_circuit_breaker_active", 1, nil)
	observ.IncCounter("risk_breaker_transitions_total", map[string]string{"type": "trip"})
	observ.Error("circuit_breaker_tripped", nil, map[string]any{
		"reason":   reason,
		"drawdown": m.st.Drawdown,
		"equity":   m.st.Equity,
	})
}

// rollDayLocked resets the daily accumulator when the UTC date advances.
// Replay drives this purely from event timestamps.
func (m *Manager) rollDayLocked(at time.Time) {
	d := at.UTC().Format("2006-01-02")
	if m.st.Day == "" {
		m.st.Day = d
		m.st.DayStartCapital = m.st.Capital
		return
	}
	if d != m.st.Day {
		m.resetDailyLocked(at)
	}
}

func (m *Manager) resetDailyLocked(at time.Time) {
	observ.Log("risk_daily_reset", map[string]any{
		"previous_day": m.st.Day,
		"realized_pnl": m.st.DailyRealizedPnL,
	})
	m.st.Day = at.UTC().Format("2006-01-02")
	m.st.DailyRealizedPnL = 0
	m.st.DayStartCapital = m.st.Capital
	m.st.UpdatedAt = at
	observ.SetGauge("risk_daily_realized_pnl_usd", 0, nil)
}

// dailyLossBudgetLocked is the absolute USD loss that exhausts the day.
func (m *Manager) dailyLossBudgetLocked() float64 {
	base := m.st.DayStartCapital
	if base <= 0 {
		base = m.cfg.CapitalUSD
	}
	return m.cfg.DailyLossLimit * base
}

func drawdownFrom(peak, equity float64) float64 {
	if peak <= 0 {
		return 0
	}
	dd := (peak - equity) / peak
	if dd < 0 {
		return 0
	}
	return dd
}
