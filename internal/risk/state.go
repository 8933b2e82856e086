// Package risk is the sole authority on capital. Every BUY passes through
// Authorize before an order may be built; SELLs reduce risk and are always
// approved. Checks are re-evaluated on every request, nothing is cached
// across cycles.
package risk

import "time"

// Side of an order request, from the risk manager's point of view.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Denial reasons returned by Authorize. Stable strings: they appear in logs,
// metrics labels and published decision events.
const (
	ReasonCircuitBreaker = "circuit_breaker"
	ReasonCapitalCeiling = "capital_ceiling"
	ReasonDailyLossLimit = "daily_loss_limit"
	ReasonMaxDrawdown    = "max_drawdown"
)

// Exit tags label why a position was closed.
const (
	TagStopLoss     = "stop_loss"
	TagTakeProfit   = "take_profit"
	TagMaxHold      = "max_hold"
	TagTrailingStop = "trailing_stop"
)

// Breaker is a latch: once tripped it stays tripped until an operator resets
// it. There is no auto-expiry.
type Breaker struct {
	Tripped   bool      `json:"tripped"`
	Reason    string    `json:"reason,omitempty"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
}

// BreakerEvent records one breaker state change for the ops surface.
type BreakerEvent struct {
	At     time.Time `json:"at"`
	Type   string    `json:"type"` // trip | reset
	Reason string    `json:"reason"`
	By     string    `json:"by,omitempty"`
}

// State is the persisted risk ledger. Drawdown and exposure are maintained
// incrementally; the portfolio arena is the cross-check, not the source.
type State struct {
	Capital          float64   `json:"capital"`
	DayStartCapital  float64   `json:"day_start_capital"`
	DailyRealizedPnL float64   `json:"daily_realized_pnl"`
	Day              string    `json:"day"` // UTC date owning the daily accumulator
	Equity           float64   `json:"equity"`
	PeakEquity       float64   `json:"peak_equity"`
	Drawdown         float64   `json:"drawdown"` // fraction below peak, >= 0
	OpenExposure     float64   `json:"open_exposure"`
	Breaker          Breaker   `json:"breaker"`
	UpdatedAt        time.Time `json:"updated_at"`
}
