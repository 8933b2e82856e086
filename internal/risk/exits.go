package risk

import (
	"time"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/portfolio"
)

// Exit is the verdict for one open position at one price.
type Exit struct {
	Triggered bool
	Tag       string
}

// Levels are the protective prices after advancing the trailing stop.
// Raised tells the caller whether the arena copy needs rewriting.
type Levels struct {
	Stop           float64
	HighWater      float64
	TrailingActive bool
	Raised         bool
}

// ExitEvaluator applies the mandatory exit rules. It holds no state of its
// own: everything it needs rides on the position, which keeps live and
// replay evaluation identical.
type ExitEvaluator struct {
	cfg config.Risk
}

func NewExitEvaluator(cfg config.Risk) *ExitEvaluator {
	return &ExitEvaluator{cfg: cfg}
}

// EntryLevels computes the initial stop and take-profit for a new position.
// The take-profit distance is the stop distance scaled by the mode's
// reward:risk ratio.
func (e *ExitEvaluator) EntryLevels(entry float64, mode portfolio.Mode) (stop, takeProfit float64) {
	stop = entry * (1 - e.cfg.StopLossPct)
	rr := e.cfg.HoldRewardRisk
	if mode == portfolio.ModeFlip {
		rr = e.cfg.FlipRewardRisk
	}
	takeProfit = entry * (1 + e.cfg.StopLossPct*rr)
	return stop, takeProfit
}

// MaxHold is the longest a position of the given mode may stay open.
func (e *ExitEvaluator) MaxHold(mode portfolio.Mode) time.Duration {
	if mode == portfolio.ModeFlip {
		return e.cfg.FlipMaxHold
	}
	return e.cfg.HoldMaxHold
}

// Evaluate advances the trailing stop against the latest price, then checks
// every exit rule. The stop only ever moves up. Callers must persist the
// returned levels when Raised is set, whether or not an exit fired.
func (e *ExitEvaluator) Evaluate(pos portfolio.Position, price float64, now time.Time) (Exit, Levels) {
	lv := e.advance(pos, price)

	if price <= lv.Stop {
		tag := TagStopLoss
		if lv.TrailingActive && lv.Stop > pos.EntryPrice*(1-e.cfg.StopLossPct)+exposureEps {
			tag = TagTrailingStop
		}
		return Exit{Triggered: true, Tag: tag}, lv
	}
	if pos.TakeProfitPrice > 0 && price >= pos.TakeProfitPrice {
		return Exit{Triggered: true, Tag: TagTakeProfit}, lv
	}
	if pos.HoldingFor(now) >= e.MaxHold(pos.Mode) {
		return Exit{Triggered: true, Tag: TagMaxHold}, lv
	}
	return Exit{}, lv
}

// advance ratchets the high-water mark and, once the activation gain is
// reached, drags the stop up behind it.
func (e *ExitEvaluator) advance(pos portfolio.Position, price float64) Levels {
	lv := Levels{
		Stop:           pos.StopPrice,
		HighWater:      pos.HighWater,
		TrailingActive: pos.TrailingActive,
	}
	if price > lv.HighWater {
		lv.HighWater = price
		lv.Raised = true
	}
	t := e.cfg.Trailing
	if !t.Enabled {
		return lv
	}
	if !lv.TrailingActive && price >= pos.EntryPrice*(1+t.ActivatePct) {
		lv.TrailingActive = true
		lv.Raised = true
	}
	if lv.TrailingActive {
		if s := lv.HighWater * (1 - t.TrailPct); s > lv.Stop {
			lv.Stop = s
			lv.Raised = true
		}
	}
	return lv
}
