// Package policy is the per-asset decision table. Given the composite score,
// the watch status and the current position, it emits at most one action per
// evaluation: a protective SELL, a tiered BUY, or nothing. The rules run in
// strict priority order and the whole evaluation is deterministic, so live
// trading and replay produce identical decisions from identical inputs.
package policy

import (
	"encoding/json"
	"time"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/portfolio"
	"github.com/akarpov91/tradecore/internal/risk"
	"github.com/akarpov91/tradecore/internal/signal"
	"github.com/akarpov91/tradecore/internal/watchlist"
)

type Action string

const (
	ActionBuy      Action = "BUY"
	ActionSell     Action = "SELL"
	ActionNoAction Action = "NO_ACTION"
)

// PositionState names where the per-asset machine sits. It is derived from
// the position, never stored separately.
type PositionState string

const (
	StateFlat     PositionState = "FLAT"
	StateLongFlip PositionState = "LONG_FLIP"
	StateLongHold PositionState = "LONG_HOLD"
)

// StateOf maps a position (possibly nil) to its machine state.
func StateOf(pos *portfolio.Position) PositionState {
	switch {
	case pos == nil:
		return StateFlat
	case pos.Mode == portfolio.ModeFlip:
		return StateLongFlip
	default:
		return StateLongHold
	}
}

// Trigger tags attached to BUY decisions, checked in this order. The first
// matching tag wins; "score" is the fallback when the composite alone drove
// the entry.
const (
	TriggerEventDriven = "event_driven"
	TriggerTrending    = "trending"
	TriggerMomentum    = "momentum"
	TriggerContrarian  = "contrarian"
	TriggerScore       = "score"

	// TriggerBlacklistExit tags the forced SELL when an asset with an open
	// position gets blacklisted.
	TriggerBlacklistExit = "blacklist_exit"
)

// Classification thresholds. These label decisions for analysis; entry
// admission itself is governed by the configured buy thresholds.
const (
	eventTriggerScore = 0.8
	trendingEvidence  = 3
	trendingScore     = 0.6
	momentumMove      = 0.05
	contrarianDrop    = -0.05
	contrarianScore   = 0.6
)

// Authorizer is the slice of the risk manager the policy calls. Concretely
// *risk.Manager; tests substitute a scripted one.
type Authorizer interface {
	Authorize(req risk.Request) risk.Decision
}

// Input is everything one evaluation reads. All fields are copies; Evaluate
// never mutates shared state directly.
type Input struct {
	Asset     portfolio.Asset
	Composite signal.Composite
	Readings  []signal.Reading // latest fresh reading per kind, canonical order
	Status    watchlist.Status
	Now       time.Time
}

// Outcome is one evaluation's verdict. Levels carry the advanced trailing
// stop for open positions and must be persisted by the caller when
// LevelsChanged is set, even on NO_ACTION.
type Outcome struct {
	Symbol        string
	Action        Action
	Mode          portfolio.Mode
	SizeFraction  float64
	Trigger       string
	From, To      PositionState
	Levels        risk.Levels
	LevelsChanged bool
	Denied        string // risk denial reason when a BUY was vetoed
	Reason        Reason
}

// Reason is the structured explanation logged with every non-trivial outcome
// and published on the decision stream.
type Reason struct {
	Composite   float64       `json:"composite"`
	Missing     []signal.Kind `json:"missing,omitempty"`
	Trigger     string        `json:"trigger,omitempty"`
	Tier        string        `json:"tier,omitempty"` // strong | moderate
	ExitTag     string        `json:"exit_tag,omitempty"`
	Blocked     []string      `json:"blocked,omitempty"`
	Cooldown    bool          `json:"cooldown,omitempty"`
	WatchStatus string        `json:"watch_status,omitempty"`
}

// JSON renders the reason for logs and events. Marshal of this struct cannot
// fail; the error is deliberately dropped.
func (r Reason) JSON() string {
	b, _ := json.Marshal(r)
	return string(b)
}

// Engine evaluates one asset at a time. It owns no mutable state; the risk
// manager and exit evaluator it delegates to carry their own locking.
type Engine struct {
	thresholds config.Thresholds
	riskCfg    config.Risk
	hiConf     float64
	auth       Authorizer
	exits      *risk.ExitEvaluator
}

func NewEngine(th config.Thresholds, rk config.Risk, highConfidence float64, auth Authorizer, exits *risk.ExitEvaluator) *Engine {
	return &Engine{
		thresholds: th,
		riskCfg:    rk,
		hiConf:     highConfidence,
		auth:       auth,
		exits:      exits,
	}
}

// Evaluate runs the rule table for one asset. Priority: blacklist exit, then
// protective exits, then tiered entries, then nothing. Holding an asset
// suppresses further BUYs; there is no pyramiding.
func (e *Engine) Evaluate(in Input) Outcome {
	pos := in.Asset.Position
	out := Outcome{
		Symbol: in.Asset.Symbol,
		Action: ActionNoAction,
		From:   StateOf(pos),
		Reason: Reason{
			Composite:   in.Composite.Score,
			Missing:     in.Composite.Missing,
			WatchStatus: string(in.Status),
		},
	}
	out.To = out.From

	// Rule 1: blacklisted with an open position exits immediately, ahead of
	// every other rule.
	if in.Status == watchlist.StatusBlacklisted && pos != nil {
		return e.sell(out, *pos, TriggerBlacklistExit)
	}

	// Rule 2: protective exits. The trailing stop advances even when no exit
	// fires, so the levels always travel back to the caller.
	if pos != nil {
		ex, lv := e.exits.Evaluate(*pos, in.Asset.Price, in.Now)
		out.Levels = lv
		out.LevelsChanged = lv.Raised
		if ex.Triggered {
			return e.sell(out, *pos, ex.Tag)
		}
		return out
	}

	// Rule 3: entries. Flat assets only, and only when admitted.
	if in.Status == watchlist.StatusBlacklisted {
		out.Reason.Blocked = append(out.Reason.Blocked, "blacklisted")
		return out
	}
	if in.Status != watchlist.StatusWatchlisted {
		out.Reason.Blocked = append(out.Reason.Blocked, "not_watchlisted")
		return out
	}
	if in.Asset.InCooldown(in.Now) {
		out.Reason.Cooldown = true
		out.Reason.Blocked = append(out.Reason.Blocked, "cooldown")
		return out
	}
	if in.Composite.AllMissing() {
		out.Reason.Blocked = append(out.Reason.Blocked, "no_fresh_signals")
		return out
	}

	score := in.Composite.Score
	if score <= e.thresholds.ModerateBuy {
		return out
	}

	mode, frac, tier := portfolio.ModeHold, e.riskCfg.HoldFraction, "moderate"
	if score > e.thresholds.StrongBuy {
		mode, frac, tier = portfolio.ModeFlip, e.riskCfg.FlipFraction, "strong"
	}
	out.Trigger = e.classify(in)
	out.Reason.Trigger = out.Trigger
	out.Reason.Tier = tier

	d := e.auth.Authorize(risk.Request{
		Symbol:       in.Asset.Symbol,
		Side:         risk.SideBuy,
		Mode:         mode,
		SizeFraction: frac,
		Price:        in.Asset.Price,
		At:           in.Now,
	})
	if !d.Approved {
		out.Denied = d.Reason
		out.Reason.Blocked = append(out.Reason.Blocked, d.Reason)
		return out
	}

	out.Action = ActionBuy
	out.Mode = mode
	out.SizeFraction = d.SizeFraction
	if mode == portfolio.ModeFlip {
		out.To = StateLongFlip
	} else {
		out.To = StateLongHold
	}
	return out
}

func (e *Engine) sell(out Outcome, pos portfolio.Position, tag string) Outcome {
	out.Action = ActionSell
	out.Mode = pos.Mode
	out.SizeFraction = pos.SizeFraction
	out.Trigger = tag
	out.Reason.ExitTag = tag
	out.To = StateFlat
	return out
}

// classify picks the highest-priority trigger tag that fits the evidence.
// Order is existence-based per tag, so reading order cannot change the
// result.
func (e *Engine) classify(in Input) string {
	var sentiment *signal.Reading
	for i := range in.Readings {
		r := in.Readings[i]
		if r.Score > eventTriggerScore && r.Confidence >= e.hiConf {
			return TriggerEventDriven
		}
		if r.Kind == signal.KindSentiment {
			sentiment = &in.Readings[i]
		}
	}
	if sentiment != nil && sentiment.Evidence.Count >= trendingEvidence && sentiment.Score > trendingScore {
		return TriggerTrending
	}
	if in.Asset.Change24h > momentumMove && in.Composite.Score > e.thresholds.ModerateBuy {
		return TriggerMomentum
	}
	if in.Asset.Change24h < contrarianDrop && sentiment != nil && sentiment.Score > contrarianScore {
		return TriggerContrarian
	}
	return TriggerScore
}
