package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/akarpov91/tradecore/internal/app"
	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/executor"
	"github.com/akarpov91/tradecore/internal/observ"
	"github.com/akarpov91/tradecore/internal/policy"
	"github.com/akarpov91/tradecore/internal/portfolio"
	"github.com/akarpov91/tradecore/internal/risk"
	"github.com/akarpov91/tradecore/internal/store"
	"github.com/akarpov91/tradecore/internal/stream"
	"github.com/akarpov91/tradecore/internal/watchlist"
)

// FillTiming selects when a decided trade reaches the executor.
type FillTiming string

const (
	// FillNextTick holds each decision until the symbol's next tick and
	// fills at that mark, re-checking risk at fill time. This is the honest
	// default: live decisions also act on a price that has already moved.
	FillNextTick FillTiming = "next_tick"
	// FillSameTick fills at the deciding tick's mark.
	FillSameTick FillTiming = "same_tick"
)

// Options tune a replay run.
type Options struct {
	Timing FillTiming // empty means next_tick
}

// Engine replays one fixture against one config.
type Engine struct {
	cfg  config.Root
	fx   Fixture
	opts Options
}

func New(cfg config.Root, fx Fixture, opts Options) *Engine {
	return &Engine{cfg: cfg, fx: fx, opts: opts}
}

// EquityPoint is one mark on the replay equity curve.
type EquityPoint struct {
	TS     time.Time `json:"ts"`
	Equity float64   `json:"equity"`
}

// Result is everything a replay produces. It contains no wall-clock values;
// marshaling the same run twice gives identical bytes.
type Result struct {
	Timing      string              `json:"fill_timing"`
	StartEquity float64             `json:"start_equity"`
	EndEquity   float64             `json:"end_equity"`
	TotalReturn float64             `json:"total_return"`
	Ticks       int                 `json:"ticks"`
	Decisions   int                 `json:"decisions"`
	Unfilled    int                 `json:"unfilled_intents"`
	OpenAtEnd   int                 `json:"open_positions_at_end"`
	Trades      []store.TradeRecord `json:"trades"`
	Metrics     Metrics             `json:"metrics"`
	EquityCurve []EquityPoint       `json:"equity_curve"`
}

func (e *Engine) timing() (FillTiming, error) {
	switch e.opts.Timing {
	case "":
		return FillNextTick, nil
	case FillNextTick, FillSameTick:
		return e.opts.Timing, nil
	default:
		return "", fmt.Errorf("unknown fill timing %q", e.opts.Timing)
	}
}

// Run replays the fixture tick by tick. Events sharing a timestamp are
// processed in symbol order; equity marks once per timestamp. The watchlist
// clock is the replay clock, so admissions and expiries track fixture time,
// not wall time.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	timing, err := e.timing()
	if err != nil {
		return Result{}, err
	}
	if err := e.fx.normalize(); err != nil {
		return Result{}, err
	}
	events := e.fx.merged()
	if len(events) == 0 {
		return Result{}, fmt.Errorf("fixture has no ticks")
	}

	var now time.Time
	watch := watchlist.New(e.cfg.Watchlist, e.cfg.Signals.HighConfidence, func() time.Time { return now })
	arena := portfolio.NewManager()
	rk := risk.NewManager(e.cfg.Risk)

	var trades []store.TradeRecord
	pipe := app.NewPipeline(e.cfg, app.Deps{
		Watchlist: watch,
		Portfolio: arena,
		Risk:      rk,
		Executor:  executor.NewPaper(e.cfg.Paper, nil),
		Publisher: stream.Noop{},
		OnTrade:   func(tr store.TradeRecord) { trades = append(trades, tr) },
	})

	// applyPending lands a decision queued at the symbol's previous tick.
	// Buys pass through authorization again: the ledger or the blacklist may
	// have moved since the decision was made.
	applyPending := func(out policy.Outcome, ts time.Time) bool {
		if out.Action == policy.ActionBuy {
			if watch.Blacklisted(out.Symbol) {
				observ.Log("delayed_fill_denied", map[string]any{"symbol": out.Symbol, "reason": "blacklisted"})
				return false
			}
			a, ok := arena.Get(out.Symbol)
			if !ok {
				return false
			}
			d := rk.Authorize(risk.Request{
				Symbol:       out.Symbol,
				Side:         risk.SideBuy,
				Mode:         out.Mode,
				SizeFraction: out.SizeFraction,
				Price:        a.Price,
				At:           ts,
			})
			if !d.Approved {
				observ.Log("delayed_fill_denied", map[string]any{"symbol": out.Symbol, "reason": d.Reason})
				return false
			}
			out.SizeFraction = d.SizeFraction
		}
		if err := pipe.Apply(ctx, out, ts); err != nil {
			observ.Warn("delayed_fill_failed", map[string]any{"symbol": out.Symbol, "error": err.Error()})
			return false
		}
		return true
	}

	start := rk.Capital()
	pending := make(map[string]policy.Outcome)
	var (
		curve     []EquityPoint
		decisions int
		unfilled  int
		lastHour  time.Time
	)

	for i := 0; i < len(events); {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		ts := events[i].ts
		now = ts

		// Hourly sweep on replay time, mirroring the live schedule.
		if hour := ts.Truncate(time.Hour); hour.After(lastHour) {
			watch.Sweep()
			lastHour = hour
		}

		for ; i < len(events) && events[i].ts.Equal(ts); i++ {
			ev := events[i]
			pipe.ObservePrice(ev.symbol, ev.tick.Price, ev.tick.Change24h, ts)
			for _, r := range ev.tick.Readings {
				pipe.ObserveReading(r)
			}

			if out, ok := pending[ev.symbol]; ok {
				delete(pending, ev.symbol)
				if !applyPending(out, ts) {
					unfilled++
				}
			}

			out := pipe.Decide(ctx, ev.symbol, ts)
			if out.Action == policy.ActionNoAction {
				continue
			}
			decisions++
			if timing == FillSameTick {
				if err := pipe.Apply(ctx, out, ts); err != nil {
					return Result{}, fmt.Errorf("apply %s %s at %s: %w", out.Action, out.Symbol, ts.Format(time.RFC3339), err)
				}
			} else {
				pending[ev.symbol] = out
			}
		}
		curve = append(curve, EquityPoint{TS: ts, Equity: pipe.MarkEquity(ts)})
	}
	unfilled += len(pending)

	end := rk.Capital() + arena.UnrealizedTotal()
	res := Result{
		Timing:      string(timing),
		StartEquity: start,
		EndEquity:   end,
		TotalReturn: (end - start) / start,
		Ticks:       len(events),
		Decisions:   decisions,
		Unfilled:    unfilled,
		OpenAtEnd:   len(arena.OpenPositions()),
		Trades:      trades,
		Metrics:     computeMetrics(trades, curve, start),
		EquityCurve: curve,
	}
	observ.Log("backtest_complete", map[string]any{
		"timing":       res.Timing,
		"ticks":        res.Ticks,
		"trades":       len(res.Trades),
		"total_return": res.TotalReturn,
	})
	return res, nil
}
