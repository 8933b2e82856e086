// Package app wires the trading cycle end to end: scheduler polls feed the
// watchlist and the per-symbol reading buffer, then each asset walks
// aggregation, policy, risk and execution in a fixed order. The live runner
// and the backtester drive the same Pipeline, which is what makes replay
// results comparable to live behavior.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/executor"
	"github.com/akarpov91/tradecore/internal/observ"
	"github.com/akarpov91/tradecore/internal/policy"
	"github.com/akarpov91/tradecore/internal/portfolio"
	"github.com/akarpov91/tradecore/internal/risk"
	"github.com/akarpov91/tradecore/internal/signal"
	"github.com/akarpov91/tradecore/internal/store"
	"github.com/akarpov91/tradecore/internal/stream"
	"github.com/akarpov91/tradecore/internal/watchlist"
)

// Deps are the long-lived collaborators a Pipeline coordinates. Store and
// Publisher may be nil; replay runs pass neither. OnTrade, when set, receives
// every completed round trip after it is applied.
type Deps struct {
	Watchlist *watchlist.Manager
	Portfolio *portfolio.Manager
	Risk      *risk.Manager
	Executor  executor.Executor
	Publisher stream.Publisher
	Store     *store.Store
	OnTrade   func(store.TradeRecord)
}

// Pipeline owns the reading buffer and the decision path for one process.
// Symbols are evaluated one at a time; authorize, execute and apply run
// back to back with no interleaving, so the risk ledger never sees a fill
// it did not just approve.
type Pipeline struct {
	weights   signal.Weights
	staleness time.Duration
	cooldown  time.Duration

	watch   *watchlist.Manager
	assets  *portfolio.Manager
	risk    *risk.Manager
	policy  *policy.Engine
	exits   *risk.ExitEvaluator
	exec    executor.Executor
	pub     stream.Publisher
	store   *store.Store
	onTrade func(store.TradeRecord)

	mu     sync.Mutex
	latest map[string]map[signal.Kind]signal.Reading
}

func NewPipeline(cfg config.Root, d Deps) *Pipeline {
	exits := risk.NewExitEvaluator(cfg.Risk)
	pub := d.Publisher
	if pub == nil {
		pub = stream.Noop{}
	}
	return &Pipeline{
		weights: signal.Weights{
			Technical:     cfg.Weights.Technical,
			Sentiment:     cfg.Weights.Sentiment,
			Social:        cfg.Weights.Social,
			MarketContext: cfg.Weights.MarketContext,
		},
		staleness: cfg.Signals.StalenessWindow,
		cooldown:  cfg.Risk.CooldownAfterExit,
		watch:     d.Watchlist,
		assets:    d.Portfolio,
		risk:      d.Risk,
		policy:    policy.NewEngine(cfg.Thresholds, cfg.Risk, cfg.Signals.HighConfidence, d.Risk, exits),
		exits:     exits,
		exec:      d.Executor,
		pub:       pub,
		store:     d.Store,
		onTrade:   d.OnTrade,
		latest:    make(map[string]map[signal.Kind]signal.Reading),
	}
}

// ObservePrice records a mark for the symbol, creating the asset on first
// sight.
func (p *Pipeline) ObservePrice(symbol string, price, change24h float64, at time.Time) {
	p.assets.ObservePrice(symbol, price, change24h, at)
}

// ObserveReading feeds one reading to the watchlist and keeps the newest
// reading per kind for aggregation. Re-served cached batches carry readings
// already seen; the ObservedAt comparison makes re-ingestion a no-op.
func (p *Pipeline) ObserveReading(r signal.Reading) watchlist.Status {
	st := p.watch.Observe(r)

	p.mu.Lock()
	defer p.mu.Unlock()
	byKind, ok := p.latest[r.Symbol]
	if !ok {
		byKind = make(map[signal.Kind]signal.Reading, len(signal.Kinds))
		p.latest[r.Symbol] = byKind
	}
	if cur, ok := byKind[r.Kind]; !ok || r.ObservedAt.After(cur.ObservedAt) {
		byKind[r.Kind] = r
	}
	return st
}

// Readings returns the buffered latest reading per kind in canonical kind
// order. Staleness is not applied here; the aggregator and the policy engine
// filter against their own clocks.
func (p *Pipeline) Readings(symbol string) []signal.Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	byKind := p.latest[symbol]
	out := make([]signal.Reading, 0, len(byKind))
	for _, k := range signal.Kinds {
		if r, ok := byKind[k]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Symbols lists tracked assets in deterministic order.
func (p *Pipeline) Symbols() []string {
	return p.assets.Symbols()
}

// EvaluateSymbol runs one asset through aggregation, policy and, when the
// outcome is a trade, execution and state application. The returned outcome
// is what the policy decided, even when execution subsequently failed.
func (p *Pipeline) EvaluateSymbol(ctx context.Context, symbol string, now time.Time) (policy.Outcome, error) {
	out := p.Decide(ctx, symbol, now)
	if out.Action == policy.ActionNoAction {
		return out, nil
	}
	return out, p.Apply(ctx, out, now)
}

// Decide runs aggregation and policy for one asset without executing the
// result. Trailing levels still advance; the decision event still publishes.
// The live loop applies the outcome immediately; the backtester may hold it
// for the symbol's next tick.
func (p *Pipeline) Decide(ctx context.Context, symbol string, now time.Time) policy.Outcome {
	asset, ok := p.assets.Get(symbol)
	if !ok || asset.Price <= 0 {
		return policy.Outcome{Symbol: symbol, Action: policy.ActionNoAction}
	}

	readings := p.Readings(symbol)
	comp := signal.Aggregate(symbol, readings, p.weights, p.staleness, now)
	observ.SetGauge("composite_score", comp.Score, map[string]string{"symbol": symbol})
	out := p.policy.Evaluate(policy.Input{
		Asset:     asset,
		Composite: comp,
		Readings:  signal.LatestFresh(symbol, readings, p.staleness, now),
		Status:    p.watch.Status(symbol),
		Now:       now,
	})
	observ.IncCounter("decisions_total", map[string]string{
		"action": string(out.Action), "trigger": out.Trigger,
	})

	// Trailing levels advance even on NO_ACTION; a SELL is about to drop the
	// position, so only non-exits write them back.
	if out.LevelsChanged && out.Action != policy.ActionSell && asset.Position != nil {
		p.assets.UpdateStops(symbol, out.Levels.Stop, out.Levels.HighWater, out.Levels.TrailingActive)
		p.persistPosition(symbol)
	}
	p.publishDecision(ctx, out, now)
	return out
}

// Apply executes a decided outcome against the asset's price as of now. The
// asset is re-read here, not carried over from Decide, so delayed fills land
// at the fill-time mark.
func (p *Pipeline) Apply(ctx context.Context, out policy.Outcome, now time.Time) error {
	asset, ok := p.assets.Get(out.Symbol)
	if !ok || asset.Price <= 0 {
		return fmt.Errorf("apply %s %s: unknown or unpriced asset", out.Action, out.Symbol)
	}
	switch out.Action {
	case policy.ActionBuy:
		return p.enter(ctx, out, asset, now)
	case policy.ActionSell:
		return p.exit(ctx, out, asset, now)
	}
	return nil
}

// enter opens a position from an approved BUY. Sizing is a fraction of
// current capital at the last observed price; protective levels derive from
// the actual fill price, not the reference.
func (p *Pipeline) enter(ctx context.Context, out policy.Outcome, asset portfolio.Asset, now time.Time) error {
	notional := p.risk.Capital() * out.SizeFraction
	if notional <= 0 {
		return fmt.Errorf("cannot size %s entry from capital %.2f", asset.Symbol, p.risk.Capital())
	}
	qty := notional / asset.Price

	intent := executor.NewIntent(asset.Symbol, executor.SideBuy, out.Mode, qty, asset.Price, out.SizeFraction, out.Trigger, now)
	fill, err := p.exec.Execute(ctx, intent)
	if err != nil {
		if errors.Is(err, executor.ErrDuplicateIntent) {
			observ.Warn("entry_suppressed_duplicate", map[string]any{"symbol": asset.Symbol})
			return nil
		}
		return fmt.Errorf("execute buy %s: %w", asset.Symbol, err)
	}

	stop, takeProfit := p.exits.EntryLevels(fill.Price, out.Mode)
	pos := portfolio.Position{
		Quantity:        fill.Quantity,
		EntryPrice:      fill.Price,
		EntryTime:       fill.FilledAt,
		Mode:            out.Mode,
		SizeFraction:    out.SizeFraction,
		StopPrice:       stop,
		TakeProfitPrice: takeProfit,
		HighWater:       fill.Price,
		EntryFee:        fill.Fee,
		Tag:             out.Trigger,
	}
	if err := p.assets.Open(asset.Symbol, pos); err != nil {
		return fmt.Errorf("open %s: %w", asset.Symbol, err)
	}
	p.risk.ApplyFill(asset.Symbol, risk.SideBuy, out.SizeFraction, 0, fill.Fee, fill.FilledAt)
	p.persistPosition(asset.Symbol)
	p.persistRisk()
	p.publishFill(ctx, fill, out.Mode, 0, out.Trigger)

	observ.Log("position_opened", map[string]any{
		"symbol":   asset.Symbol,
		"mode":     string(out.Mode),
		"quantity": fill.Quantity,
		"price":    fill.Price,
		"fraction": out.SizeFraction,
		"trigger":  out.Trigger,
		"stop":     stop,
		"target":   takeProfit,
	})
	return nil
}

// exit closes the open position behind a SELL. Realized PnL is gross price
// movement; both fee legs come off before the trade is recorded.
func (p *Pipeline) exit(ctx context.Context, out policy.Outcome, asset portfolio.Asset, now time.Time) error {
	if asset.Position == nil {
		return fmt.Errorf("sell decision for flat asset %s", asset.Symbol)
	}
	held := *asset.Position

	intent := executor.NewIntent(asset.Symbol, executor.SideSell, held.Mode, held.Quantity, asset.Price, held.SizeFraction, out.Trigger, now)
	fill, err := p.exec.Execute(ctx, intent)
	if err != nil {
		if errors.Is(err, executor.ErrDuplicateIntent) {
			observ.Warn("exit_suppressed_duplicate", map[string]any{"symbol": asset.Symbol})
			return nil
		}
		return fmt.Errorf("execute sell %s: %w", asset.Symbol, err)
	}

	closed, err := p.assets.Close(asset.Symbol)
	if err != nil {
		return fmt.Errorf("close %s: %w", asset.Symbol, err)
	}
	gross := closed.Quantity * (fill.Price - closed.EntryPrice)
	p.risk.ApplyFill(asset.Symbol, risk.SideSell, closed.SizeFraction, gross, fill.Fee, fill.FilledAt)
	p.assets.SetCooldown(asset.Symbol, fill.FilledAt.Add(p.cooldown))

	net := gross - closed.EntryFee - fill.Fee
	tr := store.TradeRecord{
		Symbol:       asset.Symbol,
		Mode:         string(closed.Mode),
		Quantity:     closed.Quantity,
		SizeFraction: closed.SizeFraction,
		EntryPrice:   closed.EntryPrice,
		ExitPrice:    fill.Price,
		EntryTime:    closed.EntryTime,
		ExitTime:     fill.FilledAt,
		PnL:          net,
		Fees:         closed.EntryFee + fill.Fee,
		EntryTrigger: closed.Tag,
		ExitTag:      out.Trigger,
	}
	if p.store != nil {
		if err := p.store.DeletePosition(asset.Symbol); err != nil {
			observ.Error("position_delete_failed", err, map[string]any{"symbol": asset.Symbol})
		}
		if err := p.store.RecordTrade(tr); err != nil {
			observ.Error("trade_persist_failed", err, map[string]any{"symbol": asset.Symbol})
		}
	}
	if p.onTrade != nil {
		p.onTrade(tr)
	}
	p.persistRisk()
	p.publishFill(ctx, fill, closed.Mode, net, out.Trigger)

	observ.Log("position_closed", map[string]any{
		"symbol": asset.Symbol,
		"mode":   string(closed.Mode),
		"pnl":    net,
		"tag":    out.Trigger,
		"held":   fill.FilledAt.Sub(closed.EntryTime).String(),
		"entry":  closed.EntryPrice,
		"exit":   fill.Price,
	})
	observ.Observe("trade_pnl_usd", net, map[string]string{"mode": string(closed.Mode)})
	return nil
}

// MarkEquity computes NAV as capital plus unrealized PnL at last marks, runs
// it through the drawdown check, and records the equity curve point.
func (p *Pipeline) MarkEquity(at time.Time) float64 {
	equity := p.risk.Capital() + p.assets.UnrealizedTotal()
	p.risk.MarkEquity(equity, at)
	if p.store != nil {
		if err := p.store.RecordEquityMark(at, equity, p.risk.Snapshot().Drawdown); err != nil {
			observ.Error("equity_mark_persist_failed", err, nil)
		}
	}
	return equity
}

// PersistState flushes the watchlist and the risk ledger. Positions persist
// at mutation time; this covers the slower-moving state at cycle end.
func (p *Pipeline) PersistState() {
	if p.store == nil {
		return
	}
	if err := p.store.SaveWatchlist(p.watch.Snapshot()); err != nil {
		observ.Error("watchlist_persist_failed", err, nil)
	}
	p.persistRisk()
}

// RestoreFromStore reloads persisted positions, watchlist entries and the
// risk ledger, then reconciles the exposure counter against what the arena
// actually holds.
func (p *Pipeline) RestoreFromStore() error {
	if p.store == nil {
		return nil
	}
	positions, err := p.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	for sym, pos := range positions {
		p.assets.RestorePosition(sym, pos)
	}
	entries, err := p.store.LoadWatchlist()
	if err != nil {
		return fmt.Errorf("restore watchlist: %w", err)
	}
	p.watch.Restore(entries)
	st, ok, err := p.store.LoadRiskState()
	if err != nil {
		return fmt.Errorf("restore risk state: %w", err)
	}
	if ok {
		p.risk.Restore(st)
	}
	p.risk.ReconcileExposure(p.assets.OpenExposure())
	if len(positions) > 0 || len(entries) > 0 {
		observ.Log("state_restored", map[string]any{
			"positions": len(positions),
			"watchlist": len(entries),
		})
	}
	return nil
}

func (p *Pipeline) persistPosition(symbol string) {
	if p.store == nil {
		return
	}
	asset, ok := p.assets.Get(symbol)
	if !ok || asset.Position == nil {
		return
	}
	if err := p.store.SavePosition(symbol, *asset.Position); err != nil {
		observ.Error("position_persist_failed", err, map[string]any{"symbol": symbol})
	}
}

func (p *Pipeline) persistRisk() {
	if p.store == nil {
		return
	}
	if err := p.store.SaveRiskState(p.risk.Snapshot()); err != nil {
		observ.Error("risk_persist_failed", err, nil)
	}
}

func (p *Pipeline) publishDecision(ctx context.Context, out policy.Outcome, at time.Time) {
	if out.Action == policy.ActionNoAction && out.Denied == "" {
		return
	}
	ev := stream.DecisionEvent{
		Symbol:    out.Symbol,
		Action:    string(out.Action),
		Mode:      string(out.Mode),
		Trigger:   out.Trigger,
		Composite: out.Reason.Composite,
		Size:      out.SizeFraction,
		Denied:    out.Denied,
		Reason:    json.RawMessage(out.Reason.JSON()),
		At:        at,
	}
	if err := p.pub.PublishDecision(ctx, ev); err != nil {
		observ.Warn("decision_publish_failed", map[string]any{"symbol": out.Symbol, "error": err.Error()})
	}
}

func (p *Pipeline) publishFill(ctx context.Context, f executor.Fill, mode portfolio.Mode, pnl float64, tag string) {
	ev := stream.FillEvent{
		OrderID:  f.OrderID,
		Symbol:   f.Symbol,
		Side:     string(f.Side),
		Mode:     string(mode),
		Quantity: f.Quantity,
		Price:    f.Price,
		Fee:      f.Fee,
		PnL:      pnl,
		Tag:      tag,
		At:       f.FilledAt,
	}
	if err := p.pub.PublishFill(ctx, ev); err != nil {
		observ.Warn("fill_publish_failed", map[string]any{"order_id": f.OrderID, "error": err.Error()})
	}
}
