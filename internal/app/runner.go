package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/observ"
	"github.com/akarpov91/tradecore/internal/scheduler"
	"github.com/akarpov91/tradecore/internal/sources"
)

// Runner drives the live loop: a cycle every interval, the daily risk reset
// at UTC midnight, an hourly watchlist sweep. Cycles never overlap; if one
// runs long the next tick is skipped and counted rather than queued.
type Runner struct {
	cfg   config.Root
	pipe  *Pipeline
	sched *scheduler.Scheduler
	cron  *cron.Cron
	busy  atomic.Bool
	clock func() time.Time
}

func NewRunner(cfg config.Root, pipe *Pipeline, sched *scheduler.Scheduler) *Runner {
	return &Runner{cfg: cfg, pipe: pipe, sched: sched, clock: time.Now}
}

// Start registers the schedules and kicks off the first cycle immediately.
// All schedules run in UTC so the daily reset lands on the same boundary the
// loss ledger rolls on.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.cfg.Engine.CycleInterval), func() { r.RunCycle(ctx) }); err != nil {
		return fmt.Errorf("schedule cycle: %w", err)
	}
	if _, err := c.AddFunc("0 0 0 * * *", r.dailyReset); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	if _, err := c.AddFunc("0 0 * * * *", r.sweepWatchlist); err != nil {
		return fmt.Errorf("schedule watchlist sweep: %w", err)
	}
	c.Start()
	r.cron = c

	observ.Log("runner_started", map[string]any{
		"cycle_interval": r.cfg.Engine.CycleInterval.String(),
		"cycle_budget":   r.cfg.Engine.CycleBudget.String(),
	})
	go r.RunCycle(ctx)
	return nil
}

// Stop halts the schedules and waits for an in-flight cycle to finish.
func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	observ.Log("runner_stopped", nil)
}

// RunCycle executes one full cycle: poll all sources, ingest, evaluate every
// asset in symbol order, mark equity, persist. The cycle budget bounds the
// whole thing; evaluation stops early when the budget is gone and the
// remaining symbols wait for the next cycle.
func (r *Runner) RunCycle(ctx context.Context) {
	if !r.busy.CompareAndSwap(false, true) {
		observ.IncCounter("cycles_overlapped_total", nil)
		observ.Warn("cycle_overlap_skipped", nil)
		return
	}
	defer r.busy.Store(false)

	start := r.clock()
	cctx, cancel := context.WithTimeout(ctx, r.cfg.Engine.CycleBudget)
	defer cancel()

	batches := r.poll(cctx)
	sort.Slice(batches, func(i, j int) bool { return batches[i].Source < batches[j].Source })

	readings, prices := 0, 0
	for _, b := range batches {
		for _, pp := range b.Prices {
			r.pipe.ObservePrice(pp.Symbol, pp.Price, pp.Change24h, pp.AsOf)
			prices++
		}
		for _, rd := range b.Readings {
			r.pipe.ObserveReading(rd)
			readings++
		}
	}

	now := r.clock()
	evaluated, failed := 0, 0
	for _, symbol := range r.pipe.Symbols() {
		if cctx.Err() != nil {
			observ.Warn("cycle_budget_exhausted", map[string]any{"pending_from": symbol})
			break
		}
		if _, err := r.pipe.EvaluateSymbol(cctx, symbol, now); err != nil {
			failed++
			observ.Error("evaluate_failed", err, map[string]any{"symbol": symbol})
			continue
		}
		evaluated++
	}

	equity := r.pipe.MarkEquity(r.clock())
	r.pipe.PersistState()

	elapsed := r.clock().Sub(start)
	observ.IncCounter("cycles_total", nil)
	observ.Observe("cycle_duration_seconds", elapsed.Seconds(), nil)
	observ.Log("cycle_complete", map[string]any{
		"batches":    len(batches),
		"readings":   readings,
		"prices":     prices,
		"evaluated":  evaluated,
		"failed":     failed,
		"equity":     equity,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

// poll fans out to every registered source concurrently. A failed source is
// logged and skipped; the cycle proceeds on whatever came back.
func (r *Runner) poll(ctx context.Context) []sources.Batch {
	var (
		mu  sync.Mutex
		out []sources.Batch
		wg  sync.WaitGroup
	)
	for _, name := range r.sched.Sources() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := r.sched.Poll(ctx, name)
			if err != nil {
				observ.Warn("source_poll_failed", map[string]any{"source": name, "error": err.Error()})
				return
			}
			mu.Lock()
			out = append(out, b)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (r *Runner) dailyReset() {
	r.pipe.risk.ResetDaily(r.clock())
	r.pipe.PersistState()
}

func (r *Runner) sweepWatchlist() {
	expired := r.pipe.watch.Sweep()
	if len(expired) > 0 {
		observ.Log("watchlist_swept", map[string]any{"expired": expired})
	}
	r.pipe.PersistState()
}
