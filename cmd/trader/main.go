package main

import (
	"context"
	"flag"
	"hash/fnv"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/akarpov91/tradecore/internal/app"
	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/executor"
	"github.com/akarpov91/tradecore/internal/observ"
	"github.com/akarpov91/tradecore/internal/ops"
	"github.com/akarpov91/tradecore/internal/outbox"
	"github.com/akarpov91/tradecore/internal/portfolio"
	"github.com/akarpov91/tradecore/internal/risk"
	"github.com/akarpov91/tradecore/internal/scheduler"
	"github.com/akarpov91/tradecore/internal/sources"
	"github.com/akarpov91/tradecore/internal/store"
	"github.com/akarpov91/tradecore/internal/stream"
	"github.com/akarpov91/tradecore/internal/watchlist"
)

func main() {
	var cfgPath string
	var simSeed int64
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.Int64Var(&simSeed, "sim-seed", 1, "seed for the simulated market sources")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	observ.InitLogging(cfg.Log.Level, os.Stdout)

	observ.Log("startup", map[string]any{
		"cycle_interval": cfg.Engine.CycleInterval.String(),
		"universe":       len(cfg.Universe.Always) + len(cfg.Universe.Normal) + len(cfg.Universe.Low),
		"capital_usd":    cfg.Risk.CapitalUSD,
		"db_path":        cfg.Store.Path,
		"stream_enabled": cfg.Stream.Enabled,
		"ops_enabled":    cfg.Ops.Enabled,
		"sim_seed":       simSeed,
	})

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	journal, err := outbox.Open(cfg.Paper.OutboxPath)
	if err != nil {
		log.Fatalf("open outbox: %v", err)
	}

	watch := watchlist.New(cfg.Watchlist, cfg.Signals.HighConfidence, nil)
	arena := portfolio.NewManager()
	rk := risk.NewManager(cfg.Risk)
	pub := stream.FromConfig(cfg.Stream)

	pipe := app.NewPipeline(cfg, app.Deps{
		Watchlist: watch,
		Portfolio: arena,
		Risk:      rk,
		Executor:  executor.NewPaper(cfg.Paper, journal),
		Publisher: pub,
		Store:     st,
	})
	if err := pipe.RestoreFromStore(); err != nil {
		log.Fatalf("restore state: %v", err)
	}

	cache, err := scheduler.NewCache(cfg.Scheduler.Cache)
	if err != nil {
		log.Fatalf("scheduler cache: %v", err)
	}
	sched := scheduler.New(cfg.Scheduler, cfg.Universe, cache, nil)

	universe := sources.NewSimUniverse(simSeed, simSeeds(cfg.Universe), nil)
	sched.Register(&sources.TechnicalSim{U: universe})
	sched.Register(&sources.SentimentSim{U: universe})
	sched.Register(&sources.SocialSim{U: universe})
	sched.Register(&sources.ContextSim{U: universe})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := app.NewRunner(cfg, pipe, sched)
	if err := runner.Start(ctx); err != nil {
		log.Fatalf("start runner: %v", err)
	}

	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer = ops.NewServer(cfg.Ops, rk, watch, arena, st)
		opsServer.Start()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	observ.Log("shutdown_started", map[string]any{"signal": sig.String()})

	cancel()
	runner.Stop()
	if opsServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := opsServer.Stop(sctx); err != nil {
			observ.Error("ops_shutdown_failed", err, nil)
		}
		scancel()
	}
	pipe.PersistState()
	if err := pub.Close(); err != nil {
		observ.Error("stream_close_failed", err, nil)
	}
	if err := st.Close(); err != nil {
		observ.Error("store_close_failed", err, nil)
	}
	observ.Log("shutdown_complete", nil)
}

// simSeeds derives a starting state for every configured symbol. The numbers
// are synthetic; the pipeline only cares about relative movement. Hashing the
// symbol keeps each asset's curve stable across restarts for a given seed.
func simSeeds(u config.Universe) map[string]sources.SimAsset {
	seeds := make(map[string]sources.SimAsset)
	for tier, symbols := range [][]string{u.Always, u.Normal, u.Low} {
		for _, sym := range symbols {
			h := fnv.New32a()
			h.Write([]byte(sym))
			n := h.Sum32()
			seeds[sym] = sources.SimAsset{
				Price:      50 + float64(n%10_000),
				Volatility: 0.008 + 0.004*float64(tier),
				Bias:       float64(int(n%9)-4) / 10.0,
			}
		}
	}
	return seeds
}
