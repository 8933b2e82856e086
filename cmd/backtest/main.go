package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/akarpov91/tradecore/internal/backtest"
	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/observ"
)

func main() {
	var cfgPath string
	var fixturePath string
	var outPath string
	var timing string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&fixturePath, "fixture", "", "recorded timeline fixture (JSON)")
	flag.StringVar(&outPath, "out", "", "write result JSON to this file instead of stdout")
	flag.StringVar(&timing, "fill-timing", string(backtest.FillNextTick), "fill timing: next_tick or same_tick")
	flag.Parse()

	_ = godotenv.Load()

	if fixturePath == "" {
		log.Fatal("a -fixture file is required")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// The result goes to stdout, so logs move to stderr to keep it parseable.
	observ.InitLogging(cfg.Log.Level, os.Stderr)

	fx, err := backtest.LoadFixture(fixturePath)
	if err != nil {
		log.Fatalf("load fixture: %v", err)
	}

	eng := backtest.New(cfg, fx, backtest.Options{Timing: backtest.FillTiming(timing)})
	res, err := eng.Run(context.Background())
	if err != nil {
		log.Fatalf("backtest: %v", err)
	}

	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		log.Fatalf("encode result: %v", err)
	}
	b = append(b, '\n')

	if outPath == "" {
		if _, err := os.Stdout.Write(b); err != nil {
			log.Fatalf("write result: %v", err)
		}
		return
	}
	if err := os.WriteFile(outPath, b, 0o644); err != nil {
		log.Fatalf("write result: %v", err)
	}
	observ.Log("backtest_result_written", map[string]any{"path": outPath, "trades": len(res.Trades)})
}
