// Package backtest replays recorded asset timelines through the same
// pipeline the live runner drives. Determinism is the contract: one fixture,
// one config, one fill timing produces byte-identical results on every run.
package backtest

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/akarpov91/tradecore/internal/signal"
)

// Tick is one observation for one symbol: a mark plus whatever readings
// arrived with it. Readings may omit symbol and observed_at; they default to
// the tick's.
type Tick struct {
	TS        time.Time        `json:"ts"`
	Price     float64          `json:"price"`
	Change24h float64          `json:"change_24h"`
	Readings  []signal.Reading `json:"readings,omitempty"`
}

// Fixture is the replay input: a timeline per symbol.
type Fixture struct {
	AssetTimelines map[string][]Tick `json:"asset_timelines"`
}

// LoadFixture reads and normalizes a fixture file.
func LoadFixture(path string) (Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	var fx Fixture
	if err := json.Unmarshal(raw, &fx); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	if err := fx.normalize(); err != nil {
		return Fixture{}, err
	}
	return fx, nil
}

// normalize sorts each timeline, validates ticks, and fills reading defaults.
func (f *Fixture) normalize() error {
	if len(f.AssetTimelines) == 0 {
		return fmt.Errorf("fixture has no asset timelines")
	}
	for sym, ticks := range f.AssetTimelines {
		sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].TS.Before(ticks[j].TS) })
		for i := range ticks {
			t := &ticks[i]
			if t.TS.IsZero() {
				return fmt.Errorf("%s tick %d: missing ts", sym, i)
			}
			if t.Price <= 0 {
				return fmt.Errorf("%s tick %d: price must be positive, got %v", sym, i, t.Price)
			}
			for j := range t.Readings {
				r := &t.Readings[j]
				if r.Symbol == "" {
					r.Symbol = sym
				}
				if r.ObservedAt.IsZero() {
					r.ObservedAt = t.TS
				}
			}
		}
		f.AssetTimelines[sym] = ticks
	}
	return nil
}

type tickEvent struct {
	ts     time.Time
	symbol string
	tick   Tick
}

// merged flattens the fixture into one stream ordered by timestamp, symbol
// breaking ties. Symbol iteration is sorted so the merge is reproducible.
func (f Fixture) merged() []tickEvent {
	syms := make([]string, 0, len(f.AssetTimelines))
	for s := range f.AssetTimelines {
		syms = append(syms, s)
	}
	sort.Strings(syms)

	var out []tickEvent
	for _, s := range syms {
		for _, t := range f.AssetTimelines[s] {
			out = append(out, tickEvent{ts: t.TS, symbol: s, tick: t})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ts.Equal(out[j].ts) {
			return out[i].ts.Before(out[j].ts)
		}
		return out[i].symbol < out[j].symbol
	})
	return out
}
