package signal

import (
	"time"
)

// Contribution explains one kind's share of a composite score.
type Contribution struct {
	Kind     Kind    `json:"kind"`
	Score    float64 `json:"score"`
	Weight   float64 `json:"weight"` // effective weight after redistribution
	Weighted float64 `json:"weighted"`
}

// Composite is the aggregate per asset per evaluation tick. Recomputed every
// cycle; never persisted live (the backtester stores it next to the replayed
// tick for auditability).
type Composite struct {
	Symbol        string         `json:"symbol"`
	Score         float64        `json:"score"` // [-1..1]
	Contributions []Contribution `json:"contributions"`
	Missing       []Kind         `json:"missing,omitempty"`
	ComputedAt    time.Time      `json:"computed_at"`
}

// AllMissing reports whether no kind had a fresh reading.
func (c Composite) AllMissing() bool {
	return len(c.Missing) == len(Kinds)
}

// Aggregate folds the latest fresh reading per kind into one composite score.
// A kind with no reading inside the staleness window contributes score 0 and
// its weight is redistributed proportionally across the present kinds, so the
// effective weights still sum to 1. The result is clamped to [-1, 1].
func Aggregate(symbol string, readings []Reading, w Weights, staleness time.Duration, now time.Time) Composite {
	latest := latestByKind(symbol, readings, staleness, now)

	presentWeight := 0.0
	for _, k := range Kinds {
		if _, ok := latest[k]; ok {
			presentWeight += w.For(k)
		}
	}

	comp := Composite{Symbol: symbol, ComputedAt: now}
	sum := 0.0
	for _, k := range Kinds {
		r, ok := latest[k]
		if !ok {
			comp.Missing = append(comp.Missing, k)
			continue
		}
		eff := w.For(k)
		if presentWeight > 0 {
			eff = w.For(k) / presentWeight
		}
		weighted := r.Score * eff
		sum += weighted
		comp.Contributions = append(comp.Contributions, Contribution{
			Kind:     k,
			Score:    r.Score,
			Weight:   eff,
			Weighted: weighted,
		})
	}

	comp.Score = clamp(sum, -1, 1)
	return comp
}

// LatestFresh returns the newest fresh reading per kind, in canonical kind
// order. It is the same selection Aggregate folds, exposed for callers that
// need the underlying readings rather than the composite (trigger
// classification, decision logs).
func LatestFresh(symbol string, readings []Reading, staleness time.Duration, now time.Time) []Reading {
	latest := latestByKind(symbol, readings, staleness, now)
	out := make([]Reading, 0, len(latest))
	for _, k := range Kinds {
		if r, ok := latest[k]; ok {
			out = append(out, r)
		}
	}
	return out
}

// latestByKind picks the most recent fresh reading per kind. Ties on
// ObservedAt keep the earlier entry in the slice, so input order decides
// deterministically.
func latestByKind(symbol string, readings []Reading, staleness time.Duration, now time.Time) map[Kind]Reading {
	latest := make(map[Kind]Reading, len(Kinds))
	for _, r := range readings {
		if r.Symbol != symbol && r.Symbol != "" {
			continue
		}
		if !r.Fresh(staleness, now) {
			continue
		}
		cur, ok := latest[r.Kind]
		if !ok || r.ObservedAt.After(cur.ObservedAt) {
			latest[r.Kind] = r
		}
	}
	return latest
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
