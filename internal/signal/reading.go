// Package signal defines signal readings from external sources and the
// aggregation of the latest reading per kind into one composite score per
// asset. Aggregation is pure: identical inputs produce identical outputs,
// which is what lets the backtester replay the live path bit-for-bit.
package signal

import "time"

type Kind string

const (
	KindTechnical     Kind = "technical"
	KindSentiment     Kind = "sentiment"
	KindSocial        Kind = "social"
	KindMarketContext Kind = "market_context"
)

// Kinds in canonical order. Aggregation iterates this array, never a map,
// so the arithmetic order is fixed.
var Kinds = [4]Kind{KindTechnical, KindSentiment, KindSocial, KindMarketContext}

// Evidence carries optional provenance for a reading, e.g. how many news
// items were folded into a sentiment score.
type Evidence struct {
	Count     int     `json:"count,omitempty"`
	Strongest float64 `json:"strongest,omitempty"`
	Weakest   float64 `json:"weakest,omitempty"`
}

// Reading is one observation from one source. Immutable once created.
type Reading struct {
	Kind       Kind      `json:"kind"`
	Symbol     string    `json:"symbol"`
	Score      float64   `json:"score"`      // [-1..1]
	Confidence float64   `json:"confidence"` // [0..1]
	ObservedAt time.Time `json:"observed_at"`
	Evidence   Evidence  `json:"evidence,omitempty"`
}

// Fresh reports whether the reading is inside the staleness window at now.
func (r Reading) Fresh(window time.Duration, now time.Time) bool {
	if r.ObservedAt.IsZero() {
		return false
	}
	return now.Sub(r.ObservedAt) <= window
}

// Weights for the four kinds. The config layer guarantees they sum to 1.
type Weights struct {
	Technical     float64
	Sentiment     float64
	Social        float64
	MarketContext float64
}

func (w Weights) For(k Kind) float64 {
	switch k {
	case KindTechnical:
		return w.Technical
	case KindSentiment:
		return w.Sentiment
	case KindSocial:
		return w.Social
	case KindMarketContext:
		return w.MarketContext
	}
	return 0
}
