// Package sources defines the boundary to external signal providers. Each
// source produces readings of exactly one kind; the scheduler owns quotas,
// caching and retries, so implementations here only fetch and normalize.
package sources

import (
	"context"
	"time"

	"github.com/akarpov91/tradecore/internal/signal"
)

// PricePoint is the market snapshot a batch may carry alongside readings.
// Assets are created and priced from these observations.
type PricePoint struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change24h float64   `json:"change_24h"` // fraction, 0.05 == +5%
	AsOf      time.Time `json:"as_of"`
}

// Batch is one poll result from one source.
type Batch struct {
	Source    string                `json:"source"`
	Kind      signal.Kind           `json:"kind"`
	Readings  []signal.Reading      `json:"readings"`
	Prices    map[string]PricePoint `json:"prices,omitempty"`
	FetchedAt time.Time             `json:"fetched_at"`
}

// Source is a pollable provider of one signal kind.
type Source interface {
	Name() string
	Kind() signal.Kind
	Fetch(ctx context.Context, symbols []string) (Batch, error)
}

// TechnicalSource scores price action for one asset. The indicator math is
// external; only the output contract matters here.
type TechnicalSource interface {
	IndicatorScore(ctx context.Context, symbol string) (signal.Reading, error)
}

// ScoredItem is one classified text from a sentiment provider.
type ScoredItem struct {
	Score      float64 `json:"score"` // [-1..1]
	Label      string  `json:"label"` // positive|negative|neutral
	Confidence float64 `json:"confidence"`
}

// SentimentSource classifies a batch of text items.
type SentimentSource interface {
	ClassifyBatch(ctx context.Context, items []string) ([]ScoredItem, error)
}

// SocialStats is one polling window of social-buzz measurements.
type SocialStats struct {
	MentionCount    int     `json:"mention_count"`
	EngagementScore float64 `json:"engagement_score"` // [0..1]
	InfluencerFlag  bool    `json:"influencer_flag"`
}

// SocialSource measures buzz for one asset over the current window.
type SocialSource interface {
	BuzzStats(ctx context.Context, symbol string) (SocialStats, error)
}

// MarketContext is the periodic market-wide backdrop.
type MarketContext struct {
	FearGreedIndex  float64 `json:"fear_greed_index"` // [0..100]
	DominanceMetric float64 `json:"dominance_metric"` // [0..1]
}

// MarketContextSource reports the market-wide backdrop. It is not
// per-symbol; the caller fans the result out across polled assets.
type MarketContextSource interface {
	Context(ctx context.Context) (MarketContext, error)
}

// FoldSentiment reduces per-item classifications into one reading for the
// asset: mean score, evidence count, and min/max kept for event detection.
func FoldSentiment(symbol string, items []ScoredItem, at time.Time) signal.Reading {
	r := signal.Reading{
		Kind:       signal.KindSentiment,
		Symbol:     symbol,
		ObservedAt: at,
	}
	if len(items) == 0 {
		return r
	}
	sum, conf := 0.0, 0.0
	strongest, weakest := items[0].Score, items[0].Score
	for _, it := range items {
		sum += it.Score
		conf += it.Confidence
		if it.Score > strongest {
			strongest = it.Score
		}
		if it.Score < weakest {
			weakest = it.Score
		}
	}
	n := float64(len(items))
	r.Score = clampScore(sum / n)
	r.Confidence = conf / n
	r.Evidence = signal.Evidence{Count: len(items), Strongest: strongest, Weakest: weakest}
	return r
}

// FoldSocial turns buzz stats into a score: engagement sets magnitude,
// mention volume and influencer activity push confidence.
func FoldSocial(symbol string, st SocialStats, at time.Time) signal.Reading {
	score := clampScore(st.EngagementScore*2 - 1)
	conf := 0.3
	if st.MentionCount >= 10 {
		conf = 0.6
	}
	if st.InfluencerFlag {
		conf += 0.2
	}
	if conf > 1 {
		conf = 1
	}
	return signal.Reading{
		Kind:       signal.KindSocial,
		Symbol:     symbol,
		Score:      score,
		Confidence: conf,
		ObservedAt: at,
		Evidence:   signal.Evidence{Count: st.MentionCount},
	}
}

// FoldMarketContext maps fear/greed (0..100) into [-1..1]; dominance shifts
// confidence since a concentrated market makes the index more meaningful.
func FoldMarketContext(symbol string, mc MarketContext, at time.Time) signal.Reading {
	return signal.Reading{
		Kind:       signal.KindMarketContext,
		Symbol:     symbol,
		Score:      clampScore(mc.FearGreedIndex/50 - 1),
		Confidence: 0.5 + 0.5*clamp01(mc.DominanceMetric),
		ObservedAt: at,
	}
}

func clampScore(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
