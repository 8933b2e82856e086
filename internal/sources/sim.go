package sources

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/akarpov91/tradecore/internal/signal"
)

// SimAsset seeds one simulated instrument.
type SimAsset struct {
	Price      float64
	Volatility float64 // per-step fraction, e.g. 0.02
	Bias       float64 // sentiment drift in [-1..1]
}

// SimUniverse is a shared simulated market. All four sim sources observe the
// same prices, so their readings stay mutually consistent. Given one seed and
// one poll order, every fetch sequence is reproducible.
type SimUniverse struct {
	mu     sync.Mutex
	rng    *rand.Rand
	assets map[string]*simAsset
	greed  float64 // fear/greed index, mean-reverting around 50
	clock  func() time.Time
}

type simAsset struct {
	price      float64
	open24h    float64
	volatility float64
	bias       float64
}

func NewSimUniverse(seed int64, seeds map[string]SimAsset, clock func() time.Time) *SimUniverse {
	if clock == nil {
		clock = time.Now
	}
	u := &SimUniverse{
		rng:    rand.New(rand.NewSource(seed)),
		assets: make(map[string]*simAsset, len(seeds)),
		greed:  50,
		clock:  clock,
	}
	// Insert in sorted order so construction consumes the RNG identically
	// across runs.
	syms := make([]string, 0, len(seeds))
	for s := range seeds {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	for _, s := range syms {
		sd := seeds[s]
		u.assets[s] = &simAsset{
			price:      sd.Price,
			open24h:    sd.Price,
			volatility: sd.Volatility,
			bias:       sd.Bias,
		}
	}
	return u
}

// step advances one asset's random walk and returns its snapshot.
func (u *SimUniverse) step(symbol string) (PricePoint, bool) {
	a, ok := u.assets[symbol]
	if !ok {
		return PricePoint{}, false
	}
	a.price *= 1 + u.rng.NormFloat64()*a.volatility
	if a.price <= 0 {
		a.price = 0.0001
	}
	change := (a.price - a.open24h) / a.open24h
	return PricePoint{
		Symbol:    symbol,
		Price:     a.price,
		Change24h: change,
		AsOf:      u.clock(),
	}, true
}

// TechnicalSim scores simulated price action.
type TechnicalSim struct{ U *SimUniverse }

func (s *TechnicalSim) Name() string      { return "technical-sim" }
func (s *TechnicalSim) Kind() signal.Kind { return signal.KindTechnical }

func (s *TechnicalSim) Fetch(ctx context.Context, symbols []string) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, NewTransientError(s.Name(), err)
	}
	s.U.mu.Lock()
	defer s.U.mu.Unlock()

	now := s.U.clock()
	b := Batch{Source: s.Name(), Kind: s.Kind(), Prices: map[string]PricePoint{}, FetchedAt: now}
	for _, sym := range symbols {
		pp, ok := s.U.step(sym)
		if !ok {
			continue
		}
		score := math.Tanh(pp.Change24h*8 + s.U.rng.NormFloat64()*0.1)
		b.Prices[sym] = pp
		b.Readings = append(b.Readings, signal.Reading{
			Kind:       signal.KindTechnical,
			Symbol:     sym,
			Score:      clampScore(score),
			Confidence: 0.5 + 0.4*math.Abs(math.Tanh(pp.Change24h*8)),
			ObservedAt: now,
		})
	}
	return b, nil
}

// SentimentSim emits drifting sentiment with occasional strong events.
type SentimentSim struct{ U *SimUniverse }

func (s *SentimentSim) Name() string      { return "sentiment-sim" }
func (s *SentimentSim) Kind() signal.Kind { return signal.KindSentiment }

func (s *SentimentSim) Fetch(ctx context.Context, symbols []string) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, NewTransientError(s.Name(), err)
	}
	s.U.mu.Lock()
	defer s.U.mu.Unlock()

	now := s.U.clock()
	b := Batch{Source: s.Name(), Kind: s.Kind(), FetchedAt: now}
	for _, sym := range symbols {
		a, ok := s.U.assets[sym]
		if !ok {
			continue
		}
		n := 1 + s.U.rng.Intn(6)
		items := make([]ScoredItem, n)
		for i := range items {
			sc := clampScore(a.bias + s.U.rng.NormFloat64()*0.3)
			if s.U.rng.Float64() < 0.02 { // rare strong event either way
				sc = clampScore(math.Copysign(0.9+s.U.rng.Float64()*0.1, s.U.rng.NormFloat64()))
			}
			label := "neutral"
			if sc > 0.2 {
				label = "positive"
			} else if sc < -0.2 {
				label = "negative"
			}
			items[i] = ScoredItem{Score: sc, Label: label, Confidence: 0.6 + s.U.rng.Float64()*0.35}
		}
		b.Readings = append(b.Readings, FoldSentiment(sym, items, now))
	}
	return b, nil
}

// SocialSim emits buzz stats correlated with sentiment bias.
type SocialSim struct{ U *SimUniverse }

func (s *SocialSim) Name() string      { return "social-sim" }
func (s *SocialSim) Kind() signal.Kind { return signal.KindSocial }

func (s *SocialSim) Fetch(ctx context.Context, symbols []string) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, NewTransientError(s.Name(), err)
	}
	s.U.mu.Lock()
	defer s.U.mu.Unlock()

	now := s.U.clock()
	b := Batch{Source: s.Name(), Kind: s.Kind(), FetchedAt: now}
	for _, sym := range symbols {
		a, ok := s.U.assets[sym]
		if !ok {
			continue
		}
		st := SocialStats{
			MentionCount:    s.U.rng.Intn(40),
			EngagementScore: clamp01(0.5 + a.bias/2 + s.U.rng.NormFloat64()*0.15),
			InfluencerFlag:  s.U.rng.Float64() < 0.1,
		}
		b.Readings = append(b.Readings, FoldSocial(sym, st, now))
	}
	return b, nil
}

// ContextSim emits the market-wide fear/greed backdrop, one reading per
// polled symbol so aggregation stays per asset.
type ContextSim struct{ U *SimUniverse }

func (s *ContextSim) Name() string      { return "context-sim" }
func (s *ContextSim) Kind() signal.Kind { return signal.KindMarketContext }

func (s *ContextSim) Fetch(ctx context.Context, symbols []string) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, NewTransientError(s.Name(), err)
	}
	s.U.mu.Lock()
	defer s.U.mu.Unlock()

	// Mean-revert toward 50 with noise, clamp to the index range.
	s.U.greed += (50-s.U.greed)*0.05 + s.U.rng.NormFloat64()*4
	if s.U.greed < 0 {
		s.U.greed = 0
	}
	if s.U.greed > 100 {
		s.U.greed = 100
	}
	mc := MarketContext{FearGreedIndex: s.U.greed, DominanceMetric: 0.5 + s.U.rng.NormFloat64()*0.05}

	now := s.U.clock()
	b := Batch{Source: s.Name(), Kind: s.Kind(), FetchedAt: now}
	for _, sym := range symbols {
		if _, ok := s.U.assets[sym]; !ok {
			continue
		}
		b.Readings = append(b.Readings, FoldMarketContext(sym, mc, now))
	}
	return b, nil
}
