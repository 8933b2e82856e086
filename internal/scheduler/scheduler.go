package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/observ"
	"github.com/akarpov91/tradecore/internal/sources"
)

// Coverage tiers shed from the bottom as usage grows, so breadth degrades
// before throughput can violate a limit.
const (
	tierDropLow    = 0.60 // drop low tier
	tierDropNormal = 0.80 // drop normal tier
	cacheFirstAt   = 0.90 // prefer cache over live calls
	suppressAt     = 0.95 // no live calls at all
)

// staleCeilingFactor bounds how old a cached batch may get and still be
// served on the degrade path (fetch failed, quota backoff).
const staleCeilingFactor = 3

type Clock func() time.Time

type sourceState struct {
	src        sources.Source
	limits     config.SourceLimits
	limiter    *rate.Limiter
	window     []time.Time
	monthKey   string
	monthCount int
	backoff    time.Time // no live calls before this instant
	lastFetch  time.Time
}

// Scheduler multiplexes polls across registered sources. One Poll per source
// per cycle; the app runs them in parallel goroutines, state is mutex-guarded
// and the lock is dropped for the network call itself.
type Scheduler struct {
	cfg      config.Scheduler
	universe config.Universe
	cache    Cache
	clock    Clock

	mu     sync.Mutex
	states map[string]*sourceState
}

func New(cfg config.Scheduler, universe config.Universe, cache Cache, clock Clock) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		universe: universe,
		cache:    cache,
		clock:    clock,
		states:   make(map[string]*sourceState),
	}
}

func (s *Scheduler) lock()   { s.mu.Lock() }
func (s *Scheduler) unlock() { s.mu.Unlock() }

// Register adds a source. Must be called before polling starts.
func (s *Scheduler) Register(src sources.Source) {
	s.lock()
	defer s.unlock()
	limits := s.cfg.Limits(src.Name())
	s.states[src.Name()] = &sourceState{
		src:     src,
		limits:  limits,
		limiter: rate.NewLimiter(rate.Limit(float64(limits.PerMinute)/60.0), 1),
	}
}

// Sources lists registered source names in registration-independent order.
func (s *Scheduler) Sources() []string {
	s.lock()
	defer s.unlock()
	names := make([]string, 0, len(s.states))
	for n := range s.states {
		names = append(names, n)
	}
	return names
}

// UsageRatio is the current sliding-window utilization for one source.
func (s *Scheduler) UsageRatio(name string) float64 {
	s.lock()
	defer s.unlock()
	st, ok := s.states[name]
	if !ok {
		return 0
	}
	s.pruneWindow(st, s.clock())
	return s.usage(st)
}

// Coverage returns the symbols a cycle should request from the source given
// its current quota pressure: always tier survives everything, normal drops
// at 80%, low at 60%.
func (s *Scheduler) Coverage(name string) []string {
	u := s.UsageRatio(name)
	out := append([]string(nil), s.universe.Always...)
	if u < tierDropNormal {
		out = append(out, s.universe.Normal...)
	}
	if u < tierDropLow {
		out = append(out, s.universe.Low...)
	}
	return out
}

// Poll returns the freshest batch the quota allows: a live fetch when the
// budget permits, the cached batch when it does not, and an error only when
// nothing usable exists. Source errors never escalate past this method
// while any cache can stand in.
func (s *Scheduler) Poll(ctx context.Context, name string) (sources.Batch, error) {
	s.lock()
	st, ok := s.states[name]
	if !ok {
		s.unlock()
		return sources.Batch{}, errors.New("unknown source: " + name)
	}

	now := s.clock()
	s.pruneWindow(st, now)
	s.rollMonth(st, now)
	usage := s.usage(st)
	observ.SetGauge("source_usage_ratio", usage, map[string]string{"source": name})

	// Monthly volume exhausted: cache or nothing until the month turns.
	if st.monthCount >= st.limits.MonthlyLimit {
		s.unlock()
		return s.serveCached(ctx, st, name, "monthly_cap", false)
	}

	// Quota backoff from an explicit quota-exceeded response.
	if now.Before(st.backoff) {
		s.unlock()
		observ.SetGauge("source_backoff_active", 1, map[string]string{"source": name})
		return s.serveCached(ctx, st, name, "backoff", true)
	}
	observ.SetGauge("source_backoff_active", 0, map[string]string{"source": name})

	// Hard suppression near the window limit.
	if usage >= suppressAt {
		s.unlock()
		return s.serveCached(ctx, st, name, "suppressed", false)
	}

	// Adaptive pacing: the interval stretches with usage.
	interval := adaptiveInterval(st.limits.BaseInterval, usage)
	if !st.lastFetch.IsZero() && now.Sub(st.lastFetch) < interval {
		s.unlock()
		return s.serveCached(ctx, st, name, "paced", false)
	}

	// Near the limit, prefer a fresh cached batch over spending quota.
	if usage >= cacheFirstAt {
		if b, ok := s.freshCached(ctx, st, name); ok {
			s.unlock()
			observ.IncCounter("source_cache_hits_total", map[string]string{"source": name, "kind": "fresh"})
			return b, nil
		}
	}

	// Hard per-minute floor under the window accounting.
	if !st.limiter.Allow() {
		s.unlock()
		return s.serveCached(ctx, st, name, "rate_floor", false)
	}

	st.lastFetch = now
	symbols := s.coverageLocked(usage)
	src := st.src
	s.unlock()

	batch, err := s.fetchWithRetry(ctx, st, name, src, symbols)
	if err == nil {
		if batch.FetchedAt.IsZero() {
			batch.FetchedAt = s.clock()
		}
		_ = s.cache.Set(ctx, cacheKey(name), batch, time.Duration(staleCeilingFactor)*st.limits.CacheTTL)
		observ.IncCounter("source_requests_total", map[string]string{"source": name, "outcome": "ok"})
		return batch, nil
	}

	var qe *sources.QuotaError
	if errors.As(err, &qe) {
		retryAfter := qe.RetryAfter
		if retryAfter <= 0 {
			retryAfter = st.limits.BaseInterval
		}
		s.lock()
		st.backoff = s.clock().Add(retryAfter)
		s.unlock()
		observ.IncCounter("source_requests_total", map[string]string{"source": name, "outcome": "quota"})
		observ.Warn("source_quota_exceeded", map[string]any{"source": name, "retry_after": retryAfter.String()})
		return s.serveCached(ctx, st, name, "quota", true)
	}

	observ.IncCounter("source_requests_total", map[string]string{"source": name, "outcome": "transient"})
	if b, ok, age := s.usableCached(ctx, st, name); ok {
		observ.IncCounter("source_cache_hits_total", map[string]string{"source": name, "kind": "degraded"})
		observ.Warn("source_degraded_to_cache", map[string]any{"source": name, "age": age.String(), "error": err.Error()})
		return b, nil
	}
	return sources.Batch{}, err
}

// fetchWithRetry issues the live call, retrying transient failures with
// exponential backoff. Quota errors are never retried. Every physical
// attempt consumes window and monthly budget.
func (s *Scheduler) fetchWithRetry(ctx context.Context, st *sourceState, name string, src sources.Source, symbols []string) (sources.Batch, error) {
	var lastErr error
	attempts := 1 + s.cfg.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.BackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return sources.Batch{}, sources.NewTransientError(name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		s.lock()
		st.window = append(st.window, s.clock())
		st.monthCount++
		s.unlock()

		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		batch, err := src.Fetch(fetchCtx, symbols)
		cancel()
		if err == nil {
			return batch, nil
		}
		lastErr = err

		var qe *sources.QuotaError
		if errors.As(err, &qe) {
			return sources.Batch{}, err
		}
		if !sources.IsTransient(err) {
			lastErr = sources.NewTransientError(name, err)
		}
	}
	return sources.Batch{}, lastErr
}

// serveCached is the degraded path. Fresh cache (within TTL) always serves;
// stale cache up to the ceiling serves only when allowStale (quota paths,
// where the contract is stale-but-valid over errors). Otherwise the taxonomy
// decides: stale data present means StaleError, nothing at all means
// ErrRateLimited.
func (s *Scheduler) serveCached(ctx context.Context, st *sourceState, name, cause string, allowStale bool) (sources.Batch, error) {
	b, ok, age := s.usableCached(ctx, st, name)
	if ok {
		fresh := age <= st.limits.CacheTTL
		if fresh || allowStale {
			kind := "fresh"
			if !fresh {
				kind = "stale"
			}
			observ.IncCounter("source_cache_hits_total", map[string]string{"source": name, "kind": kind})
			return b, nil
		}
		observ.IncCounter("source_rate_limited_total", map[string]string{"source": name, "cause": cause})
		return sources.Batch{}, sources.NewStaleError(name, age)
	}
	observ.IncCounter("source_rate_limited_total", map[string]string{"source": name, "cause": cause})
	return sources.Batch{}, sources.ErrRateLimited
}

func (s *Scheduler) freshCached(ctx context.Context, st *sourceState, name string) (sources.Batch, bool) {
	b, ok, age := s.usableCached(ctx, st, name)
	return b, ok && age <= st.limits.CacheTTL
}

func (s *Scheduler) usableCached(ctx context.Context, st *sourceState, name string) (sources.Batch, bool, time.Duration) {
	b, ok, err := s.cache.Get(ctx, cacheKey(name))
	if err != nil {
		observ.Error("cache_get_failed", err, map[string]any{"source": name})
		return sources.Batch{}, false, 0
	}
	if !ok {
		return sources.Batch{}, false, 0
	}
	age := s.clock().Sub(b.FetchedAt)
	if age > time.Duration(staleCeilingFactor)*st.limits.CacheTTL {
		return sources.Batch{}, false, 0
	}
	return b, true, age
}

func (s *Scheduler) coverageLocked(usage float64) []string {
	out := append([]string(nil), s.universe.Always...)
	if usage < tierDropNormal {
		out = append(out, s.universe.Normal...)
	}
	if usage < tierDropLow {
		out = append(out, s.universe.Low...)
	}
	return out
}

func (s *Scheduler) pruneWindow(st *sourceState, now time.Time) {
	cutoff := now.Add(-s.cfg.Window)
	i := 0
	for ; i < len(st.window); i++ {
		if st.window[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		st.window = append(st.window[:0], st.window[i:]...)
	}
}

func (s *Scheduler) rollMonth(st *sourceState, now time.Time) {
	key := now.UTC().Format("2006-01")
	if st.monthKey != key {
		st.monthKey = key
		st.monthCount = 0
	}
}

func (s *Scheduler) usage(st *sourceState) float64 {
	if st.limits.WindowLimit <= 0 {
		return 0
	}
	return float64(len(st.window)) / float64(st.limits.WindowLimit)
}

// adaptiveInterval stretches the base poll interval linearly with usage:
// base*(1+2u), clamped to [base, 3*base].
func adaptiveInterval(base time.Duration, usage float64) time.Duration {
	iv := time.Duration(float64(base) * (1 + 2*usage))
	if iv < base {
		return base
	}
	if iv > 3*base {
		return 3 * base
	}
	return iv
}

func cacheKey(name string) string { return "batch:" + name }
