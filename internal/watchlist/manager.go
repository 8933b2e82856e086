package watchlist

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/observ"
	"github.com/akarpov91/tradecore/internal/signal"
)

// Status is the admission state of a symbol. Exactly one applies at a time.
type Status string

const (
	StatusUntracked   Status = "untracked"
	StatusWatchlisted Status = "watchlisted"
	StatusBlacklisted Status = "blacklisted"
)

// Transition reasons recorded on entries and in logs.
const (
	ReasonRollingAdmission = "rolling_admission" // count and mean over the window
	ReasonEventAdmission   = "event_admission"   // single high-confidence positive
	ReasonEventRisk        = "event_risk"        // single high-confidence negative
	ReasonRollingNegative  = "rolling_negative"  // sustained negative mean
	ReasonExpired          = "expired"           // no qualifying reading for the expiry period
	ReasonManualOverride   = "manual_override"   // operator removal from the blacklist
)

// Entry is the externally visible record for one symbol: its status plus the
// rolling statistics that drove the last transition. Snapshot/Restore use it
// for persistence and the ops API serves it directly.
type Entry struct {
	Symbol         string    `json:"symbol"`
	Status         Status    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	AddedAt        time.Time `json:"added_at,omitempty"`
	Count          int       `json:"count"`
	Mean           float64   `json:"mean"`
	LastQualifying time.Time `json:"last_qualifying,omitempty"`
}

type observation struct {
	score float64
	at    time.Time
}

type entryState struct {
	status         Status
	reason         string
	addedAt        time.Time
	obs            []observation
	lastQualifying time.Time
	// High-water mark per kind so a cached batch replayed on the next
	// cycle does not double-count in the rolling statistics.
	seen map[signal.Kind]time.Time
}

// Manager owns the admission state machine for every symbol the engine has
// observed. Readings flow in through Observe, the policy layer reads status
// through Allowed/Status, and a periodic Sweep expires quiet entries.
type Manager struct {
	cfg     config.Watchlist
	hiConf  float64
	clock   func() time.Time
	mu      sync.RWMutex
	entries map[string]*entryState
}

// New creates a Manager. highConfidence is the confidence floor shared with
// the signal layer; clock may be nil for wall time.
func New(cfg config.Watchlist, highConfidence float64, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		cfg:     cfg,
		hiConf:  highConfidence,
		clock:   clock,
		entries: make(map[string]*entryState),
	}
}

// Observe folds one reading into the symbol's rolling window and applies the
// transition rules. It returns the status after the reading is applied.
func (m *Manager) Observe(r signal.Reading) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.entries[r.Symbol]
	if !ok {
		st = &entryState{status: StatusUntracked, seen: make(map[signal.Kind]time.Time)}
		m.entries[r.Symbol] = st
	}

	// Drop replays: cached batches resurface the same readings each cycle.
	if last, ok := st.seen[r.Kind]; ok && !r.ObservedAt.After(last) {
		return st.status
	}
	st.seen[r.Kind] = r.ObservedAt

	now := m.clock()
	st.obs = append(st.obs, observation{score: r.Score, at: r.ObservedAt})
	m.pruneWindow(st, now)

	if r.Score > m.cfg.MinAvgScore {
		st.lastQualifying = r.ObservedAt
	}

	// Blacklisting is terminal: no later signal re-admits the symbol.
	if st.status == StatusBlacklisted {
		return st.status
	}

	count, mean := rollingStats(st.obs)

	if r.Score < m.cfg.BlacklistScore && r.Confidence >= m.hiConf {
		m.transition(r.Symbol, st, StatusBlacklisted, ReasonEventRisk, now)
		return st.status
	}
	if count >= m.cfg.BlacklistReadings && mean < m.cfg.BlacklistAvg {
		m.transition(r.Symbol, st, StatusBlacklisted, ReasonRollingNegative, now)
		return st.status
	}

	if st.status == StatusUntracked {
		if r.Score > m.cfg.EventScore && r.Confidence >= m.hiConf {
			m.transition(r.Symbol, st, StatusWatchlisted, ReasonEventAdmission, now)
			return st.status
		}
		if count >= m.cfg.MinReadings && mean > m.cfg.MinAvgScore {
			m.transition(r.Symbol, st, StatusWatchlisted, ReasonRollingAdmission, now)
			return st.status
		}
	}

	return st.status
}

// Status returns the current admission state for a symbol. Unknown symbols
// are untracked.
func (m *Manager) Status(symbol string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.entries[symbol]; ok {
		return st.status
	}
	return StatusUntracked
}

// Allowed reports whether a symbol may receive a BUY decision this cycle.
func (m *Manager) Allowed(symbol string) bool {
	return m.Status(symbol) == StatusWatchlisted
}

// Blacklisted reports whether the symbol is excluded. A blacklisted symbol
// with an open position must be exited regardless of score.
func (m *Manager) Blacklisted(symbol string) bool {
	return m.Status(symbol) == StatusBlacklisted
}

// Watchlisted returns the watchlisted symbols in sorted order.
func (m *Manager) Watchlisted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for sym, st := range m.entries {
		if st.status == StatusWatchlisted {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Blacklist forces a symbol onto the blacklist, for operator action and for
// restores. No-op if already blacklisted.
func (m *Manager) Blacklist(symbol, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[symbol]
	if !ok {
		st = &entryState{status: StatusUntracked, seen: make(map[signal.Kind]time.Time)}
		m.entries[symbol] = st
	}
	if st.status == StatusBlacklisted {
		return
	}
	m.transition(symbol, st, StatusBlacklisted, reason, m.clock())
}

// RemoveFromBlacklist is the manual override: the only path off the
// blacklist. The symbol restarts untracked with an empty window.
func (m *Manager) RemoveFromBlacklist(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[symbol]
	if !ok || st.status != StatusBlacklisted {
		return fmt.Errorf("symbol %s is not blacklisted", symbol)
	}
	st.obs = nil
	st.lastQualifying = time.Time{}
	m.transition(symbol, st, StatusUntracked, ReasonManualOverride, m.clock())
	return nil
}

// Sweep expires watchlisted symbols that have gone quiet and prunes rolling
// windows. It returns the symbols that reverted to untracked. Blacklisted
// entries never expire.
func (m *Manager) Sweep() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var expired []string
	for sym, st := range m.entries {
		m.pruneWindow(st, now)
		if st.status != StatusWatchlisted {
			continue
		}
		anchor := st.lastQualifying
		if anchor.IsZero() {
			anchor = st.addedAt
		}
		if now.Sub(anchor) >= m.cfg.Expiry {
			m.transition(sym, st, StatusUntracked, ReasonExpired, now)
			expired = append(expired, sym)
		}
	}
	sort.Strings(expired)
	return expired
}

// Snapshot returns every non-untracked entry plus untracked entries that
// still hold window data, sorted by symbol.
func (m *Manager) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for sym, st := range m.entries {
		if st.status == StatusUntracked && len(st.obs) == 0 {
			continue
		}
		count, mean := rollingStats(st.obs)
		out = append(out, Entry{
			Symbol:         sym,
			Status:         st.status,
			Reason:         st.reason,
			AddedAt:        st.addedAt,
			Count:          count,
			Mean:           mean,
			LastQualifying: st.lastQualifying,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Restore seeds the manager from persisted entries. Rolling windows are not
// persisted; statistics rebuild from live readings after a restart while the
// admission state itself survives.
func (m *Manager) Restore(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.Symbol] = &entryState{
			status:         e.Status,
			reason:         e.Reason,
			addedAt:        e.AddedAt,
			lastQualifying: e.LastQualifying,
			seen:           make(map[signal.Kind]time.Time),
		}
	}
	m.setGaugesLocked()
}

func (m *Manager) transition(symbol string, st *entryState, to Status, reason string, now time.Time) {
	from := st.status
	st.status = to
	st.reason = reason
	st.addedAt = now
	observ.IncCounter("watchlist_transitions_total", map[string]string{
		"from": string(from), "to": string(to), "reason": reason,
	})
	observ.Log("watchlist_transition", map[string]any{
		"symbol": symbol,
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	m.setGaugesLocked()
}

func (m *Manager) setGaugesLocked() {
	var watch, black float64
	for _, st := range m.entries {
		switch st.status {
		case StatusWatchlisted:
			watch++
		case StatusBlacklisted:
			black++
		}
	}
	observ.SetGauge("watchlist_size", watch, nil)
	observ.SetGauge("blacklist_size", black, nil)
}

func (m *Manager) pruneWindow(st *entryState, now time.Time) {
	cutoff := now.Add(-m.cfg.RollingWindow)
	i := 0
	for ; i < len(st.obs); i++ {
		if st.obs[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		st.obs = append(st.obs[:0], st.obs[i:]...)
	}
}

func rollingStats(obs []observation) (int, float64) {
	if len(obs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, o := range obs {
		sum += o.score
	}
	return len(obs), sum / float64(len(obs))
}
