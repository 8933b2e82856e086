// Package portfolio owns the arena of tradable assets and their positions.
// Assets are keyed by symbol and created on first observation from a source
// feed; position state is mutated only through the decision pipeline (risk
// authorizes, executor fills, the fill lands here). At most one open position
// per asset at any time.
package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Side of a position. Short entries are out of scope; flat means no position.
type Side string

const (
	SideLong Side = "long"
	SideFlat Side = "flat"
)

// Mode is the strategy horizon a position was opened under. FLIP targets a
// quick exit on a small favorable move; HOLD rides through multiple cycles.
type Mode string

const (
	ModeFlip Mode = "FLIP"
	ModeHold Mode = "HOLD"
)

// Position is owned exclusively by one Asset. Unrealized PnL is derived,
// never stored.
type Position struct {
	Side            Side      `json:"side"`
	Quantity        float64   `json:"quantity"`
	EntryPrice      float64   `json:"entry_price"`
	EntryTime       time.Time `json:"entry_time"`
	Mode            Mode      `json:"mode"`
	SizeFraction    float64   `json:"size_fraction"` // of capital at entry
	StopPrice       float64   `json:"stop_price"`
	TakeProfitPrice float64   `json:"take_profit_price"`
	HighWater       float64   `json:"high_water"` // best price seen since entry
	TrailingActive  bool      `json:"trailing_active"`
	EntryFee        float64   `json:"entry_fee"` // charged at open, folded into the trade record at close
	Tag             string    `json:"tag"`       // trigger that opened it
}

// UnrealizedPnL at the given mark price.
func (p Position) UnrealizedPnL(price float64) float64 {
	return p.Quantity * (price - p.EntryPrice)
}

// UnrealizedPct is the fractional move from entry, e.g. 0.03 for +3%.
func (p Position) UnrealizedPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// HoldingFor is the age of the position at now.
func (p Position) HoldingFor(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// Asset is one tradable instrument and its per-symbol state. Position is
// embedded in the asset, never the reverse.
type Asset struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change24h     float64   `json:"change_24h"` // fraction, 0.05 == +5%
	Position      *Position `json:"position,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// InCooldown reports whether BUYs are suppressed for this asset at now.
func (a Asset) InCooldown(now time.Time) bool {
	return !a.CooldownUntil.IsZero() && now.Before(a.CooldownUntil)
}

// Manager is the mutex-guarded owner of the asset arena. Callers get copies;
// all mutation happens through Manager methods.
type Manager struct {
	mu     sync.RWMutex
	assets map[string]*Asset
}

func NewManager() *Manager {
	return &Manager{assets: make(map[string]*Asset)}
}

// ObservePrice records a price snapshot, creating the asset if this is the
// first time the symbol has been seen.
func (m *Manager) ObservePrice(symbol string, price, change24h float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[symbol]
	if !ok {
		a = &Asset{Symbol: symbol, FirstSeen: at}
		m.assets[symbol] = a
	}
	a.Price = price
	a.Change24h = change24h
	a.LastSeen = at
}

// Get returns a copy of the asset. The embedded position is deep-copied so
// callers can never mutate arena state through the return value.
func (m *Manager) Get(symbol string) (Asset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[symbol]
	if !ok {
		return Asset{}, false
	}
	return copyAsset(a), true
}

// Symbols lists tracked symbols in sorted order so iteration is
// deterministic across runs.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.assets))
	for s := range m.assets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open records a new position on the asset. It is an error if one is already
// open: the one-position-per-asset invariant is enforced here, not by
// callers.
func (m *Manager) Open(symbol string, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[symbol]
	if !ok {
		a = &Asset{Symbol: symbol, FirstSeen: pos.EntryTime, LastSeen: pos.EntryTime, Price: pos.EntryPrice}
		m.assets[symbol] = a
	}
	if a.Position != nil {
		return fmt.Errorf("position already open for %s", symbol)
	}
	p := pos
	p.Side = SideLong
	if p.HighWater == 0 {
		p.HighWater = p.EntryPrice
	}
	a.Position = &p
	return nil
}

// Close removes the open position and returns it. The caller realizes PnL
// from the fill price; the arena only tracks ownership.
func (m *Manager) Close(symbol string) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[symbol]
	if !ok || a.Position == nil {
		return Position{}, fmt.Errorf("no open position for %s", symbol)
	}
	p := *a.Position
	a.Position = nil
	return p, nil
}

// UpdateStops rewrites the protective levels on an open position, used by the
// trailing-stop evaluator as the high-water mark advances.
func (m *Manager) UpdateStops(symbol string, stop, highWater float64, trailingActive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[symbol]
	if !ok || a.Position == nil {
		return
	}
	a.Position.StopPrice = stop
	a.Position.HighWater = highWater
	a.Position.TrailingActive = trailingActive
}

// SetCooldown suppresses BUYs for the symbol until the given instant.
func (m *Manager) SetCooldown(symbol string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.assets[symbol]; ok {
		a.CooldownUntil = until
	}
}

// Remove drops the asset from tracking entirely. Only blacklisting and
// delisting call this; a removed asset reappears on its next observation.
func (m *Manager) Remove(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assets, symbol)
}

// OpenExposure is the sum of open position size fractions. The risk manager
// cross-checks its own counter against this during reconciliation.
func (m *Manager) OpenExposure() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := 0.0
	for _, a := range m.assets {
		if a.Position != nil {
			sum += a.Position.SizeFraction
		}
	}
	return sum
}

// OpenPositions returns copies of all open positions keyed by symbol.
func (m *Manager) OpenPositions() map[string]Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Position)
	for s, a := range m.assets {
		if a.Position != nil {
			out[s] = *a.Position
		}
	}
	return out
}

// UnrealizedTotal marks every open position at its asset's last price.
func (m *Manager) UnrealizedTotal() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := 0.0
	for _, a := range m.assets {
		if a.Position != nil && a.Price > 0 {
			sum += a.Position.UnrealizedPnL(a.Price)
		}
	}
	return sum
}

// Snapshot returns a copy of every tracked asset, sorted by symbol.
func (m *Manager) Snapshot() []Asset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Asset, 0, len(m.assets))
	for _, a := range m.assets {
		out = append(out, copyAsset(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// RestorePosition seeds an open position from persisted state at startup.
// Unlike Open it tolerates the asset not having been observed yet.
func (m *Manager) RestorePosition(symbol string, pos Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[symbol]
	if !ok {
		a = &Asset{Symbol: symbol, FirstSeen: pos.EntryTime, LastSeen: pos.EntryTime, Price: pos.EntryPrice}
		m.assets[symbol] = a
	}
	p := pos
	a.Position = &p
}

func copyAsset(a *Asset) Asset {
	out := *a
	if a.Position != nil {
		p := *a.Position
		out.Position = &p
	}
	return out
}
