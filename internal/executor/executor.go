// Package executor turns approved decisions into fills. Paper execution is
// the only mode: deterministic slippage and fees against the reference
// price, an outbox journal for idempotency, no exchange connectivity.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/observ"
	"github.com/akarpov91/tradecore/internal/outbox"
	"github.com/akarpov91/tradecore/internal/portfolio"
)

// ErrDuplicateIntent means an identical intent was journaled inside the
// dedupe window, typically a crash-restart replaying the same cycle.
var ErrDuplicateIntent = errors.New("duplicate order intent")

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderIntent is an authorized order ready for execution. RequestedAt is the
// decision clock, not the wall clock, so IDs and dedupe behave identically
// under replay.
type OrderIntent struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Symbol         string         `json:"symbol"`
	Side           Side           `json:"side"`
	Mode           portfolio.Mode `json:"mode"`
	Quantity       float64        `json:"quantity"`
	RefPrice       float64        `json:"ref_price"`
	SizeFraction   float64        `json:"size_fraction"`
	Trigger        string         `json:"trigger"`
	RequestedAt    time.Time      `json:"requested_at"`
}

// NewIntent builds an intent with its deterministic ID and idempotency key.
// The key is symbol+side: within the dedupe window there is no legitimate
// reason to submit the same side twice for one asset.
func NewIntent(symbol string, side Side, mode portfolio.Mode, qty, refPrice, frac float64, trigger string, at time.Time) OrderIntent {
	return OrderIntent{
		ID:             fmt.Sprintf("paper_%s_%d", symbol, at.UnixNano()),
		IdempotencyKey: fmt.Sprintf("%s:%s", symbol, side),
		Symbol:         symbol,
		Side:           side,
		Mode:           mode,
		Quantity:       qty,
		RefPrice:       refPrice,
		SizeFraction:   frac,
		Trigger:        trigger,
		RequestedAt:    at,
	}
}

// Fill is the executed result. Price already includes slippage; Fee is cash
// charged on top of (or out of) the notional.
type Fill struct {
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Notional float64   `json:"notional"`
	Fee      float64   `json:"fee"`
	FilledAt time.Time `json:"filled_at"`
}

// Executor executes one intent. Implementations must be safe for calls from
// a single goroutine at a time; the decision loop is serialized.
type Executor interface {
	Execute(ctx context.Context, intent OrderIntent) (Fill, error)
}

// Paper simulates immediate execution. Slippage always worsens the price:
// buys fill above the reference, sells below.
type Paper struct {
	slippageBps  float64
	feeBps       float64
	dedupeWindow time.Duration
	journal      *outbox.Outbox // nil disables journaling and dedupe
}

// NewPaper wires the paper executor. journal may be nil (replay runs that
// want no disk I/O).
func NewPaper(cfg config.Paper, journal *outbox.Outbox) *Paper {
	return &Paper{
		slippageBps:  float64(cfg.SlippageBps),
		feeBps:       float64(cfg.FeeBps),
		dedupeWindow: time.Duration(cfg.DedupeWindowSecs) * time.Second,
		journal:      journal,
	}
}

func (p *Paper) Execute(ctx context.Context, intent OrderIntent) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if p.journal != nil && p.dedupeWindow > 0 {
		if p.journal.HasRecent(intent.IdempotencyKey, intent.RequestedAt, p.dedupeWindow) {
			observ.IncCounter("executor_duplicates_total", map[string]string{"symbol": intent.Symbol})
			return Fill{}, fmt.Errorf("%w: %s", ErrDuplicateIntent, intent.IdempotencyKey)
		}
		if err := p.journal.AppendIntent(intent.IdempotencyKey, intent.RequestedAt, intent); err != nil {
			return Fill{}, fmt.Errorf("journal intent: %w", err)
		}
	}

	price := p.fillPrice(intent.Side, intent.RefPrice)
	notional := intent.Quantity * price
	fill := Fill{
		OrderID:  intent.ID,
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Quantity: intent.Quantity,
		Price:    price,
		Notional: notional,
		Fee:      notional * p.feeBps / 10000,
		FilledAt: intent.RequestedAt,
	}

	if p.journal != nil {
		if err := p.journal.AppendFill(fill.FilledAt, fill); err != nil {
			return Fill{}, fmt.Errorf("journal fill: %w", err)
		}
	}

	observ.IncCounter("executor_fills_total", map[string]string{
		"symbol": intent.Symbol,
		"side":   string(intent.Side),
	})
	observ.Observe("executor_fill_notional_usd", notional, nil)
	return fill, nil
}

func (p *Paper) fillPrice(side Side, ref float64) float64 {
	slip := p.slippageBps / 10000
	if side == SideBuy {
		return ref * (1 + slip)
	}
	return ref * (1 - slip)
}
