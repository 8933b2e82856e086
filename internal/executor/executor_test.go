package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/outbox"
	"github.com/akarpov91/tradecore/internal/portfolio"
)

func paperCfg() config.Paper {
	return config.Paper{SlippageBps: 10, FeeBps: 10, DedupeWindowSecs: 90}
}

func TestPaperFillArithmetic(t *testing.T) {
	p := NewPaper(paperCfg(), nil)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	buy := NewIntent("SOL", SideBuy, portfolio.ModeHold, 20, 150.0, 0.03, "score", at)
	fill, err := p.Execute(context.Background(), buy)
	require.NoError(t, err)

	// 10 bps slippage worsens the buy: 150 * 1.001 = 150.15
	require.InDelta(t, 150.15, fill.Price, 1e-9)
	require.InDelta(t, 3003.0, fill.Notional, 1e-9)
	require.InDelta(t, 3.003, fill.Fee, 1e-9)
	require.Equal(t, at, fill.FilledAt)
	require.Equal(t, buy.ID, fill.OrderID)

	sell := NewIntent("SOL", SideSell, portfolio.ModeHold, 20, 150.0, 0.03, "take_profit", at)
	fill, err = p.Execute(context.Background(), sell)
	require.NoError(t, err)
	require.InDelta(t, 149.85, fill.Price, 1e-9, "sell slips down")
}

func TestPaperZeroCosts(t *testing.T) {
	p := NewPaper(config.Paper{}, nil)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fill, err := p.Execute(context.Background(), NewIntent("SOL", SideBuy, portfolio.ModeFlip, 1, 100, 0.05, "score", at))
	require.NoError(t, err)
	require.Equal(t, 100.0, fill.Price)
	require.Zero(t, fill.Fee)
}

func TestPaperDeduplicatesIntents(t *testing.T) {
	journal, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.jsonl"))
	require.NoError(t, err)
	p := NewPaper(paperCfg(), journal)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := NewIntent("SOL", SideBuy, portfolio.ModeHold, 20, 150, 0.03, "score", at)
	_, err = p.Execute(context.Background(), first)
	require.NoError(t, err)

	// same symbol and side 30s later: duplicate
	again := NewIntent("SOL", SideBuy, portfolio.ModeHold, 20, 151, 0.03, "score", at.Add(30*time.Second))
	_, err = p.Execute(context.Background(), again)
	require.ErrorIs(t, err, ErrDuplicateIntent)

	// opposite side is a different key
	sell := NewIntent("SOL", SideSell, portfolio.ModeHold, 20, 151, 0.03, "stop_loss", at.Add(30*time.Second))
	_, err = p.Execute(context.Background(), sell)
	require.NoError(t, err)

	// outside the window the key is live again
	late := NewIntent("SOL", SideBuy, portfolio.ModeHold, 20, 152, 0.03, "score", at.Add(5*time.Minute))
	_, err = p.Execute(context.Background(), late)
	require.NoError(t, err)
}

func TestPaperHonorsContext(t *testing.T) {
	p := NewPaper(paperCfg(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Execute(ctx, NewIntent("SOL", SideBuy, portfolio.ModeHold, 1, 100, 0.03, "score", time.Now()))
	require.ErrorIs(t, err, context.Canceled)
}

func TestIntentIDsAreDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewIntent("SOL", SideBuy, portfolio.ModeHold, 1, 100, 0.03, "score", at)
	b := NewIntent("SOL", SideBuy, portfolio.ModeHold, 1, 100, 0.03, "score", at)
	require.Equal(t, a.ID, b.ID, "same decision clock, same ID")
	require.Equal(t, "SOL:buy", a.IdempotencyKey)

	c := NewIntent("SOL", SideBuy, portfolio.ModeHold, 1, 100, 0.03, "score", at.Add(time.Nanosecond))
	require.NotEqual(t, a.ID, c.ID)
}

func TestDuplicateErrorWraps(t *testing.T) {
	journal, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.jsonl"))
	require.NoError(t, err)
	p := NewPaper(paperCfg(), journal)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err = p.Execute(context.Background(), NewIntent("ETH", SideBuy, portfolio.ModeHold, 1, 100, 0.03, "score", at))
	require.NoError(t, err)
	_, err = p.Execute(context.Background(), NewIntent("ETH", SideBuy, portfolio.ModeHold, 1, 100, 0.03, "score", at))
	require.True(t, errors.Is(err, ErrDuplicateIntent))
}
