package ops

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/portfolio"
	"github.com/akarpov91/tradecore/internal/risk"
	"github.com/akarpov91/tradecore/internal/signal"
	"github.com/akarpov91/tradecore/internal/store"
	"github.com/akarpov91/tradecore/internal/watchlist"
)

var testBase = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func testServer(st *store.Store) (*Server, *risk.Manager, *watchlist.Manager, *portfolio.Manager) {
	watchCfg := config.Watchlist{
		RollingWindow:     24 * time.Hour,
		MinReadings:       2,
		MinAvgScore:       0.4,
		EventScore:        0.8,
		BlacklistScore:    -0.7,
		BlacklistAvg:      -0.6,
		BlacklistReadings: 3,
		Expiry:            72 * time.Hour,
	}
	riskCfg := config.Risk{
		CapitalUSD:          100_000,
		MaxOpenFraction:     0.15,
		MaxPositionFraction: 0.05,
		FlipFraction:        0.05,
		HoldFraction:        0.03,
		DailyLossLimit:      0.05,
		MaxDrawdown:         0.15,
		StopLossPct:         0.02,
		FlipRewardRisk:      2.0,
		HoldRewardRisk:      2.5,
		FlipMaxHold:         4 * time.Hour,
		HoldMaxHold:         72 * time.Hour,
		CooldownAfterExit:   30 * time.Minute,
	}
	watch := watchlist.New(watchCfg, 0.7, func() time.Time { return testBase })
	arena := portfolio.NewManager()
	rk := risk.NewManager(riskCfg)
	srv := NewServer(config.Ops{Enabled: true, Addr: ":0"}, rk, watch, arena, st)
	return srv, rk, watch, arena
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := testServer(nil)
	rec := do(srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRiskStateReportsLedgerAndJournal(t *testing.T) {
	srv, rk, _, _ := testServer(nil)
	rk.MarkEquity(80_000, testBase) // 20% below peak trips the breaker

	rec := do(srv, http.MethodGet, "/risk/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		State   risk.State          `json:"state"`
		Journal []risk.BreakerEvent `json:"journal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.InDelta(t, 100_000.0, got.State.Capital, 1e-9)
	require.True(t, got.State.Breaker.Tripped)
	require.Len(t, got.Journal, 1)
	require.Equal(t, "trip", got.Journal[0].Type)
}

func TestBreakerResetFlow(t *testing.T) {
	srv, rk, _, _ := testServer(nil)

	// Not tripped yet: nothing to reset.
	rec := do(srv, http.MethodPost, "/risk/circuit-breaker/reset", `{"by":"oncall","reason":"drill"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rk.MarkEquity(80_000, testBase)
	require.True(t, rk.Snapshot().Breaker.Tripped)

	// Anonymous resets are refused.
	rec = do(srv, http.MethodPost, "/risk/circuit-breaker/reset", `{"reason":"drill"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.True(t, rk.Snapshot().Breaker.Tripped)

	rec = do(srv, http.MethodPost, "/risk/circuit-breaker/reset", `{"by":"oncall","reason":"verified data glitch"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	st := rk.Snapshot()
	require.False(t, st.Breaker.Tripped)
	require.InDelta(t, 80_000.0, st.PeakEquity, 1e-9) // peak rebased on reset
	require.InDelta(t, 0.0, st.Drawdown, 1e-12)

	journal := rk.Journal()
	require.Len(t, journal, 2)
	require.Equal(t, "reset", journal[1].Type)
	require.Equal(t, "oncall", journal[1].By)
}

func TestWatchlistSnapshotEndpoint(t *testing.T) {
	srv, _, watch, _ := testServer(nil)

	rec := do(srv, http.MethodGet, "/watchlist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	watch.Observe(signal.Reading{
		Kind:       signal.KindSentiment,
		Symbol:     "BTC",
		Score:      0.85,
		Confidence: 0.9,
		ObservedAt: testBase,
	})

	rec = do(srv, http.MethodGet, "/watchlist", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []watchlist.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "BTC", entries[0].Symbol)
	require.Equal(t, watchlist.StatusWatchlisted, entries[0].Status)
}

func TestBlacklistRemoval(t *testing.T) {
	srv, _, watch, _ := testServer(nil)
	watch.Blacklist("BTC", "exchange delisting")
	require.True(t, watch.Blacklisted("BTC"))

	rec := do(srv, http.MethodDelete, "/blacklist/BTC", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, watch.Blacklisted("BTC"))
	require.Contains(t, rec.Body.String(), `"status":"untracked"`)

	// Second removal has nothing to remove.
	rec = do(srv, http.MethodDelete, "/blacklist/BTC", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(srv, http.MethodDelete, "/blacklist/ETH", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPositionsListsOnlyOpen(t *testing.T) {
	srv, _, _, arena := testServer(nil)
	arena.ObservePrice("BTC", 100, 0.01, testBase)
	arena.ObservePrice("ETH", 200, 0.02, testBase)
	require.NoError(t, arena.Open("BTC", portfolio.Position{
		Mode:       portfolio.ModeFlip,
		Quantity:   50,
		EntryPrice: 100,
		EntryTime:  testBase,
		StopPrice:  98,
	}))

	rec := do(srv, http.MethodGet, "/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var assets []portfolio.Asset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &assets))
	require.Len(t, assets, 1)
	require.Equal(t, "BTC", assets[0].Symbol)
	require.NotNil(t, assets[0].Position)
}

func TestTradesRequiresStore(t *testing.T) {
	srv, _, _, _ := testServer(nil)
	rec := do(srv, http.MethodGet, "/trades", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTradesReadsFromStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	defer st.Close()

	srv, _, _, _ := testServer(st)

	rec := do(srv, http.MethodGet, "/trades", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	require.NoError(t, st.RecordTrade(store.TradeRecord{
		Symbol:     "BTC",
		Mode:       string(portfolio.ModeFlip),
		Quantity:   50,
		EntryPrice: 100,
		ExitPrice:  104,
		EntryTime:  testBase,
		ExitTime:   testBase.Add(time.Hour),
		PnL:        200,
		ExitTag:    risk.TagTakeProfit,
	}))

	rec = do(srv, http.MethodGet, "/trades?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var trades []store.TradeRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	require.Equal(t, "BTC", trades[0].Symbol)
	require.InDelta(t, 200.0, trades[0].PnL, 1e-9)
}
