// Package ops exposes the operational HTTP surface: health, Prometheus
// metrics, the risk ledger, circuit-breaker control, and watchlist
// management. It is read-mostly; the only mutating endpoints are the
// breaker reset and the blacklist removal, both manual operator actions.
package ops

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/observ"
	"github.com/akarpov91/tradecore/internal/portfolio"
	"github.com/akarpov91/tradecore/internal/risk"
	"github.com/akarpov91/tradecore/internal/store"
	"github.com/akarpov91/tradecore/internal/watchlist"
)

// Server serves the ops endpoints over echo. The store may be nil when
// persistence is disabled; endpoints that need it answer 503.
type Server struct {
	echo    *echo.Echo
	cfg     config.Ops
	risk    *risk.Manager
	watch   *watchlist.Manager
	arena   *portfolio.Manager
	store   *store.Store
	started time.Time
}

func NewServer(cfg config.Ops, rk *risk.Manager, watch *watchlist.Manager, arena *portfolio.Manager, st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		cfg:     cfg,
		risk:    rk,
		watch:   watch,
		arena:   arena,
		store:   st,
		started: time.Now().UTC(),
	}

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(observ.MetricsHandler()))
	e.GET("/risk/state", s.riskState)
	e.POST("/risk/circuit-breaker/reset", s.resetBreaker)
	e.GET("/watchlist", s.watchlistSnapshot)
	e.DELETE("/blacklist/:symbol", s.removeFromBlacklist)
	e.GET("/positions", s.positions)
	e.GET("/trades", s.trades)

	return s
}

// Start begins listening on the configured address. It returns immediately;
// listen errors other than a clean shutdown are logged.
func (s *Server) Start() {
	go func() {
		observ.Log("ops_server_started", map[string]any{"addr": s.cfg.Addr})
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observ.Error("ops_server_failed", err, map[string]any{"addr": s.cfg.Addr})
		}
	}()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) riskState(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"state":   s.risk.Snapshot(),
		"journal": s.risk.Journal(),
	})
}

type breakerResetRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// resetBreaker is the manual override for a tripped drawdown breaker.
// It requires an operator identity so the action lands in the journal.
func (s *Server) resetBreaker(c echo.Context) error {
	var req breakerResetRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.By == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "by is required"})
	}
	if err := s.risk.ResetBreaker(req.By, req.Reason, time.Now().UTC()); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, s.risk.Snapshot())
}

func (s *Server) watchlistSnapshot(c echo.Context) error {
	entries := s.watch.Snapshot()
	if entries == nil {
		entries = []watchlist.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// removeFromBlacklist is the only path off the blacklist. The symbol
// restarts untracked and must re-qualify for the watchlist from scratch.
func (s *Server) removeFromBlacklist(c echo.Context) error {
	symbol := c.Param("symbol")
	if err := s.watch.RemoveFromBlacklist(symbol); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	if s.store != nil {
		if err := s.store.SaveWatchlist(s.watch.Snapshot()); err != nil {
			observ.Error("watchlist_persist_failed", err, map[string]any{"symbol": symbol})
		}
	}
	observ.Log("blacklist_removed", map[string]any{"symbol": symbol, "via": "ops"})
	return c.JSON(http.StatusOK, map[string]string{
		"symbol": symbol,
		"status": string(s.watch.Status(symbol)),
	})
}

func (s *Server) positions(c echo.Context) error {
	assets := s.arena.Snapshot()
	open := make([]portfolio.Asset, 0, len(assets))
	for _, a := range assets {
		if a.Position != nil {
			open = append(open, a)
		}
	}
	return c.JSON(http.StatusOK, open)
}

func (s *Server) trades(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "persistence disabled"})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	trades, err := s.store.Trades(limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if trades == nil {
		trades = []store.TradeRecord{}
	}
	return c.JSON(http.StatusOK, trades)
}
