// Package store persists engine state to SQLite: open positions, the risk
// ledger, watchlist entries, completed trades and equity marks. Everything
// the process needs to resume after a restart lives here; readings and
// composites are deliberately not persisted.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/akarpov91/tradecore/internal/observ"
	"github.com/akarpov91/tradecore/internal/portfolio"
	"github.com/akarpov91/tradecore/internal/risk"
	"github.com/akarpov91/tradecore/internal/watchlist"
)

// Store wraps one SQLite database. Writes are serialized behind a mutex;
// SQLite handles concurrent readers via WAL.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates the database file (and its directory) if needed, switches to
// WAL mode and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	observ.Log("store_opened", map[string]any{"path": path})
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			symbol            TEXT PRIMARY KEY,
			side              TEXT NOT NULL,
			quantity          REAL NOT NULL,
			entry_price       REAL NOT NULL,
			entry_time_ns     INTEGER NOT NULL,
			mode              TEXT NOT NULL,
			size_fraction     REAL NOT NULL,
			stop_price        REAL NOT NULL,
			take_profit_price REAL NOT NULL,
			high_water        REAL NOT NULL,
			trailing_active   INTEGER NOT NULL,
			entry_fee         REAL NOT NULL DEFAULT 0,
			tag               TEXT,
			updated_ns        INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS risk_state (
			id                 INTEGER PRIMARY KEY CHECK (id = 1),
			capital            REAL NOT NULL,
			day_start_capital  REAL NOT NULL,
			daily_realized_pnl REAL NOT NULL,
			day                TEXT NOT NULL,
			equity             REAL NOT NULL,
			peak_equity        REAL NOT NULL,
			drawdown           REAL NOT NULL,
			open_exposure      REAL NOT NULL,
			breaker_tripped    INTEGER NOT NULL,
			breaker_reason     TEXT,
			breaker_at_ns      INTEGER NOT NULL,
			updated_ns         INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS watchlist (
			symbol             TEXT PRIMARY KEY,
			status             TEXT NOT NULL,
			reason             TEXT,
			added_at_ns        INTEGER NOT NULL,
			count              INTEGER NOT NULL,
			mean               REAL NOT NULL,
			last_qualifying_ns INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol        TEXT NOT NULL,
			mode          TEXT NOT NULL,
			quantity      REAL NOT NULL,
			size_fraction REAL NOT NULL,
			entry_price   REAL NOT NULL,
			exit_price    REAL NOT NULL,
			entry_ns      INTEGER NOT NULL,
			exit_ns       INTEGER NOT NULL,
			pnl           REAL NOT NULL,
			fees          REAL NOT NULL,
			entry_trigger TEXT,
			exit_tag      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit ON trades(exit_ns)`,

		`CREATE TABLE IF NOT EXISTS equity_marks (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ns    INTEGER NOT NULL,
			equity   REAL NOT NULL,
			drawdown REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_ts ON equity_marks(ts_ns)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SavePosition upserts one open position.
func (s *Store) SavePosition(symbol string, p portfolio.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO positions
		(symbol, side, quantity, entry_price, entry_time_ns, mode, size_fraction,
		 stop_price, take_profit_price, high_water, trailing_active, entry_fee, tag, updated_ns)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
			side=excluded.side, quantity=excluded.quantity,
			entry_price=excluded.entry_price, entry_time_ns=excluded.entry_time_ns,
			mode=excluded.mode, size_fraction=excluded.size_fraction,
			stop_price=excluded.stop_price, take_profit_price=excluded.take_profit_price,
			high_water=excluded.high_water, trailing_active=excluded.trailing_active,
			entry_fee=excluded.entry_fee, tag=excluded.tag, updated_ns=excluded.updated_ns`,
		symbol, string(p.Side), p.Quantity, p.EntryPrice, p.EntryTime.UnixNano(),
		string(p.Mode), p.SizeFraction, p.StopPrice, p.TakeProfitPrice,
		p.HighWater, boolToInt(p.TrailingActive), p.EntryFee, p.Tag, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", symbol, err)
	}
	return nil
}

// DeletePosition removes a closed position. Missing rows are not an error.
func (s *Store) DeletePosition(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM positions WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("delete position %s: %w", symbol, err)
	}
	return nil
}

// LoadPositions returns all persisted open positions keyed by symbol.
func (s *Store) LoadPositions() (map[string]portfolio.Position, error) {
	rows, err := s.db.Query(`SELECT symbol, side, quantity, entry_price, entry_time_ns,
		mode, size_fraction, stop_price, take_profit_price, high_water, trailing_active, entry_fee, tag
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]portfolio.Position)
	for rows.Next() {
		var (
			symbol, side, mode string
			tag                sql.NullString
			entryNS            int64
			trailing           int
			p                  portfolio.Position
		)
		if err := rows.Scan(&symbol, &side, &p.Quantity, &p.EntryPrice, &entryNS,
			&mode, &p.SizeFraction, &p.StopPrice, &p.TakeProfitPrice,
			&p.HighWater, &trailing, &p.EntryFee, &tag); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Side = portfolio.Side(side)
		p.Mode = portfolio.Mode(mode)
		p.EntryTime = time.Unix(0, entryNS).UTC()
		p.TrailingActive = trailing != 0
		p.Tag = tag.String
		out[symbol] = p
	}
	return out, rows.Err()
}

// SaveRiskState upserts the singleton risk ledger row.
func (s *Store) SaveRiskState(st risk.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO risk_state
		(id, capital, day_start_capital, daily_realized_pnl, day, equity, peak_equity,
		 drawdown, open_exposure, breaker_tripped, breaker_reason, breaker_at_ns, updated_ns)
		VALUES (1,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			capital=excluded.capital, day_start_capital=excluded.day_start_capital,
			daily_realized_pnl=excluded.daily_realized_pnl, day=excluded.day,
			equity=excluded.equity, peak_equity=excluded.peak_equity,
			drawdown=excluded.drawdown, open_exposure=excluded.open_exposure,
			breaker_tripped=excluded.breaker_tripped, breaker_reason=excluded.breaker_reason,
			breaker_at_ns=excluded.breaker_at_ns, updated_ns=excluded.updated_ns`,
		st.Capital, st.DayStartCapital, st.DailyRealizedPnL, st.Day, st.Equity,
		st.PeakEquity, st.Drawdown, st.OpenExposure,
		boolToInt(st.Breaker.Tripped), st.Breaker.Reason, timeToNS(st.Breaker.TrippedAt),
		st.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}

// LoadRiskState returns the persisted ledger. ok is false on a fresh
// database.
func (s *Store) LoadRiskState() (risk.State, bool, error) {
	var (
		st        risk.State
		tripped   int
		reason    sql.NullString
		breakerNS int64
		updatedNS int64
	)
	err := s.db.QueryRow(`SELECT capital, day_start_capital, daily_realized_pnl, day,
		equity, peak_equity, drawdown, open_exposure,
		breaker_tripped, breaker_reason, breaker_at_ns, updated_ns
		FROM risk_state WHERE id = 1`).Scan(
		&st.Capital, &st.DayStartCapital, &st.DailyRealizedPnL, &st.Day,
		&st.Equity, &st.PeakEquity, &st.Drawdown, &st.OpenExposure,
		&tripped, &reason, &breakerNS, &updatedNS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.State{}, false, nil
	}
	if err != nil {
		return risk.State{}, false, fmt.Errorf("load risk state: %w", err)
	}
	st.Breaker.Tripped = tripped != 0
	st.Breaker.Reason = reason.String
	st.Breaker.TrippedAt = nsToTime(breakerNS)
	st.UpdatedAt = time.Unix(0, updatedNS).UTC()
	return st, true, nil
}

// SaveWatchlist replaces the whole table with the given snapshot in one
// transaction. The list is small (tens of symbols), so replace-all is
// simpler and safer than diffing.
func (s *Store) SaveWatchlist(entries []watchlist.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("watchlist tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM watchlist`); err != nil {
		return fmt.Errorf("clear watchlist: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.Exec(`INSERT INTO watchlist
			(symbol, status, reason, added_at_ns, count, mean, last_qualifying_ns)
			VALUES (?,?,?,?,?,?,?)`,
			e.Symbol, string(e.Status), e.Reason, timeToNS(e.AddedAt),
			e.Count, e.Mean, timeToNS(e.LastQualifying),
		); err != nil {
			return fmt.Errorf("insert watchlist %s: %w", e.Symbol, err)
		}
	}
	return tx.Commit()
}

// LoadWatchlist returns all persisted entries ordered by symbol.
func (s *Store) LoadWatchlist() ([]watchlist.Entry, error) {
	rows, err := s.db.Query(`SELECT symbol, status, reason, added_at_ns, count, mean, last_qualifying_ns
		FROM watchlist ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("load watchlist: %w", err)
	}
	defer rows.Close()

	var out []watchlist.Entry
	for rows.Next() {
		var (
			e       watchlist.Entry
			status  string
			reason  sql.NullString
			addedNS int64
			lastNS  int64
		)
		if err := rows.Scan(&e.Symbol, &status, &reason, &addedNS, &e.Count, &e.Mean, &lastNS); err != nil {
			return nil, fmt.Errorf("scan watchlist: %w", err)
		}
		e.Status = watchlist.Status(status)
		e.Reason = reason.String
		e.AddedAt = nsToTime(addedNS)
		e.LastQualifying = nsToTime(lastNS)
		out = append(out, e)
	}
	return out, rows.Err()
}

// TradeRecord is one completed round trip.
type TradeRecord struct {
	ID           int64     `json:"id,omitempty"`
	Symbol       string    `json:"symbol"`
	Mode         string    `json:"mode"`
	Quantity     float64   `json:"quantity"`
	SizeFraction float64   `json:"size_fraction"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	EntryTime    time.Time `json:"entry_time"`
	ExitTime     time.Time `json:"exit_time"`
	PnL          float64   `json:"pnl"`
	Fees         float64   `json:"fees"`
	EntryTrigger string    `json:"entry_trigger,omitempty"`
	ExitTag      string    `json:"exit_tag,omitempty"`
}

// RecordTrade appends one completed trade.
func (s *Store) RecordTrade(tr TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO trades
		(symbol, mode, quantity, size_fraction, entry_price, exit_price,
		 entry_ns, exit_ns, pnl, fees, entry_trigger, exit_tag)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		tr.Symbol, tr.Mode, tr.Quantity, tr.SizeFraction, tr.EntryPrice, tr.ExitPrice,
		tr.EntryTime.UnixNano(), tr.ExitTime.UnixNano(), tr.PnL, tr.Fees,
		tr.EntryTrigger, tr.ExitTag,
	)
	if err != nil {
		return fmt.Errorf("record trade %s: %w", tr.Symbol, err)
	}
	return nil
}

// Trades returns the most recent trades, newest first.
func (s *Store) Trades(limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, symbol, mode, quantity, size_fraction,
		entry_price, exit_price, entry_ns, exit_ns, pnl, fees, entry_trigger, exit_tag
		FROM trades ORDER BY exit_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			tr               TradeRecord
			entryNS, exitNS  int64
			trigger, exitTag sql.NullString
		)
		if err := rows.Scan(&tr.ID, &tr.Symbol, &tr.Mode, &tr.Quantity, &tr.SizeFraction,
			&tr.EntryPrice, &tr.ExitPrice, &entryNS, &exitNS, &tr.PnL, &tr.Fees,
			&trigger, &exitTag); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		tr.EntryTime = time.Unix(0, entryNS).UTC()
		tr.ExitTime = time.Unix(0, exitNS).UTC()
		tr.EntryTrigger = trigger.String
		tr.ExitTag = exitTag.String
		out = append(out, tr)
	}
	return out, rows.Err()
}

// RecordEquityMark appends one equity curve point.
func (s *Store) RecordEquityMark(at time.Time, equity, drawdown float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO equity_marks (ts_ns, equity, drawdown) VALUES (?,?,?)`,
		at.UnixNano(), equity, drawdown)
	if err != nil {
		return fmt.Errorf("record equity mark: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeToNS maps the zero time to 0 so it round-trips as zero.
func timeToNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
