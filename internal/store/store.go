// Package store provides the shared SQLite state database used by the
// engine, watchdog, and sentinel processes. A single local file with WAL
// and immediate transactions gives the capital ledger its linearizable
// updates without a database server the watchdog could lose.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rvgupta/volsentry/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS capital_usage (
	bucket     TEXT PRIMARY KEY,
	used       REAL NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS capital_ledger (
	trade_id   TEXT NOT NULL,
	bucket     TEXT NOT NULL,
	amount     REAL NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (trade_id, bucket)
);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	bucket      TEXT NOT NULL,
	expiry_date TEXT NOT NULL,
	payload     TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);

CREATE TABLE IF NOT EXISTS risk_heartbeat (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	at           TIMESTAMP NOT NULL,
	equity       REAL NOT NULL,
	sod_equity   REAL NOT NULL,
	drawdown_pct REAL NOT NULL,
	armed        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS control_flags (
	name       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Control flag names shared across processes.
const (
	// FlagKillSwitch holds the kill origin when tripped: "manual" or "auto".
	// Absent or empty means trading is armed.
	FlagKillSwitch = "kill_switch"
	// FlagSODEquity holds the locked start-of-day equity as "date|value".
	FlagSODEquity = "sod_equity"
)

// Store wraps the shared SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the state database at path and applies the schema.
// The DSN enables WAL journaling, a busy timeout so concurrent processes
// queue instead of erroring, and immediate transactions so every write
// transaction takes the write lock at BEGIN.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY churn within a process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for packages that manage their own
// transactions, such as the capital ledger.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveTrade upserts a trade. The full trade is stored as JSON with a few
// columns promoted for querying.
func (s *Store) SaveTrade(trade *models.MultiLegTrade) error {
	if err := trade.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid trade: %w", err)
	}
	payload, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshaling trade %s: %w", trade.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO trades (id, status, bucket, expiry_date, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			bucket = excluded.bucket,
			expiry_date = excluded.expiry_date,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP`,
		trade.ID, string(trade.Status), string(trade.Bucket), trade.ExpiryDate, string(payload))
	if err != nil {
		return fmt.Errorf("saving trade %s: %w", trade.ID, err)
	}
	return nil
}

// GetTrade loads one trade by id. Returns (nil, nil) when absent.
func (s *Store) GetTrade(id string) (*models.MultiLegTrade, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM trades WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading trade %s: %w", id, err)
	}
	return unmarshalTrade(payload)
}

// LiveTrades returns all trades whose positions are still on the book.
func (s *Store) LiveTrades() ([]*models.MultiLegTrade, error) {
	rows, err := s.db.Query(`SELECT payload FROM trades WHERE status IN (?, ?)`,
		string(models.StatusOpen), string(models.StatusExternal))
	if err != nil {
		return nil, fmt.Errorf("querying live trades: %w", err)
	}
	defer rows.Close()

	var trades []*models.MultiLegTrade
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning trade row: %w", err)
		}
		trade, err := unmarshalTrade(payload)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// TradesEnteredSince counts system-originated trades entered at or after
// the cutoff, and returns the most recent entry time. External trades do
// not count toward cadence limits.
func (s *Store) TradesEnteredSince(cutoff time.Time) (int, time.Time, error) {
	rows, err := s.db.Query(`SELECT payload FROM trades WHERE status != ?`,
		string(models.StatusExternal))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("querying trade cadence: %w", err)
	}
	defer rows.Close()

	count := 0
	var last time.Time
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return 0, time.Time{}, fmt.Errorf("scanning trade row: %w", err)
		}
		trade, err := unmarshalTrade(payload)
		if err != nil {
			return 0, time.Time{}, err
		}
		if trade.EntryTime.IsZero() || trade.EntryTime.Before(cutoff) {
			continue
		}
		count++
		if trade.EntryTime.After(last) {
			last = trade.EntryTime
		}
	}
	return count, last, rows.Err()
}

func unmarshalTrade(payload string) (*models.MultiLegTrade, error) {
	var trade models.MultiLegTrade
	if err := json.Unmarshal([]byte(payload), &trade); err != nil {
		return nil, fmt.Errorf("unmarshaling trade: %w", err)
	}
	return &trade, nil
}

// Heartbeat is one watchdog liveness record.
type Heartbeat struct {
	At          time.Time
	Equity      float64
	SODEquity   float64
	DrawdownPct float64
	Armed       bool
}

// WriteHeartbeat appends a watchdog heartbeat row and prunes rows older
// than a day to keep the table bounded.
func (s *Store) WriteHeartbeat(hb Heartbeat) error {
	_, err := s.db.Exec(`INSERT INTO risk_heartbeat (at, equity, sod_equity, drawdown_pct, armed)
		VALUES (?, ?, ?, ?, ?)`,
		hb.At.UTC(), hb.Equity, hb.SODEquity, hb.DrawdownPct, boolToInt(hb.Armed))
	if err != nil {
		return fmt.Errorf("writing heartbeat: %w", err)
	}
	_, err = s.db.Exec(`DELETE FROM risk_heartbeat WHERE at < ?`, hb.At.UTC().Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("pruning heartbeats: %w", err)
	}
	return nil
}

// LatestHeartbeat returns the most recent watchdog heartbeat, or
// (nil, nil) when none has ever been written.
func (s *Store) LatestHeartbeat() (*Heartbeat, error) {
	var hb Heartbeat
	var armed int
	err := s.db.QueryRow(`SELECT at, equity, sod_equity, drawdown_pct, armed
		FROM risk_heartbeat ORDER BY id DESC LIMIT 1`).
		Scan(&hb.At, &hb.Equity, &hb.SODEquity, &hb.DrawdownPct, &armed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading heartbeat: %w", err)
	}
	hb.Armed = armed != 0
	return &hb, nil
}

// SetFlag writes a control flag visible to all processes.
func (s *Store) SetFlag(name, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO control_flags (name, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		name, value)
	if err != nil {
		return fmt.Errorf("setting flag %s: %w", name, err)
	}
	return nil
}

// GetFlag reads a control flag. Returns "" when the flag is unset.
func (s *Store) GetFlag(name string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM control_flags WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading flag %s: %w", name, err)
	}
	return value, nil
}

// ClearFlag removes a control flag.
func (s *Store) ClearFlag(name string) error {
	if _, err := s.db.Exec(`DELETE FROM control_flags WHERE name = ?`, name); err != nil {
		return fmt.Errorf("clearing flag %s: %w", name, err)
	}
	return nil
}

// KillSwitch reports whether trading is killed and by whom.
func (s *Store) KillSwitch() (tripped bool, origin string, err error) {
	origin, err = s.GetFlag(FlagKillSwitch)
	if err != nil {
		return false, "", err
	}
	return origin != "", origin, nil
}

// TripKillSwitch records a kill with its origin ("manual" or "auto").
// A manual kill is never downgraded to auto.
func (s *Store) TripKillSwitch(origin string) error {
	cur, err := s.GetFlag(FlagKillSwitch)
	if err != nil {
		return err
	}
	if cur == "manual" {
		return nil
	}
	return s.SetFlag(FlagKillSwitch, origin)
}

// ResetKillSwitch re-arms trading.
func (s *Store) ResetKillSwitch() error {
	return s.ClearFlag(FlagKillSwitch)
}

const sodLayout = "2006-01-02"

// LockSODEquity records the start-of-day equity once per trading day.
// The first caller on a given day wins; later calls return the locked
// value unchanged so restarts cannot shift the drawdown baseline.
func (s *Store) LockSODEquity(day time.Time, equity float64) (float64, error) {
	date := day.Format(sodLayout)
	cur, err := s.GetFlag(FlagSODEquity)
	if err != nil {
		return 0, err
	}
	if cur != "" {
		if parts := strings.SplitN(cur, "|", 2); len(parts) == 2 && parts[0] == date {
			curEquity, err := strconv.ParseFloat(parts[1], 64)
			if err == nil {
				return curEquity, nil
			}
		}
	}
	if err := s.SetFlag(FlagSODEquity, fmt.Sprintf("%s|%f", date, equity)); err != nil {
		return 0, err
	}
	return equity, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
