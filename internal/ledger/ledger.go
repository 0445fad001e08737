// Package ledger enforces per-bucket capital limits. Every allocation and
// release runs inside a single immediate SQLite transaction, so concurrent
// engine goroutines and crash-recovery replays observe a linear history:
// two allocations that together exceed a bucket's limit can never both
// commit.
package ledger

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/rvgupta/volsentry/internal/models"
	"github.com/rvgupta/volsentry/internal/store"
)

// ErrInsufficientCapital is returned when an allocation would push a
// bucket past its limit.
var ErrInsufficientCapital = fmt.Errorf("insufficient bucket capital")

// Limits maps each bucket to its rupee ceiling.
type Limits map[models.CapitalBucket]float64

// BucketStatus is one bucket's view in a capital snapshot.
type BucketStatus struct {
	Limit     float64 `json:"limit"`
	Used      float64 `json:"used"`
	Available float64 `json:"available"`
}

// Ledger tracks capital usage per bucket in the shared state database.
type Ledger struct {
	db     *sql.DB
	limits Limits
	logger *log.Logger
}

// New creates a ledger over the shared store with the given bucket limits.
func New(st *store.Store, limits Limits, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.New(log.Writer(), "[LEDGER] ", log.LstdFlags)
	}
	return &Ledger{db: st.DB(), limits: limits, logger: logger}
}

// Allocate reserves amount from the trade's bucket. The reservation is
// idempotent on (trade id, bucket): replaying an allocation after a crash
// returns success without double-counting. Fails with
// ErrInsufficientCapital when the bucket cannot cover the amount.
func (l *Ledger) Allocate(tradeID string, bucket models.CapitalBucket, amount float64) error {
	if tradeID == "" {
		return fmt.Errorf("allocate: empty trade id")
	}
	if amount <= 0 {
		return fmt.Errorf("allocate %s: amount must be > 0, got %.2f", tradeID, amount)
	}
	limit, ok := l.limits[bucket]
	if !ok {
		return fmt.Errorf("allocate %s: unknown bucket %q", tradeID, bucket)
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("allocate %s: begin: %w", tradeID, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// INSERT OR IGNORE carries the idempotency: a replay hits the
	// UNIQUE(trade_id, bucket) constraint and changes nothing.
	res, err := tx.Exec(`INSERT OR IGNORE INTO capital_ledger (trade_id, bucket, amount, created_at)
		VALUES (?, ?, ?, ?)`,
		tradeID, string(bucket), amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("allocate %s: ledger insert: %w", tradeID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("allocate %s: rows affected: %w", tradeID, err)
	}
	if inserted == 0 {
		// Already allocated in a previous attempt.
		l.logger.Printf("allocation replay for trade %s bucket %s, honoring prior reservation", tradeID, bucket)
		return tx.Commit()
	}

	var used float64
	err = tx.QueryRow(`SELECT COALESCE(used, 0) FROM capital_usage WHERE bucket = ?`,
		string(bucket)).Scan(&used)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("allocate %s: reading usage: %w", tradeID, err)
	}

	if used+amount > limit {
		// Leaves the transaction to roll back, removing the ledger row.
		return fmt.Errorf("allocate %s: bucket %s needs %.2f, has %.2f of %.2f free: %w",
			tradeID, bucket, amount, limit-used, limit, ErrInsufficientCapital)
	}

	_, err = tx.Exec(`
		INSERT INTO capital_usage (bucket, used, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(bucket) DO UPDATE SET used = used + ?, updated_at = CURRENT_TIMESTAMP`,
		string(bucket), amount, amount)
	if err != nil {
		return fmt.Errorf("allocate %s: updating usage: %w", tradeID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("allocate %s: commit: %w", tradeID, err)
	}
	l.logger.Printf("allocated %.2f from %s for trade %s (%.2f/%.2f used)",
		amount, bucket, tradeID, used+amount, limit)
	return nil
}

// Release returns a trade's reservation to its bucket. The amount comes
// from the ledger row written at allocation time, so callers cannot
// release more than was reserved. Releasing a trade with no reservation
// is a no-op. Usage floors at zero.
func (l *Ledger) Release(tradeID string, bucket models.CapitalBucket) error {
	if tradeID == "" {
		return fmt.Errorf("release: empty trade id")
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("release %s: begin: %w", tradeID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var amount float64
	err = tx.QueryRow(`DELETE FROM capital_ledger WHERE trade_id = ? AND bucket = ? RETURNING amount`,
		tradeID, string(bucket)).Scan(&amount)
	if err == sql.ErrNoRows {
		// Already released, or never allocated.
		l.logger.Printf("release for trade %s bucket %s found no reservation, skipping", tradeID, bucket)
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("release %s: ledger delete: %w", tradeID, err)
	}

	_, err = tx.Exec(`UPDATE capital_usage SET used = MAX(0, used - ?), updated_at = CURRENT_TIMESTAMP
		WHERE bucket = ?`, amount, string(bucket))
	if err != nil {
		return fmt.Errorf("release %s: updating usage: %w", tradeID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("release %s: commit: %w", tradeID, err)
	}
	l.logger.Printf("released %.2f to %s for trade %s", amount, bucket, tradeID)
	return nil
}

// Status returns the current usage snapshot for every configured bucket.
func (l *Ledger) Status() (map[models.CapitalBucket]BucketStatus, error) {
	rows, err := l.db.Query(`SELECT bucket, used FROM capital_usage`)
	if err != nil {
		return nil, fmt.Errorf("ledger status: %w", err)
	}
	defer rows.Close()

	used := make(map[models.CapitalBucket]float64)
	for rows.Next() {
		var bucket string
		var u float64
		if err := rows.Scan(&bucket, &u); err != nil {
			return nil, fmt.Errorf("ledger status scan: %w", err)
		}
		used[models.CapitalBucket(bucket)] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger status rows: %w", err)
	}

	status := make(map[models.CapitalBucket]BucketStatus, len(l.limits))
	for bucket, limit := range l.limits {
		u := used[bucket]
		status[bucket] = BucketStatus{Limit: limit, Used: u, Available: limit - u}
	}
	return status, nil
}

// Available returns the free capital in one bucket.
func (l *Ledger) Available(bucket models.CapitalBucket) (float64, error) {
	limit, ok := l.limits[bucket]
	if !ok {
		return 0, fmt.Errorf("unknown bucket %q", bucket)
	}
	var used float64
	err := l.db.QueryRow(`SELECT COALESCE(used, 0) FROM capital_usage WHERE bucket = ?`,
		string(bucket)).Scan(&used)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("reading usage for %s: %w", bucket, err)
	}
	return limit - used, nil
}
