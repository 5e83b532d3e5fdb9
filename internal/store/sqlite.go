package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ RunStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS backtest_runs (
	run_id       TEXT NOT NULL,
	ticker       TEXT NOT NULL,
	model_path   TEXT NOT NULL,
	start_date   TEXT NOT NULL,
	end_date     TEXT NOT NULL,
	total_return REAL NOT NULL,
	cagr         REAL NOT NULL,
	max_drawdown REAL NOT NULL,
	trade_count  INTEGER NOT NULL,
	metrics_json TEXT NOT NULL,
	out_dir      TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (run_id, ticker)
);
CREATE INDEX IF NOT EXISTS idx_backtest_runs_ticker ON backtest_runs (ticker);

CREATE TABLE IF NOT EXISTS registry_best (
	ticker       TEXT NOT NULL,
	mode         TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	model_path   TEXT NOT NULL,
	precision    REAL,
	lift         REAL,
	best_status  TEXT NOT NULL,
	sort_key     TEXT NOT NULL,
	filters      TEXT NOT NULL,
	generated_at TEXT NOT NULL,
	PRIMARY KEY (ticker, mode)
);
`

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates
// the schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Concurrent ticker workers share the handle; serialize writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Backtest runs
// ---------------------------------------------------------------------------

// RecordRun inserts or replaces the record for (run id, ticker).
func (s *SQLiteStore) RecordRun(ctx context.Context, rec RunRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO backtest_runs
			(run_id, ticker, model_path, start_date, end_date, total_return, cagr,
			 max_drawdown, trade_count, metrics_json, out_dir, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Ticker, rec.ModelPath, rec.Start, rec.End, rec.TotalReturn, rec.CAGR,
		rec.MaxDrawdown, rec.TradeCount, rec.MetricsJSON, rec.OutDir,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording run %s/%s: %w", rec.RunID, rec.Ticker, err)
	}
	return nil
}

// ListRuns returns the records for ticker, or all records when ticker is
// empty, oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, ticker string) ([]RunRecord, error) {
	q := `SELECT run_id, ticker, model_path, start_date, end_date, total_return, cagr,
	             max_drawdown, trade_count, metrics_json, out_dir, created_at
	      FROM backtest_runs`
	var args []any
	if ticker != "" {
		q += ` WHERE ticker = ?`
		args = append(args, ticker)
	}
	q += ` ORDER BY created_at, run_id, ticker`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			created string
		)
		if err := rows.Scan(&r.RunID, &r.Ticker, &r.ModelPath, &r.Start, &r.End, &r.TotalReturn,
			&r.CAGR, &r.MaxDrawdown, &r.TradeCount, &r.MetricsJSON, &r.OutDir, &created); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Registry selection
// ---------------------------------------------------------------------------

// ReplaceRegistryBest deletes the stored selection and inserts recs in one
// transaction.
func (s *SQLiteStore) ReplaceRegistryBest(ctx context.Context, recs []BestRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM registry_best`); err != nil {
		return fmt.Errorf("clearing registry_best: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO registry_best
			(ticker, mode, run_id, model_path, precision, lift, best_status, sort_key, filters, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.Ticker, r.Mode, r.RunID, r.ModelPath,
			nullFloat(r.Precision), nullFloat(r.Lift), r.BestStatus, r.SortKey, r.Filters, r.GeneratedAt); err != nil {
			return fmt.Errorf("inserting registry_best %s: %w", r.Ticker, err)
		}
	}
	return tx.Commit()
}

// ListRegistryBest returns the stored selection ordered by ticker.
func (s *SQLiteStore) ListRegistryBest(ctx context.Context) ([]BestRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker, mode, run_id, model_path, precision, lift, best_status, sort_key, filters, generated_at
		FROM registry_best ORDER BY ticker, mode`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BestRecord
	for rows.Next() {
		var (
			r               BestRecord
			precision, lift sql.NullFloat64
		)
		if err := rows.Scan(&r.Ticker, &r.Mode, &r.RunID, &r.ModelPath, &precision, &lift,
			&r.BestStatus, &r.SortKey, &r.Filters, &r.GeneratedAt); err != nil {
			return nil, err
		}
		r.Precision = floatPtr(precision)
		r.Lift = floatPtr(lift)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
