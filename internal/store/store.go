// Package store persists daily fund quotes in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Brownie44l1/cvm-captcha/internal/funds"
)

const dateLayout = "2006-01-02"

// Store manages the quotes database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS daily_quotes (
		cnpj TEXT NOT NULL,
		date TEXT NOT NULL,
		quota REAL NOT NULL,
		inflow REAL NOT NULL,
		redemptions REAL NOT NULL,
		net_equity REAL NOT NULL,
		portfolio REAL NOT NULL,
		shareholders INTEGER NOT NULL,
		PRIMARY KEY (cnpj, date)
	);`)
	return err
}

// LastUpdate returns the most recent quote date stored for the fund, or the
// zero time when there is none.
func (s *Store) LastUpdate(ctx context.Context, cnpj string) (time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(date) FROM daily_quotes WHERE cnpj = ?`, funds.CNPJDigits(cnpj)).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last update: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, last.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt date %q: %w", last.String, err)
	}
	return t, nil
}

// Insert stores quotes in one transaction and reports how many were new.
// Rows already present for the same fund and date are left untouched.
func (s *Store) Insert(ctx context.Context, cnpj string, quotes []funds.DailyQuote) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT OR IGNORE INTO daily_quotes
		(cnpj, date, quota, inflow, redemptions, net_equity, portfolio, shareholders)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	id := funds.CNPJDigits(cnpj)
	inserted := 0
	for _, q := range quotes {
		res, err := stmt.ExecContext(ctx, id, q.Date.Format(dateLayout),
			q.Quota, q.Inflow, q.Redemptions, q.NetEquity, q.Portfolio, q.Shareholders)
		if err != nil {
			return 0, fmt.Errorf("failed to insert %s: %w", q.Date.Format(dateLayout), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return inserted, nil
}

// Quotes returns every stored quote of the fund ordered by date.
func (s *Store) Quotes(ctx context.Context, cnpj string) ([]funds.DailyQuote, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT date, quota, inflow, redemptions, net_equity, portfolio, shareholders
	FROM daily_quotes WHERE cnpj = ? ORDER BY date`, funds.CNPJDigits(cnpj))
	if err != nil {
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}
	defer rows.Close()

	var out []funds.DailyQuote
	for rows.Next() {
		var q funds.DailyQuote
		var date string
		if err := rows.Scan(&date, &q.Quota, &q.Inflow, &q.Redemptions,
			&q.NetEquity, &q.Portfolio, &q.Shareholders); err != nil {
			return nil, err
		}
		if q.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("corrupt date %q: %w", date, err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
