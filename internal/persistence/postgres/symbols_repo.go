package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/candlevault/candlevault/internal/calendar"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/timeframe"
)

// ErrDuplicateSymbol is returned when adding a symbol that is already
// active; re-adding an inactive symbol reactivates it instead.
var ErrDuplicateSymbol = fmt.Errorf("symbol already registered")

// ErrSymbolNotFound is returned by lookups and updates on unknown symbols.
var ErrSymbolNotFound = fmt.Errorf("symbol not found")

// symbolRepo implements persistence.SymbolRepo for PostgreSQL.
type symbolRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSymbolRepo creates a PostgreSQL symbol registry.
func NewSymbolRepo(db *sqlx.DB, timeout time.Duration) persistence.SymbolRepo {
	return &symbolRepo{db: db, timeout: timeout}
}

// Add registers a symbol, or reactivates a previously soft-deleted one
// without touching its historical candles.
func (r *symbolRepo) Add(ctx context.Context, symbol, assetClass string, timeframes []string) (*persistence.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	symbol = canonicalSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol must not be empty")
	}
	if !calendar.ValidAssetClass(assetClass) {
		return nil, fmt.Errorf("invalid asset class %q: must be stock, crypto, or etf", assetClass)
	}
	if len(timeframes) == 0 {
		timeframes = timeframe.Strings(timeframe.Default)
	}
	if _, err := timeframe.ParseAll(timeframes); err != nil {
		return nil, err
	}

	existing, err := r.Get(ctx, symbol)
	if err != nil && err != ErrSymbolNotFound {
		return nil, err
	}
	if existing != nil {
		if existing.Active {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSymbol, symbol)
		}
		// Reactivate; candles from the previous active period are retained.
		query := `
			UPDATE symbols
			SET active = true, asset_class = $2, timeframes = $3
			WHERE symbol = $1`
		if _, err := r.db.ExecContext(ctx, query, symbol, assetClass, pq.Array(timeframes)); err != nil {
			return nil, fmt.Errorf("failed to reactivate symbol: %w", err)
		}
		return r.Get(ctx, symbol)
	}

	query := `
		INSERT INTO symbols (symbol, asset_class, active, timeframes, backfill_status)
		VALUES ($1, $2, true, $3, $4)`
	if _, err := r.db.ExecContext(ctx, query, symbol, assetClass, pq.Array(timeframes), persistence.BackfillPending); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSymbol, symbol)
		}
		return nil, fmt.Errorf("failed to insert symbol: %w", err)
	}
	return r.Get(ctx, symbol)
}

// Get looks a symbol up case-insensitively.
func (r *symbolRepo) Get(ctx context.Context, symbol string) (*persistence.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, asset_class, active, timeframes, date_added, last_backfill, backfill_status, backfill_error
		FROM symbols
		WHERE symbol = $1`

	var s persistence.Symbol
	var tfs pq.StringArray
	err := r.db.QueryRowxContext(ctx, query, canonicalSymbol(symbol)).Scan(
		&s.Symbol, &s.AssetClass, &s.Active, &tfs, &s.DateAdded,
		&s.LastBackfill, &s.BackfillStatus, &s.BackfillError)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSymbolNotFound
		}
		return nil, fmt.Errorf("failed to query symbol: %w", err)
	}
	s.Timeframes = []string(tfs)
	return &s, nil
}

// List returns symbols in registration order.
func (r *symbolRepo) List(ctx context.Context, activeOnly bool, assetClass string) ([]persistence.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, asset_class, active, timeframes, date_added, last_backfill, backfill_status, backfill_error
		FROM symbols
		WHERE ($1 = false OR active = true)
		  AND ($2 = '' OR asset_class = $2)
		ORDER BY date_added ASC, symbol ASC`

	rows, err := r.db.QueryxContext(ctx, query, activeOnly, assetClass)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	var symbols []persistence.Symbol
	for rows.Next() {
		var s persistence.Symbol
		var tfs pq.StringArray
		if err := rows.Scan(&s.Symbol, &s.AssetClass, &s.Active, &tfs, &s.DateAdded,
			&s.LastBackfill, &s.BackfillStatus, &s.BackfillError); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		s.Timeframes = []string(tfs)
		symbols = append(symbols, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	return symbols, nil
}

// SetActive toggles the soft-delete flag. Candles are retained either way.
func (r *symbolRepo) SetActive(ctx context.Context, symbol string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE symbols SET active = $2 WHERE symbol = $1`,
		canonicalSymbol(symbol), active)
	if err != nil {
		return fmt.Errorf("failed to update symbol active flag: %w", err)
	}
	return requireOneRow(res, symbol)
}

// UpdateTimeframes replaces the configured timeframe set.
func (r *symbolRepo) UpdateTimeframes(ctx context.Context, symbol string, timeframes []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if len(timeframes) == 0 {
		return fmt.Errorf("timeframes must not be empty")
	}
	if _, err := timeframe.ParseAll(timeframes); err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `UPDATE symbols SET timeframes = $2 WHERE symbol = $1`,
		canonicalSymbol(symbol), pq.Array(timeframes))
	if err != nil {
		return fmt.Errorf("failed to update symbol timeframes: %w", err)
	}
	return requireOneRow(res, symbol)
}

// UpdateBackfillStatus stamps the registry after a backfill pass.
func (r *symbolRepo) UpdateBackfillStatus(ctx context.Context, symbol, status string, lastBackfill *time.Time, backfillErr *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE symbols
		SET backfill_status = $2,
		    last_backfill = COALESCE($3, last_backfill),
		    backfill_error = $4
		WHERE symbol = $1`,
		canonicalSymbol(symbol), status, lastBackfill, backfillErr)
	if err != nil {
		return fmt.Errorf("failed to update backfill status: %w", err)
	}
	return requireOneRow(res, symbol)
}

// canonicalSymbol normalizes user input to the stored uppercase form.
func canonicalSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func requireOneRow(res sql.Result, symbol string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, canonicalSymbol(symbol))
	}
	return nil
}
