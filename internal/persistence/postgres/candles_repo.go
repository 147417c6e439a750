package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/timeframe"
)

// DefaultValidationBatch bounds one UpdateValidation round-trip.
const DefaultValidationBatch = 100

// MaxValidationBatch is the caller-tunable ceiling.
const MaxValidationBatch = 5000

// candleRepo implements persistence.CandleRepo for PostgreSQL.
type candleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCandleRepo creates a PostgreSQL candle repository.
func NewCandleRepo(db *sqlx.DB, timeout time.Duration) persistence.CandleRepo {
	return &candleRepo{db: db, timeout: timeout}
}

const candleColumns = `symbol, timeframe, ts, open, high, low, close, volume, vwap, trade_count,
	source, quality_score, validated, validation_notes, gap_detected, volume_anomaly, created_at`

// UpsertRange writes one batch atomically. Conflicts on the primary key
// are last-writer-wins on the non-key columns; the existing source is
// preserved when the incoming row carries an empty source tag.
func (r *candleRepo) UpsertRange(ctx context.Context, symbol string, tf timeframe.Timeframe, candles []persistence.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(candles)/500+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume, vwap, trade_count,
		                     source, quality_score, validated, validation_notes, gap_detected, volume_anomaly)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			vwap = EXCLUDED.vwap,
			trade_count = EXCLUDED.trade_count,
			source = CASE WHEN EXCLUDED.source = '' THEN candles.source ELSE EXCLUDED.source END,
			quality_score = EXCLUDED.quality_score,
			validated = EXCLUDED.validated,
			validation_notes = EXCLUDED.validation_notes,
			gap_detected = EXCLUDED.gap_detected,
			volume_anomaly = EXCLUDED.volume_anomaly`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, c := range candles {
		_, err := stmt.ExecContext(ctx,
			symbol, string(tf), c.Time.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume,
			c.VWAP, c.TradeCount, c.Source, c.QualityScore, c.Validated,
			c.ValidationNotes, c.GapDetected, c.VolumeAnomaly)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert candle %s/%s@%s: %w", symbol, tf, c.Time.Format(time.RFC3339), err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit candle batch: %w", err)
	}
	return count, nil
}

// FetchRange returns candles ascending by time with the documented
// filter defaults applied by the caller.
func (r *candleRepo) FetchRange(ctx context.Context, symbol string, tf timeframe.Timeframe, tr persistence.TimeRange, filter persistence.FetchFilter) ([]persistence.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = persistence.DefaultFetchFilter().Limit
	}
	if limit > persistence.MaxFetchLimit {
		limit = persistence.MaxFetchLimit
	}

	query := `
		SELECT ` + candleColumns + `
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts <= $4
		  AND ($5 = false OR validated = true)
		  AND quality_score >= $6
		ORDER BY ts ASC
		LIMIT $7`

	rows, err := r.db.QueryxContext(ctx, query,
		symbol, string(tf), tr.From.UTC(), tr.To.UTC(), filter.ValidatedOnly, filter.MinQuality, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candle range: %w", err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// Latest returns the most recent candle or nil when none exists.
func (r *candleRepo) Latest(ctx context.Context, symbol string, tf timeframe.Timeframe) (*persistence.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + candleColumns + `
		FROM candles
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY ts DESC
		LIMIT 1`

	var c persistence.Candle
	if err := r.db.QueryRowxContext(ctx, query, symbol, string(tf)).StructScan(&c); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest candle: %w", err)
	}
	return &c, nil
}

// SymbolStats aggregates per-symbol counts joined with the registry's
// configured timeframes.
func (r *candleRepo) SymbolStats(ctx context.Context) ([]persistence.SymbolStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT s.symbol, s.asset_class, s.timeframes,
		       COALESCE(c.record_count, 0) AS record_count,
		       COALESCE(c.validated_count, 0) AS validated_count,
		       c.latest_time
		FROM symbols s
		LEFT JOIN (
			SELECT symbol,
			       COUNT(*) AS record_count,
			       COUNT(*) FILTER (WHERE validated) AS validated_count,
			       MAX(ts) AS latest_time
			FROM candles
			GROUP BY symbol
		) c ON c.symbol = s.symbol
		WHERE s.active = true
		ORDER BY s.symbol`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbol stats: %w", err)
	}
	defer rows.Close()

	var stats []persistence.SymbolStats
	for rows.Next() {
		var st persistence.SymbolStats
		var tfs pq.StringArray
		var latest sql.NullTime
		if err := rows.Scan(&st.Symbol, &st.AssetClass, &tfs, &st.RecordCount, &st.ValidatedCount, &latest); err != nil {
			return nil, fmt.Errorf("failed to scan symbol stats: %w", err)
		}
		st.Timeframes = []string(tfs)
		if st.RecordCount > 0 {
			st.ValidationRate = float64(st.ValidatedCount) / float64(st.RecordCount)
		}
		if latest.Valid {
			t := latest.Time
			st.LatestTime = &t
			st.DataAge = time.Since(t).Truncate(time.Minute).String()
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbol stats: %w", err)
	}
	return stats, nil
}

// UpdateValidation applies verdicts in one transaction per call; callers
// chunk to DefaultValidationBatch..MaxValidationBatch rows.
func (r *candleRepo) UpdateValidation(ctx context.Context, updates []persistence.ValidationUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	if len(updates) > MaxValidationBatch {
		return 0, fmt.Errorf("validation batch of %d exceeds maximum %d", len(updates), MaxValidationBatch)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE candles
		SET quality_score = $4, validated = $5, validation_notes = $6,
		    gap_detected = $7, volume_anomaly = $8
		WHERE symbol = $1 AND timeframe = $2 AND ts = $3`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare validation update: %w", err)
	}
	defer stmt.Close()

	updated := 0
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx,
			u.Key.Symbol, string(u.Key.Timeframe), u.Key.Time.UTC(),
			u.QualityScore, u.Validated, u.Notes, u.GapDetected, u.VolumeAnomaly)
		if err != nil {
			return 0, fmt.Errorf("failed to update validation for %s: %w", u.Key.Symbol, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			updated += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit validation batch: %w", err)
	}
	return updated, nil
}

// DistinctDates lists candle-bearing dates ascending for gap detection.
func (r *candleRepo) DistinctDates(ctx context.Context, symbol string, tf timeframe.Timeframe, tr persistence.TimeRange) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT date_trunc('day', ts) AS day
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts <= $4
		ORDER BY day ASC`

	rows, err := r.db.QueryxContext(ctx, query, symbol, string(tf), tr.From.UTC(), tr.To.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan date: %w", err)
		}
		dates = append(dates, d.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dates: %w", err)
	}
	return dates, nil
}

// Unvalidated returns rows pending revalidation, oldest first. Symbol
// and timeframe filters are optional (zero values match everything).
func (r *candleRepo) Unvalidated(ctx context.Context, symbol string, tf timeframe.Timeframe, limit int) ([]persistence.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = DefaultValidationBatch
	}

	query := `
		SELECT ` + candleColumns + `
		FROM candles
		WHERE validated = false
		  AND ($1 = '' OR symbol = $1)
		  AND ($2 = '' OR timeframe = $2)
		ORDER BY symbol, timeframe, ts ASC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, symbol, string(tf), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unvalidated candles: %w", err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// MedianVolume computes the median volume over the most recent window
// rows for a series; zero when the series is empty.
func (r *candleRepo) MedianVolume(ctx context.Context, symbol string, tf timeframe.Timeframe, window int) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if window <= 0 {
		window = 100
	}

	query := `
		SELECT COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY volume), 0)
		FROM (
			SELECT volume
			FROM candles
			WHERE symbol = $1 AND timeframe = $2
			ORDER BY ts DESC
			LIMIT $3
		) recent`

	var median float64
	if err := r.db.QueryRowxContext(ctx, query, symbol, string(tf), window).Scan(&median); err != nil {
		return 0, fmt.Errorf("failed to compute median volume: %w", err)
	}
	return median, nil
}

// Totals returns warehouse-wide counts for the /status endpoint.
func (r *candleRepo) Totals(ctx context.Context) (int64, int64, *time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE validated),
		       MAX(ts)
		FROM candles`

	var total, validated int64
	var latest sql.NullTime
	if err := r.db.QueryRowxContext(ctx, query).Scan(&total, &validated, &latest); err != nil {
		return 0, 0, nil, fmt.Errorf("failed to query candle totals: %w", err)
	}
	if latest.Valid {
		t := latest.Time
		return total, validated, &t, nil
	}
	return total, validated, nil, nil
}

func scanCandles(rows *sqlx.Rows) ([]persistence.Candle, error) {
	var candles []persistence.Candle
	for rows.Next() {
		var c persistence.Candle
		if err := rows.StructScan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}
	return candles, nil
}
