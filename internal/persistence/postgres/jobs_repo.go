package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/candlevault/candlevault/internal/persistence"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = fmt.Errorf("job not found")

// jobRepo implements persistence.JobRepo for PostgreSQL.
type jobRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewJobRepo creates a PostgreSQL backfill job store.
func NewJobRepo(db *sqlx.DB, timeout time.Duration) persistence.JobRepo {
	return &jobRepo{db: db, timeout: timeout}
}

// CreateJob inserts the job row and pre-creates one pending progress row
// per (symbol, timeframe) in a single transaction, so the unit universe
// is fixed at submit time.
func (r *jobRepo) CreateJob(ctx context.Context, symbols, timeframes []string, start, end time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if len(symbols) == 0 || len(timeframes) == 0 {
		return "", fmt.Errorf("job requires at least one symbol and one timeframe")
	}

	jobID := uuid.New().String()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backfill_jobs (id, symbols, timeframes, start_date, end_date, status, symbols_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		jobID, pq.Array(symbols), pq.Array(timeframes), start.UTC(), end.UTC(),
		persistence.JobQueued, len(symbols))
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backfill_job_progress (job_id, symbol, timeframe, status)
		VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare progress insert: %w", err)
	}
	defer stmt.Close()

	for _, sym := range symbols {
		for _, tf := range timeframes {
			if _, err := stmt.ExecContext(ctx, jobID, sym, tf, persistence.BackfillPending); err != nil {
				return "", fmt.Errorf("failed to pre-create progress row %s/%s: %w", sym, tf, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit job creation: %w", err)
	}
	return jobID, nil
}

// StartJob transitions queued -> running and stamps started_at. Any other
// current status is rejected; a job never re-enters queued.
func (r *jobRepo) StartJob(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE backfill_jobs
		SET status = $2, started_at = now()
		WHERE id = $1 AND status = $3`,
		jobID, persistence.JobRunning, persistence.JobQueued)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s is not queued (or does not exist)", jobID)
	}
	return nil
}

// UpdateProgress finishes one unit and recomputes the job aggregates in
// the same transaction, so polled reads always see consistent state.
func (r *jobRepo) UpdateProgress(ctx context.Context, jobID, symbol, tf string, fetched, inserted int64, unitErr error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	status := persistence.BackfillCompleted
	var errMsg *string
	if unitErr != nil {
		status = persistence.BackfillFailed
		msg := unitErr.Error()
		errMsg = &msg
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE backfill_job_progress
		SET status = $4,
		    records_fetched = $5,
		    records_inserted = $6,
		    error_message = $7,
		    started_at = COALESCE(started_at, now()),
		    completed_at = now(),
		    duration_seconds = EXTRACT(EPOCH FROM (now() - COALESCE(started_at, now())))
		WHERE job_id = $1 AND symbol = $2 AND timeframe = $3`,
		jobID, symbol, tf, status, fetched, inserted, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update progress unit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no progress row for job=%s %s/%s", jobID, symbol, tf)
	}

	var completedUnits, totalUnits, completedSymbols int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status IN ($2, $3)),
		       COUNT(*),
		       COUNT(DISTINCT symbol) FILTER (WHERE status IN ($2, $3))
		FROM backfill_job_progress
		WHERE job_id = $1`,
		jobID, persistence.BackfillCompleted, persistence.BackfillFailed).
		Scan(&completedUnits, &totalUnits, &completedSymbols)
	if err != nil {
		return fmt.Errorf("failed to count progress units: %w", err)
	}

	progressPct := 0
	if totalUnits > 0 {
		progressPct = int(math.Round(100 * float64(completedUnits) / float64(totalUnits)))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE backfill_jobs
		SET progress_pct = $2,
		    symbols_completed = $3,
		    current_symbol = $4,
		    current_timeframe = $5,
		    total_records_fetched = total_records_fetched + $6,
		    total_records_inserted = total_records_inserted + $7
		WHERE id = $1`,
		jobID, progressPct, completedSymbols, symbol, tf, fetched, inserted)
	if err != nil {
		return fmt.Errorf("failed to update job aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit progress update: %w", err)
	}
	return nil
}

// CompleteJob transitions running -> completed and pins progress at 100.
func (r *jobRepo) CompleteJob(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE backfill_jobs
		SET status = $2, progress_pct = 100, completed_at = now(), current_symbol = NULL, current_timeframe = NULL
		WHERE id = $1 AND status = $3`,
		jobID, persistence.JobCompleted, persistence.JobRunning)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not running", jobID)
	}
	return nil
}

// FailJob transitions to failed, leaving progress_pct at its last value.
func (r *jobRepo) FailJob(ctx context.Context, jobID, errorMessage string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE backfill_jobs
		SET status = $2, error_message = $3, completed_at = now()
		WHERE id = $1 AND status IN ($4, $5)`,
		jobID, persistence.JobFailed, errorMessage, persistence.JobQueued, persistence.JobRunning)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is already terminal", jobID)
	}
	return nil
}

const jobColumns = `id, symbols, timeframes, start_date, end_date, status, progress_pct,
	symbols_completed, symbols_total, current_symbol, current_timeframe,
	total_records_fetched, total_records_inserted, error_message,
	created_at, started_at, completed_at`

// GetStatus returns the job plus every per-unit row.
func (r *jobRepo) GetStatus(ctx context.Context, jobID string) (*persistence.JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `SELECT `+jobColumns+` FROM backfill_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT job_id, symbol, timeframe, status, records_fetched, records_inserted,
		       error_message, started_at, completed_at, duration_seconds
		FROM backfill_job_progress
		WHERE job_id = $1
		ORDER BY symbol, timeframe`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress rows: %w", err)
	}
	defer rows.Close()

	status := &persistence.JobStatus{Job: *job}
	for rows.Next() {
		var p persistence.BackfillJobProgress
		if err := rows.StructScan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		status.Units = append(status.Units, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress rows: %w", err)
	}
	return status, nil
}

// Recent lists jobs newest-first.
func (r *jobRepo) Recent(ctx context.Context, limit int) ([]persistence.BackfillJob, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+jobColumns+`
		FROM backfill_jobs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []persistence.BackfillJob
	for rows.Next() {
		job, err := scanJobFromRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*persistence.BackfillJob, error) {
	var j persistence.BackfillJob
	var symbols, timeframes pq.StringArray
	err := row.Scan(
		&j.ID, &symbols, &timeframes, &j.StartDate, &j.EndDate, &j.Status, &j.ProgressPct,
		&j.SymbolsCompleted, &j.SymbolsTotal, &j.CurrentSymbol, &j.CurrentTimeframe,
		&j.TotalRecordsFetched, &j.TotalRecordsInserted, &j.ErrorMessage,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Symbols = []string(symbols)
	j.Timeframes = []string(timeframes)
	return &j, nil
}

func scanJobFromRows(rows *sqlx.Rows) (*persistence.BackfillJob, error) {
	job, err := scanJob(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return job, nil
}
