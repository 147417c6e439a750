package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/candlevault/candlevault/internal/persistence"
)

// executionRepo implements persistence.ExecutionRepo for PostgreSQL.
type executionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewExecutionRepo creates a PostgreSQL scheduler execution log.
func NewExecutionRepo(db *sqlx.DB, timeout time.Duration) persistence.ExecutionRepo {
	return &executionRepo{db: db, timeout: timeout}
}

// Begin opens a running execution row and returns its id.
func (r *executionRepo) Begin(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	executionID := uuid.New().String()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduler_executions (execution_id, status)
		VALUES ($1, 'running')`, executionID)
	if err != nil {
		return "", fmt.Errorf("failed to insert execution row: %w", err)
	}
	return executionID, nil
}

// Finish closes the execution row with final counts and duration.
func (r *executionRepo) Finish(ctx context.Context, executionID string, succeeded, failed int, records int64, status string, errorMessage *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduler_executions
		SET completed_at = now(),
		    symbols_succeeded = $2,
		    symbols_failed = $3,
		    total_records_processed = $4,
		    status = $5,
		    error_message = $6,
		    duration_seconds = EXTRACT(EPOCH FROM (now() - started_at))
		WHERE execution_id = $1`,
		executionID, succeeded, failed, records, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finish execution row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s not found", executionID)
	}
	return nil
}

// RecordSymbol appends one per-symbol outcome row for later review.
func (r *executionRepo) RecordSymbol(ctx context.Context, row persistence.ExecutionSymbol) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduler_execution_symbols (execution_id, symbol, status, records_processed, error_message)
		VALUES ($1, $2, $3, $4, $5)`,
		row.ExecutionID, row.Symbol, row.Status, row.RecordsProcessed, row.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to insert execution symbol row: %w", err)
	}
	return nil
}

// Recent lists executions newest-first.
func (r *executionRepo) Recent(ctx context.Context, limit int) ([]persistence.SchedulerExecution, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT execution_id, started_at, completed_at, symbols_succeeded, symbols_failed,
		       total_records_processed, duration_seconds, status, error_message
		FROM scheduler_executions
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var executions []persistence.SchedulerExecution
	for rows.Next() {
		var e persistence.SchedulerExecution
		if err := rows.StructScan(&e); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return executions, nil
}
