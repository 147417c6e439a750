// Package persistence defines the warehouse's durable entities and the
// repository contracts the coordinators (worker, scheduler, HTTP layer)
// depend on. Implementations live in the postgres subpackage.
package persistence

import (
	"context"
	"time"

	"github.com/candlevault/candlevault/internal/timeframe"
)

// TimeRange represents a candle query window; both bounds are inclusive
// at the SQL level.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Candle is one validated OHLCV observation, unique on
// (symbol, timeframe, time).
type Candle struct {
	Symbol          string              `json:"symbol" db:"symbol"`
	Timeframe       timeframe.Timeframe `json:"timeframe" db:"timeframe"`
	Time            time.Time           `json:"time" db:"ts"`
	Open            float64             `json:"open" db:"open"`
	High            float64             `json:"high" db:"high"`
	Low             float64             `json:"low" db:"low"`
	Close           float64             `json:"close" db:"close"`
	Volume          float64             `json:"volume" db:"volume"`
	VWAP            *float64            `json:"vwap,omitempty" db:"vwap"`
	TradeCount      *int64              `json:"trade_count,omitempty" db:"trade_count"`
	Source          string              `json:"source" db:"source"`
	QualityScore    float64             `json:"quality_score" db:"quality_score"`
	Validated       bool                `json:"validated" db:"validated"`
	ValidationNotes string              `json:"validation_notes,omitempty" db:"validation_notes"`
	GapDetected     bool                `json:"gap_detected" db:"gap_detected"`
	VolumeAnomaly   bool                `json:"volume_anomaly" db:"volume_anomaly"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
}

// CandleKey identifies one stored candle for batch validation updates.
type CandleKey struct {
	Symbol    string
	Timeframe timeframe.Timeframe
	Time      time.Time
}

// ValidationUpdate carries a re-scored verdict for one candle.
type ValidationUpdate struct {
	Key           CandleKey
	QualityScore  float64
	Validated     bool
	Notes         string
	GapDetected   bool
	VolumeAnomaly bool
}

// Backfill status values shared by symbols and jobs.
const (
	BackfillPending    = "pending"
	BackfillInProgress = "in_progress"
	BackfillCompleted  = "completed"
	BackfillFailed     = "failed"
)

// Symbol is a tracked instrument in the registry. Symbols are stored
// uppercase; deactivation is a soft delete that retains candles.
type Symbol struct {
	Symbol         string     `json:"symbol" db:"symbol"`
	AssetClass     string     `json:"asset_class" db:"asset_class"`
	Active         bool       `json:"active" db:"active"`
	Timeframes     []string   `json:"timeframes" db:"timeframes"`
	DateAdded      time.Time  `json:"date_added" db:"date_added"`
	LastBackfill   *time.Time `json:"last_backfill,omitempty" db:"last_backfill"`
	BackfillStatus string     `json:"backfill_status" db:"backfill_status"`
	BackfillError  *string    `json:"backfill_error,omitempty" db:"backfill_error"`
}

// SymbolStats is the per-symbol aggregate served by /symbols/detailed.
type SymbolStats struct {
	Symbol         string     `json:"symbol" db:"symbol"`
	AssetClass     string     `json:"asset_class" db:"asset_class"`
	Timeframes     []string   `json:"timeframes" db:"timeframes"`
	RecordCount    int64      `json:"record_count" db:"record_count"`
	ValidatedCount int64      `json:"validated_count" db:"validated_count"`
	ValidationRate float64    `json:"validation_rate" db:"validation_rate"`
	LatestTime     *time.Time `json:"latest_time,omitempty" db:"latest_time"`
	DataAge        string     `json:"data_age,omitempty"`
}

// Job status values. A job never re-enters queued.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// BackfillJob is one user- or scheduler-initiated ingestion request.
type BackfillJob struct {
	ID                   string     `json:"job_id" db:"id"`
	Symbols              []string   `json:"symbols" db:"symbols"`
	Timeframes           []string   `json:"timeframes" db:"timeframes"`
	StartDate            time.Time  `json:"start_date" db:"start_date"`
	EndDate              time.Time  `json:"end_date" db:"end_date"`
	Status               string     `json:"status" db:"status"`
	ProgressPct          int        `json:"progress_pct" db:"progress_pct"`
	SymbolsCompleted     int        `json:"symbols_completed" db:"symbols_completed"`
	SymbolsTotal         int        `json:"symbols_total" db:"symbols_total"`
	CurrentSymbol        *string    `json:"current_symbol,omitempty" db:"current_symbol"`
	CurrentTimeframe     *string    `json:"current_timeframe,omitempty" db:"current_timeframe"`
	TotalRecordsFetched  int64      `json:"total_records_fetched" db:"total_records_fetched"`
	TotalRecordsInserted int64      `json:"total_records_inserted" db:"total_records_inserted"`
	ErrorMessage         *string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// BackfillJobProgress is one (job, symbol, timeframe) unit.
type BackfillJobProgress struct {
	JobID           string     `json:"job_id" db:"job_id"`
	Symbol          string     `json:"symbol" db:"symbol"`
	Timeframe       string     `json:"timeframe" db:"timeframe"`
	Status          string     `json:"status" db:"status"`
	RecordsFetched  int64      `json:"records_fetched" db:"records_fetched"`
	RecordsInserted int64      `json:"records_inserted" db:"records_inserted"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty" db:"duration_seconds"`
}

// JobStatus is the full polling payload for one job.
type JobStatus struct {
	Job   BackfillJob           `json:"job"`
	Units []BackfillJobProgress `json:"units"`
}

// SchedulerExecution is the observability row written per scheduler tick.
type SchedulerExecution struct {
	ExecutionID           string     `json:"execution_id" db:"execution_id"`
	StartedAt             time.Time  `json:"started_at" db:"started_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	SymbolsSucceeded      int        `json:"symbols_succeeded" db:"symbols_succeeded"`
	SymbolsFailed         int        `json:"symbols_failed" db:"symbols_failed"`
	TotalRecordsProcessed int64      `json:"total_records_processed" db:"total_records_processed"`
	DurationSeconds       *float64   `json:"duration_seconds,omitempty" db:"duration_seconds"`
	Status                string     `json:"status" db:"status"`
	ErrorMessage          *string    `json:"error_message,omitempty" db:"error_message"`
}

// ExecutionSymbol is the per-symbol outcome row for one tick.
type ExecutionSymbol struct {
	ExecutionID      string  `json:"execution_id" db:"execution_id"`
	Symbol           string  `json:"symbol" db:"symbol"`
	Status           string  `json:"status" db:"status"`
	RecordsProcessed int64   `json:"records_processed" db:"records_processed"`
	ErrorMessage     *string `json:"error_message,omitempty" db:"error_message"`
}

// FetchFilter narrows candle range reads.
type FetchFilter struct {
	ValidatedOnly bool
	MinQuality    float64
	Limit         int
}

// DefaultFetchFilter mirrors the documented read defaults.
func DefaultFetchFilter() FetchFilter {
	return FetchFilter{ValidatedOnly: true, MinQuality: 0.85, Limit: 1000}
}

// MaxFetchLimit caps the per-request row count.
const MaxFetchLimit = 10000

// CandleRepo owns the candles table.
type CandleRepo interface {
	// UpsertRange writes candles idempotently on (symbol, timeframe, time)
	// inside one transaction; a failed batch reports count 0.
	UpsertRange(ctx context.Context, symbol string, tf timeframe.Timeframe, candles []Candle) (int, error)
	FetchRange(ctx context.Context, symbol string, tf timeframe.Timeframe, tr TimeRange, filter FetchFilter) ([]Candle, error)
	Latest(ctx context.Context, symbol string, tf timeframe.Timeframe) (*Candle, error)
	SymbolStats(ctx context.Context) ([]SymbolStats, error)
	// UpdateValidation applies verdicts in bounded batches.
	UpdateValidation(ctx context.Context, updates []ValidationUpdate) (int, error)
	// DistinctDates lists the dates holding at least one candle, ascending.
	DistinctDates(ctx context.Context, symbol string, tf timeframe.Timeframe, tr TimeRange) ([]time.Time, error)
	// Unvalidated returns rows with validated=false for revalidation repair.
	Unvalidated(ctx context.Context, symbol string, tf timeframe.Timeframe, limit int) ([]Candle, error)
	// MedianVolume computes the rolling median volume for a series.
	MedianVolume(ctx context.Context, symbol string, tf timeframe.Timeframe, window int) (float64, error)
	Totals(ctx context.Context) (total int64, validated int64, latest *time.Time, err error)
}

// SymbolRepo owns the registry.
type SymbolRepo interface {
	Add(ctx context.Context, symbol, assetClass string, timeframes []string) (*Symbol, error)
	Get(ctx context.Context, symbol string) (*Symbol, error)
	List(ctx context.Context, activeOnly bool, assetClass string) ([]Symbol, error)
	SetActive(ctx context.Context, symbol string, active bool) error
	UpdateTimeframes(ctx context.Context, symbol string, timeframes []string) error
	UpdateBackfillStatus(ctx context.Context, symbol, status string, lastBackfill *time.Time, backfillErr *string) error
}

// JobRepo owns jobs and their per-unit progress rows.
type JobRepo interface {
	CreateJob(ctx context.Context, symbols, timeframes []string, start, end time.Time) (string, error)
	StartJob(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID, symbol, tf string, fetched, inserted int64, unitErr error) error
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID, errorMessage string) error
	GetStatus(ctx context.Context, jobID string) (*JobStatus, error)
	Recent(ctx context.Context, limit int) ([]BackfillJob, error)
}

// ExecutionRepo owns the scheduler execution log.
type ExecutionRepo interface {
	Begin(ctx context.Context) (string, error)
	Finish(ctx context.Context, executionID string, succeeded, failed int, records int64, status string, errorMessage *string) error
	RecordSymbol(ctx context.Context, row ExecutionSymbol) error
	Recent(ctx context.Context, limit int) ([]SchedulerExecution, error)
}
