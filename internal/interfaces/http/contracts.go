package http

import (
	"time"

	"github.com/candlevault/candlevault/internal/persistence"
)

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	SchedulerRunning bool      `json:"scheduler_running"`
}

// StatusResponse is the GET /status aggregate payload.
type StatusResponse struct {
	SymbolCount      int        `json:"symbol_count"`
	TotalRecords     int64      `json:"total_records"`
	ValidatedRecords int64      `json:"validated_records"`
	ValidationRate   float64    `json:"validation_rate"`
	LatestTime       *time.Time `json:"latest_time,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// SymbolsResponse lists active symbol names.
type SymbolsResponse struct {
	Symbols []string  `json:"symbols"`
	Count   int       `json:"count"`
	Updated time.Time `json:"updated"`
}

// SymbolsDetailedResponse carries per-symbol storage stats.
type SymbolsDetailedResponse struct {
	Symbols []persistence.SymbolStats `json:"symbols"`
	Count   int                       `json:"count"`
	Updated time.Time                 `json:"updated"`
}

// HistoricalResponse is the GET /historical/{symbol} payload.
type HistoricalResponse struct {
	Symbol    string               `json:"symbol"`
	Timeframe string               `json:"timeframe"`
	Start     time.Time            `json:"start"`
	End       time.Time            `json:"end"`
	Count     int                  `json:"count"`
	Candles   []persistence.Candle `json:"candles"`
}

// BackfillRequest is the POST /backfill body. Dates are ISO YYYY-MM-DD.
type BackfillRequest struct {
	Symbols    []string `json:"symbols"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	Timeframes []string `json:"timeframes,omitempty"`
}

// BackfillAccepted acknowledges a queued job.
type BackfillAccepted struct {
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	SymbolsCount int       `json:"symbols_count"`
	DateRange    string    `json:"date_range"`
	Timeframes   []string  `json:"timeframes"`
	Timestamp    time.Time `json:"timestamp"`
}

// RecentJobsResponse is the GET /backfill/recent payload.
type RecentJobsResponse struct {
	Jobs  []persistence.BackfillJob `json:"jobs"`
	Count int                       `json:"count"`
}

// SchedulerExecutionsResponse is the GET /scheduler/executions payload.
type SchedulerExecutionsResponse struct {
	Executions []persistence.SchedulerExecution `json:"executions"`
	Count      int                              `json:"count"`
}

// AddSymbolRequest registers a new instrument.
type AddSymbolRequest struct {
	Symbol     string   `json:"symbol"`
	AssetClass string   `json:"asset_class"`
	Timeframes []string `json:"timeframes,omitempty"`
}

// UpdateTimeframesRequest replaces a symbol's tracked timeframes.
type UpdateTimeframesRequest struct {
	Timeframes []string `json:"timeframes"`
}

// IssueKeyRequest names a new admin API key.
type IssueKeyRequest struct {
	Name string `json:"name"`
}

// IssueKeyResponse returns the plaintext secret exactly once.
type IssueKeyResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrorResponse carries the full list of boundary violations.
type ValidationErrorResponse struct {
	Error     string       `json:"error"`
	Errors    []FieldError `json:"errors"`
	RequestID string       `json:"request_id"`
	Timestamp time.Time    `json:"timestamp"`
}
