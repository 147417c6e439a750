package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/candlevault/candlevault/internal/backfill"
	"github.com/candlevault/candlevault/internal/cache"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/persistence/postgres"
	"github.com/candlevault/candlevault/internal/telemetry"
	"github.com/candlevault/candlevault/internal/timeframe"
)

const (
	maxBackfillSymbols = 100
	maxRecentJobs      = 100
	defaultRecentJobs  = 20
	defaultLookback    = 7 * 24 * time.Hour
	statusCacheTTL     = 30 * time.Second
	statusCacheKey     = "status:v1"
)

// JobRunner executes a queued backfill job. Satisfied by backfill.Worker.
type JobRunner interface {
	Run(ctx context.Context, jobID string) (*backfill.Result, error)
}

// SchedulerStatus reports whether a scheduler tick is in flight.
type SchedulerStatus interface {
	Running() bool
}

// KeyStore manages admin API keys. Satisfied by postgres.KeyRepo.
type KeyStore interface {
	Issue(ctx context.Context, name string) (*postgres.APIKey, string, error)
	Verify(ctx context.Context, plaintext string) (bool, error)
	Revoke(ctx context.Context, id string) error
	List(ctx context.Context) ([]postgres.APIKey, error)
}

// Deps collects everything the handlers reach.
type Deps struct {
	Candles   persistence.CandleRepo
	Symbols   persistence.SymbolRepo
	Jobs      persistence.JobRepo
	Execs     persistence.ExecutionRepo
	Keys      KeyStore
	Runner    JobRunner
	Scheduler SchedulerStatus
	Cache     cache.Cache
	Metrics   *telemetry.Metrics
}

// Handlers implements every API endpoint.
type Handlers struct {
	candles   persistence.CandleRepo
	symbols   persistence.SymbolRepo
	jobs      persistence.JobRepo
	execs     persistence.ExecutionRepo
	keys      KeyStore
	runner    JobRunner
	scheduler SchedulerStatus
	cache     cache.Cache
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// NewHandlers creates the endpoint set. A nil Cache falls back to an
// in-process map.
func NewHandlers(deps Deps) *Handlers {
	c := deps.Cache
	if c == nil {
		c = cache.NewMemory()
	}
	return &Handlers{
		candles:   deps.Candles,
		symbols:   deps.Symbols,
		jobs:      deps.Jobs,
		execs:     deps.Execs,
		keys:      deps.Keys,
		runner:    deps.Runner,
		scheduler: deps.Scheduler,
		cache:     c,
		metrics:   deps.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	running := false
	if h.scheduler != nil {
		running = h.scheduler.Running()
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		Timestamp:        h.now(),
		SchedulerRunning: running,
	})
}

// Status handles GET /status. The aggregate query scans candle
// partitions, so the payload is cached briefly.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	if cached, ok := h.cache.Get(r.Context(), statusCacheKey); ok {
		if h.metrics != nil {
			h.metrics.CacheHits.WithLabelValues("status").Inc()
		}
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}
	if h.metrics != nil {
		h.metrics.CacheMisses.WithLabelValues("status").Inc()
	}

	active, err := h.symbols.List(r.Context(), true, "")
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to list symbols")
		return
	}
	total, validated, latest, err := h.candles.Totals(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to aggregate candles")
		return
	}

	rate := 0.0
	if total > 0 {
		rate = float64(validated) / float64(total)
	}
	resp := StatusResponse{
		SymbolCount:      len(active),
		TotalRecords:     total,
		ValidatedRecords: validated,
		ValidationRate:   rate,
		LatestTime:       latest,
		Timestamp:        h.now(),
	}

	body, err := json.Marshal(resp)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "encoding_failed", "failed to encode status")
		return
	}
	h.cache.Set(r.Context(), statusCacheKey, body, statusCacheTTL)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// Symbols handles GET /symbols.
func (h *Handlers) Symbols(w http.ResponseWriter, r *http.Request) {
	active, err := h.symbols.List(r.Context(), true, "")
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to list symbols")
		return
	}
	names := make([]string, 0, len(active))
	for _, s := range active {
		names = append(names, s.Symbol)
	}
	h.writeJSON(w, http.StatusOK, SymbolsResponse{Symbols: names, Count: len(names), Updated: h.now()})
}

// SymbolsDetailed handles GET /symbols/detailed.
func (h *Handlers) SymbolsDetailed(w http.ResponseWriter, r *http.Request) {
	stats, err := h.candles.SymbolStats(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to aggregate symbol stats")
		return
	}
	now := h.now()
	for i := range stats {
		if stats[i].LatestTime != nil {
			stats[i].DataAge = now.Sub(*stats[i].LatestTime).Round(time.Minute).String()
		}
	}
	h.writeJSON(w, http.StatusOK, SymbolsDetailedResponse{Symbols: stats, Count: len(stats), Updated: now})
}

// Historical handles GET /historical/{symbol}.
func (h *Handlers) Historical(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	q := r.URL.Query()

	var fieldErrs []FieldError

	tfCode := q.Get("timeframe")
	if tfCode == "" {
		fieldErrs = append(fieldErrs, FieldError{Field: "timeframe", Message: "timeframe is required"})
	} else if !timeframe.Valid(tfCode) {
		fieldErrs = append(fieldErrs, FieldError{Field: "timeframe",
			Message: fmt.Sprintf("invalid timeframe %q: must be one of 5m, 15m, 30m, 1h, 4h, 1d, 1w", tfCode)})
	}

	end := h.now()
	if raw := q.Get("end"); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			fieldErrs = append(fieldErrs, FieldError{Field: "end", Message: err.Error()})
		} else {
			end = t
		}
	}
	start := end.Add(-defaultLookback)
	if raw := q.Get("start"); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			fieldErrs = append(fieldErrs, FieldError{Field: "start", Message: err.Error()})
		} else {
			start = t
		}
	}
	if start.After(end) {
		fieldErrs = append(fieldErrs, FieldError{Field: "start", Message: "start must be before end"})
	}

	filter := persistence.DefaultFetchFilter()
	if raw := q.Get("validated_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			fieldErrs = append(fieldErrs, FieldError{Field: "validated_only", Message: "must be a boolean"})
		} else {
			filter.ValidatedOnly = v
		}
	}
	if raw := q.Get("min_quality"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			fieldErrs = append(fieldErrs, FieldError{Field: "min_quality", Message: "must be a number in [0, 1]"})
		} else {
			filter.MinQuality = v
		}
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > persistence.MaxFetchLimit {
			fieldErrs = append(fieldErrs, FieldError{Field: "limit",
				Message: fmt.Sprintf("must be an integer in [1, %d]", persistence.MaxFetchLimit)})
		} else {
			filter.Limit = v
		}
	}

	if len(fieldErrs) > 0 {
		h.writeValidationErrors(w, r, fieldErrs)
		return
	}

	if _, err := h.symbols.Get(r.Context(), symbol); err != nil {
		if errors.Is(err, postgres.ErrSymbolNotFound) {
			h.writeError(w, r, http.StatusNotFound, "symbol_not_found",
				fmt.Sprintf("symbol %s is not registered", symbol))
			return
		}
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to look up symbol")
		return
	}

	tf := timeframe.Timeframe(tfCode)
	candles, err := h.candles.FetchRange(r.Context(), symbol, tf,
		persistence.TimeRange{From: start, To: end}, filter)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to read candles")
		return
	}
	if candles == nil {
		candles = []persistence.Candle{}
	}

	h.writeJSON(w, http.StatusOK, HistoricalResponse{
		Symbol:    symbol,
		Timeframe: tfCode,
		Start:     start,
		End:       end,
		Count:     len(candles),
		Candles:   candles,
	})
}

// SubmitBackfill handles POST /backfill. The job is queued and executed
// on a detached context so client disconnects never abort ingestion.
func (h *Handlers) SubmitBackfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	var fieldErrs []FieldError

	if len(req.Symbols) == 0 {
		fieldErrs = append(fieldErrs, FieldError{Field: "symbols", Message: "symbols must be a non-empty list"})
	} else if len(req.Symbols) > maxBackfillSymbols {
		fieldErrs = append(fieldErrs, FieldError{Field: "symbols",
			Message: fmt.Sprintf("at most %d symbols per job, got %d", maxBackfillSymbols, len(req.Symbols))})
	}
	symbols := make([]string, 0, len(req.Symbols))
	for _, s := range req.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			fieldErrs = append(fieldErrs, FieldError{Field: "symbols", Message: "symbols must not contain empty entries"})
			continue
		}
		symbols = append(symbols, s)
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		fieldErrs = append(fieldErrs, FieldError{Field: "start_date", Message: "must be an ISO date (YYYY-MM-DD)"})
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		fieldErrs = append(fieldErrs, FieldError{Field: "end_date", Message: "must be an ISO date (YYYY-MM-DD)"})
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		fieldErrs = append(fieldErrs, FieldError{Field: "start_date", Message: "start_date must be before end_date"})
	}

	tfs := req.Timeframes
	if len(tfs) == 0 {
		tfs = timeframe.Strings(timeframe.WorkerOrder)
	}
	for _, code := range tfs {
		if !timeframe.Valid(code) {
			fieldErrs = append(fieldErrs, FieldError{Field: "timeframes",
				Message: fmt.Sprintf("invalid timeframe %q: must be one of 5m, 15m, 30m, 1h, 4h, 1d, 1w", code)})
		}
	}

	if len(fieldErrs) > 0 {
		h.writeValidationErrors(w, r, fieldErrs)
		return
	}

	jobID, err := h.jobs.CreateJob(r.Context(), symbols, tfs, start, end)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to create job")
		return
	}

	if h.runner != nil {
		go func() {
			if _, err := h.runner.Run(context.Background(), jobID); err != nil {
				log.Error().Err(err).Str("job_id", jobID).Msg("backfill job failed")
			}
		}()
	}

	h.writeJSON(w, http.StatusOK, BackfillAccepted{
		JobID:        jobID,
		Status:       persistence.JobQueued,
		SymbolsCount: len(symbols),
		DateRange:    fmt.Sprintf("%s to %s", req.StartDate, req.EndDate),
		Timeframes:   tfs,
		Timestamp:    h.now(),
	})
}

// BackfillStatus handles GET /backfill/status/{job_id}.
func (h *Handlers) BackfillStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	status, err := h.jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, postgres.ErrJobNotFound) {
			h.writeError(w, r, http.StatusNotFound, "job_not_found",
				fmt.Sprintf("no job with id %s", jobID))
			return
		}
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to read job status")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// RecentBackfills handles GET /backfill/recent.
func (h *Handlers) RecentBackfills(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentJobs
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxRecentJobs {
			h.writeValidationErrors(w, r, []FieldError{{Field: "limit",
				Message: fmt.Sprintf("must be an integer in [1, %d]", maxRecentJobs)}})
			return
		}
		limit = v
	}

	jobs, err := h.jobs.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []persistence.BackfillJob{}
	}
	h.writeJSON(w, http.StatusOK, RecentJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// SchedulerExecutions handles GET /scheduler/executions.
func (h *Handlers) SchedulerExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentJobs
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxRecentJobs {
			h.writeValidationErrors(w, r, []FieldError{{Field: "limit",
				Message: fmt.Sprintf("must be an integer in [1, %d]", maxRecentJobs)}})
			return
		}
		limit = v
	}

	execs, err := h.execs.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to list executions")
		return
	}
	if execs == nil {
		execs = []persistence.SchedulerExecution{}
	}
	h.writeJSON(w, http.StatusOK, SchedulerExecutionsResponse{Executions: execs, Count: len(execs)})
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"the requested endpoint does not exist")
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: h.now(),
	})
}

func (h *Handlers) writeValidationErrors(w http.ResponseWriter, r *http.Request, errs []FieldError) {
	h.writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{
		Error:     "validation_failed",
		Errors:    errs,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: h.now(),
	})
}

// parseTimestamp accepts RFC3339 or bare ISO dates.
func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("must be RFC3339 or an ISO date (YYYY-MM-DD)")
}
