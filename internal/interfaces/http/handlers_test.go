package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlevault/candlevault/internal/backfill"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/persistence/postgres"
	"github.com/candlevault/candlevault/internal/timeframe"
)

type fakeCandles struct {
	persistence.CandleRepo
	candles    []persistence.Candle
	lastFilter persistence.FetchFilter
	stats      []persistence.SymbolStats
	total      int64
	validated  int64
	latest     *time.Time
}

func (f *fakeCandles) FetchRange(_ context.Context, symbol string, tf timeframe.Timeframe, tr persistence.TimeRange, filter persistence.FetchFilter) ([]persistence.Candle, error) {
	f.lastFilter = filter
	return f.candles, nil
}

func (f *fakeCandles) SymbolStats(_ context.Context) ([]persistence.SymbolStats, error) {
	return f.stats, nil
}

func (f *fakeCandles) Totals(_ context.Context) (int64, int64, *time.Time, error) {
	return f.total, f.validated, f.latest, nil
}

type fakeSymbols struct {
	persistence.SymbolRepo
	rows map[string]*persistence.Symbol
}

func newFakeSymbols(symbols ...persistence.Symbol) *fakeSymbols {
	f := &fakeSymbols{rows: map[string]*persistence.Symbol{}}
	for i := range symbols {
		s := symbols[i]
		f.rows[s.Symbol] = &s
	}
	return f
}

func (f *fakeSymbols) Add(_ context.Context, symbol, assetClass string, timeframes []string) (*persistence.Symbol, error) {
	if _, ok := f.rows[symbol]; ok {
		return nil, fmt.Errorf("%w: %s", postgres.ErrDuplicateSymbol, symbol)
	}
	s := &persistence.Symbol{Symbol: symbol, AssetClass: assetClass, Active: true, Timeframes: timeframes}
	f.rows[symbol] = s
	return s, nil
}

func (f *fakeSymbols) Get(_ context.Context, symbol string) (*persistence.Symbol, error) {
	if s, ok := f.rows[symbol]; ok {
		return s, nil
	}
	return nil, postgres.ErrSymbolNotFound
}

func (f *fakeSymbols) List(_ context.Context, activeOnly bool, assetClass string) ([]persistence.Symbol, error) {
	var out []persistence.Symbol
	for _, s := range f.rows {
		if activeOnly && !s.Active {
			continue
		}
		if assetClass != "" && s.AssetClass != assetClass {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSymbols) SetActive(_ context.Context, symbol string, active bool) error {
	s, ok := f.rows[symbol]
	if !ok {
		return postgres.ErrSymbolNotFound
	}
	s.Active = active
	return nil
}

func (f *fakeSymbols) UpdateTimeframes(_ context.Context, symbol string, timeframes []string) error {
	s, ok := f.rows[symbol]
	if !ok {
		return postgres.ErrSymbolNotFound
	}
	s.Timeframes = timeframes
	return nil
}

type fakeJobs struct {
	persistence.JobRepo
	created []persistence.BackfillJob
	status  map[string]*persistence.JobStatus
	recent  []persistence.BackfillJob
}

func (f *fakeJobs) CreateJob(_ context.Context, symbols, timeframes []string, start, end time.Time) (string, error) {
	id := fmt.Sprintf("job-%d", len(f.created)+1)
	f.created = append(f.created, persistence.BackfillJob{
		ID: id, Symbols: symbols, Timeframes: timeframes, StartDate: start, EndDate: end,
	})
	return id, nil
}

func (f *fakeJobs) GetStatus(_ context.Context, jobID string) (*persistence.JobStatus, error) {
	if s, ok := f.status[jobID]; ok {
		return s, nil
	}
	return nil, postgres.ErrJobNotFound
}

func (f *fakeJobs) Recent(_ context.Context, limit int) ([]persistence.BackfillJob, error) {
	if limit > len(f.recent) {
		limit = len(f.recent)
	}
	return f.recent[:limit], nil
}

type fakeExecs struct {
	persistence.ExecutionRepo
	recent []persistence.SchedulerExecution
}

func (f *fakeExecs) Recent(_ context.Context, limit int) ([]persistence.SchedulerExecution, error) {
	if limit > len(f.recent) {
		limit = len(f.recent)
	}
	return f.recent[:limit], nil
}

type fakeKeys struct {
	valid   map[string]bool
	issued  []string
	revoked []string
}

func (f *fakeKeys) Issue(_ context.Context, name string) (*postgres.APIKey, string, error) {
	f.issued = append(f.issued, name)
	return &postgres.APIKey{ID: "key-1", Name: name, Active: true, CreatedAt: time.Now().UTC()}, "secret-plaintext", nil
}

func (f *fakeKeys) Verify(_ context.Context, plaintext string) (bool, error) {
	return f.valid[plaintext], nil
}

func (f *fakeKeys) Revoke(_ context.Context, id string) error {
	for _, r := range f.revoked {
		if r == id {
			return fmt.Errorf("api key %s not found or already revoked", id)
		}
	}
	if id != "key-1" {
		return fmt.Errorf("api key %s not found or already revoked", id)
	}
	f.revoked = append(f.revoked, id)
	return nil
}

func (f *fakeKeys) List(_ context.Context) ([]postgres.APIKey, error) {
	return []postgres.APIKey{{ID: "key-1", Name: "ops", Active: true}}, nil
}

type fakeRunner struct {
	runs atomic.Int64
}

func (f *fakeRunner) Run(_ context.Context, jobID string) (*backfill.Result, error) {
	f.runs.Add(1)
	return &backfill.Result{JobID: jobID}, nil
}

type fakeSched struct{ running bool }

func (f *fakeSched) Running() bool { return f.running }

type fixture struct {
	candles *fakeCandles
	symbols *fakeSymbols
	jobs    *fakeJobs
	execs   *fakeExecs
	keys    *fakeKeys
	runner  *fakeRunner
	server  *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	latest := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	f := &fixture{
		candles: &fakeCandles{total: 1000, validated: 950, latest: &latest},
		symbols: newFakeSymbols(
			persistence.Symbol{Symbol: "AAPL", AssetClass: "stock", Active: true, Timeframes: []string{"1h", "1d"}},
			persistence.Symbol{Symbol: "BTCUSD", AssetClass: "crypto", Active: true, Timeframes: []string{"1h"}},
			persistence.Symbol{Symbol: "DELISTED", AssetClass: "stock", Active: false, Timeframes: []string{"1d"}},
		),
		jobs:   &fakeJobs{status: map[string]*persistence.JobStatus{}},
		execs:  &fakeExecs{},
		keys:   &fakeKeys{valid: map[string]bool{"good-key": true}},
		runner: &fakeRunner{},
	}
	handlers := NewHandlers(Deps{
		Candles:   f.candles,
		Symbols:   f.symbols,
		Jobs:      f.jobs,
		Execs:     f.execs,
		Keys:      f.keys,
		Runner:    f.runner,
		Scheduler: &fakeSched{running: true},
	})
	f.server = NewServer(DefaultServerConfig(0), handlers, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/health", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.SchedulerRunning)
}

func TestStatusAggregatesAndCaches(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[StatusResponse](t, rec)
	assert.Equal(t, 2, resp.SymbolCount)
	assert.Equal(t, int64(1000), resp.TotalRecords)
	assert.Equal(t, int64(950), resp.ValidatedRecords)
	assert.InDelta(t, 0.95, resp.ValidationRate, 1e-9)
	require.NotNil(t, resp.LatestTime)

	// Second read comes from cache: the mutated totals are not visible.
	f.candles.total = 2000
	rec = f.do(t, "GET", "/status", nil, nil)
	cached := decode[StatusResponse](t, rec)
	assert.Equal(t, int64(1000), cached.TotalRecords)
}

func TestSymbolsListsActiveOnly(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/symbols", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SymbolsResponse](t, rec)
	assert.Equal(t, 2, resp.Count)
	assert.ElementsMatch(t, []string{"AAPL", "BTCUSD"}, resp.Symbols)
}

func TestSymbolsDetailedComputesDataAge(t *testing.T) {
	f := newFixture(t)
	latest := time.Now().UTC().Add(-90 * time.Minute)
	f.candles.stats = []persistence.SymbolStats{
		{Symbol: "AAPL", AssetClass: "stock", RecordCount: 500, ValidatedCount: 480, LatestTime: &latest},
		{Symbol: "BTCUSD", AssetClass: "crypto", RecordCount: 700, ValidatedCount: 700},
	}

	rec := f.do(t, "GET", "/symbols/detailed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SymbolsDetailedResponse](t, rec)
	require.Len(t, resp.Symbols, 2)
	assert.Equal(t, "1h30m0s", resp.Symbols[0].DataAge)
	assert.Empty(t, resp.Symbols[1].DataAge)
}

func TestHistoricalRequiresTimeframe(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/historical/AAPL", nil, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ValidationErrorResponse](t, rec)
	assert.Equal(t, "validation_failed", resp.Error)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "timeframe", resp.Errors[0].Field)
}

func TestHistoricalCollectsAllViolations(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/historical/AAPL?timeframe=2h&min_quality=7&limit=0", nil, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ValidationErrorResponse](t, rec)
	fields := make([]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"timeframe", "min_quality", "limit"}, fields)
}

func TestHistoricalUnknownSymbol(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/historical/MISSING?timeframe=1h", nil, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "symbol_not_found", resp.Code)
}

func TestHistoricalReturnsCandles(t *testing.T) {
	f := newFixture(t)
	f.candles.candles = []persistence.Candle{
		{Symbol: "AAPL", Timeframe: timeframe.H1, Close: 101, QualityScore: 0.97, Validated: true},
		{Symbol: "AAPL", Timeframe: timeframe.H1, Close: 102, QualityScore: 0.95, Validated: true},
	}

	rec := f.do(t, "GET", "/historical/aapl?timeframe=1h&validated_only=false&min_quality=0.9&limit=500", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HistoricalResponse](t, rec)
	assert.Equal(t, "AAPL", resp.Symbol)
	assert.Equal(t, "1h", resp.Timeframe)
	assert.Equal(t, 2, resp.Count)

	assert.False(t, f.candles.lastFilter.ValidatedOnly)
	assert.Equal(t, 0.9, f.candles.lastFilter.MinQuality)
	assert.Equal(t, 500, f.candles.lastFilter.Limit)
}

func TestHistoricalEmptyRangeIsNotAnError(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/historical/AAPL?timeframe=1d", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HistoricalResponse](t, rec)
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Candles)
}

func TestSubmitBackfill(t *testing.T) {
	f := newFixture(t)
	body := BackfillRequest{
		Symbols:    []string{"aapl", "BTCUSD"},
		StartDate:  "2025-01-01",
		EndDate:    "2025-02-01",
		Timeframes: []string{"1h", "1d"},
	}

	rec := f.do(t, "POST", "/backfill", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[BackfillAccepted](t, rec)
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, persistence.JobQueued, resp.Status)
	assert.Equal(t, 2, resp.SymbolsCount)
	assert.Equal(t, "2025-01-01 to 2025-02-01", resp.DateRange)

	require.Len(t, f.jobs.created, 1)
	assert.Equal(t, []string{"AAPL", "BTCUSD"}, f.jobs.created[0].Symbols)

	require.Eventually(t, func() bool { return f.runner.runs.Load() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestSubmitBackfillDefaultsToAllTimeframes(t *testing.T) {
	f := newFixture(t)
	body := BackfillRequest{Symbols: []string{"AAPL"}, StartDate: "2025-01-01", EndDate: "2025-01-10"}

	rec := f.do(t, "POST", "/backfill", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[BackfillAccepted](t, rec)
	assert.Equal(t, []string{"5m", "15m", "30m", "1h", "4h", "1d", "1w"}, resp.Timeframes)
}

func TestSubmitBackfillValidation(t *testing.T) {
	tooMany := make([]string, 101)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("SYM%d", i)
	}

	tests := []struct {
		name      string
		body      BackfillRequest
		wantField string
	}{
		{"empty symbols", BackfillRequest{StartDate: "2025-01-01", EndDate: "2025-01-02"}, "symbols"},
		{"too many symbols", BackfillRequest{Symbols: tooMany, StartDate: "2025-01-01", EndDate: "2025-01-02"}, "symbols"},
		{"bad start date", BackfillRequest{Symbols: []string{"AAPL"}, StartDate: "01/01/2025", EndDate: "2025-01-02"}, "start_date"},
		{"bad end date", BackfillRequest{Symbols: []string{"AAPL"}, StartDate: "2025-01-01", EndDate: "soon"}, "end_date"},
		{"start not before end", BackfillRequest{Symbols: []string{"AAPL"}, StartDate: "2025-02-01", EndDate: "2025-01-01"}, "start_date"},
		{"invalid timeframe", BackfillRequest{Symbols: []string{"AAPL"}, StartDate: "2025-01-01", EndDate: "2025-01-02", Timeframes: []string{"2h"}}, "timeframes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, "POST", "/backfill", tt.body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[ValidationErrorResponse](t, rec)
			fields := make([]string, 0, len(resp.Errors))
			for _, e := range resp.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.wantField)
			assert.Empty(t, f.jobs.created)
		})
	}
}

func TestSubmitBackfillRejectsMalformedJSON(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest("POST", "/backfill", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "invalid_json", resp.Code)
}

func TestBackfillStatus(t *testing.T) {
	f := newFixture(t)
	f.jobs.status["job-7"] = &persistence.JobStatus{
		Job: persistence.BackfillJob{ID: "job-7", Status: persistence.JobRunning, ProgressPct: 40},
		Units: []persistence.BackfillJobProgress{
			{JobID: "job-7", Symbol: "AAPL", Timeframe: "1h", Status: persistence.JobCompleted},
		},
	}

	rec := f.do(t, "GET", "/backfill/status/job-7", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[persistence.JobStatus](t, rec)
	assert.Equal(t, "job-7", resp.Job.ID)
	require.Len(t, resp.Units, 1)

	rec = f.do(t, "GET", "/backfill/status/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "job_not_found", errResp.Code)
}

func TestRecentBackfills(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 30; i++ {
		f.jobs.recent = append(f.jobs.recent, persistence.BackfillJob{ID: fmt.Sprintf("job-%d", i)})
	}

	rec := f.do(t, "GET", "/backfill/recent", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RecentJobsResponse](t, rec)
	assert.Equal(t, 20, resp.Count)

	rec = f.do(t, "GET", "/backfill/recent?limit=5", nil, nil)
	resp = decode[RecentJobsResponse](t, rec)
	assert.Equal(t, 5, resp.Count)

	rec = f.do(t, "GET", "/backfill/recent?limit=500", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulerExecutions(t *testing.T) {
	f := newFixture(t)
	started := time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		f.execs.recent = append(f.execs.recent, persistence.SchedulerExecution{
			ExecutionID: fmt.Sprintf("exec-%d", i),
			StartedAt:   started.Add(-time.Duration(i) * 24 * time.Hour),
			Status:      "completed",
		})
	}

	rec := f.do(t, "GET", "/scheduler/executions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SchedulerExecutionsResponse](t, rec)
	assert.Equal(t, 20, resp.Count)
	assert.Equal(t, "exec-0", resp.Executions[0].ExecutionID)
	assert.Equal(t, "completed", resp.Executions[0].Status)

	rec = f.do(t, "GET", "/scheduler/executions?limit=3", nil, nil)
	resp = decode[SchedulerExecutionsResponse](t, rec)
	assert.Equal(t, 3, resp.Count)

	rec = f.do(t, "GET", "/scheduler/executions?limit=0", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulerExecutionsEmptyHistory(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/scheduler/executions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SchedulerExecutionsResponse](t, rec)
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Executions)
}

func TestNotFoundRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/nope", nil, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "endpoint_not_found", resp.Code)
}
