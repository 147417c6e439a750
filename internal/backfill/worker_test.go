package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlevault/candlevault/internal/calendar"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/timeframe"
	"github.com/candlevault/candlevault/internal/validate"
)

type progressCall struct {
	symbol, tf        string
	fetched, inserted int64
	err               error
}

type fakeJobs struct {
	mu       sync.Mutex
	job      persistence.BackfillJob
	started  bool
	progress []progressCall
	finalErr string
	final    string
}

func (f *fakeJobs) CreateJob(ctx context.Context, symbols, timeframes []string, start, end time.Time) (string, error) {
	return "job-1", nil
}

func (f *fakeJobs) StartJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeJobs) UpdateProgress(ctx context.Context, jobID, symbol, tf string, fetched, inserted int64, unitErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progressCall{symbol, tf, fetched, inserted, unitErr})
	return nil
}

func (f *fakeJobs) CompleteJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.final = persistence.JobCompleted
	return nil
}

func (f *fakeJobs) FailJob(ctx context.Context, jobID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.final = persistence.JobFailed
	f.finalErr = errorMessage
	return nil
}

func (f *fakeJobs) GetStatus(ctx context.Context, jobID string) (*persistence.JobStatus, error) {
	return &persistence.JobStatus{Job: f.job}, nil
}

func (f *fakeJobs) Recent(ctx context.Context, limit int) ([]persistence.BackfillJob, error) {
	return nil, nil
}

type fakeSymbols struct {
	classes map[string]string
}

func (f *fakeSymbols) Get(ctx context.Context, symbol string) (*persistence.Symbol, error) {
	class, ok := f.classes[symbol]
	if !ok {
		return nil, errors.New("not found")
	}
	return &persistence.Symbol{Symbol: symbol, AssetClass: class, Active: true}, nil
}

func (f *fakeSymbols) Add(ctx context.Context, symbol, assetClass string, timeframes []string) (*persistence.Symbol, error) {
	return nil, nil
}
func (f *fakeSymbols) List(ctx context.Context, activeOnly bool, assetClass string) ([]persistence.Symbol, error) {
	return nil, nil
}
func (f *fakeSymbols) SetActive(ctx context.Context, symbol string, active bool) error { return nil }
func (f *fakeSymbols) UpdateTimeframes(ctx context.Context, symbol string, timeframes []string) error {
	return nil
}
func (f *fakeSymbols) UpdateBackfillStatus(ctx context.Context, symbol, status string, lastBackfill *time.Time, backfillErr *string) error {
	return nil
}

type fakeCandles struct {
	persistence.CandleRepo
	mu       sync.Mutex
	upserted []persistence.Candle
	err      error
}

func (f *fakeCandles) UpsertRange(ctx context.Context, symbol string, tf timeframe.Timeframe, candles []persistence.Candle) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.upserted = append(f.upserted, candles...)
	return len(candles), nil
}

type fetchKey struct {
	symbol string
	tf     timeframe.Timeframe
}

type fakeFetcher struct {
	mu      sync.Mutex
	candles map[fetchKey][]persistence.Candle
	errs    map[fetchKey]error
	order   []fetchKey
}

func (f *fakeFetcher) FetchRange(ctx context.Context, symbol string, tf timeframe.Timeframe, start, end time.Time, class calendar.AssetClass) ([]persistence.Candle, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fetchKey{symbol, tf}
	f.order = append(f.order, key)
	if err := f.errs[key]; err != nil {
		return nil, "", err
	}
	return f.candles[key], "polygon", nil
}

func series(symbol string, tf timeframe.Timeframe, n int) []persistence.Candle {
	out := make([]persistence.Candle, n)
	for i := range out {
		out[i] = persistence.Candle{
			Symbol: symbol, Timeframe: tf,
			Time:   time.Date(2025, 3, 3, i, 0, 0, 0, time.UTC),
			Open:   100, High: 101, Low: 99, Close: 100, Volume: 1000,
			Source: "polygon",
		}
	}
	return out
}

func testJob(symbols, tfs []string) persistence.BackfillJob {
	return persistence.BackfillJob{
		ID:         "job-1",
		Symbols:    symbols,
		Timeframes: tfs,
		StartDate:  time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	}
}

func newTestWorker(jobs *fakeJobs, fetcher *fakeFetcher, candles *fakeCandles) *Worker {
	symbols := &fakeSymbols{classes: map[string]string{
		"AAPL":   "stock",
		"BTCUSD": "crypto",
	}}
	return NewWorker(Config{}, jobs, symbols, candles, fetcher, validate.NewScorer(validate.Config{}))
}

func TestRun_CompletesJobAndUpsertsScoredCandles(t *testing.T) {
	jobs := &fakeJobs{job: testJob([]string{"AAPL"}, []string{"1h"})}
	fetcher := &fakeFetcher{candles: map[fetchKey][]persistence.Candle{
		{"AAPL", timeframe.H1}: series("AAPL", timeframe.H1, 3),
	}}
	store := &fakeCandles{}

	res, err := newTestWorker(jobs, fetcher, store).Run(context.Background(), "job-1")
	require.NoError(t, err)

	assert.True(t, jobs.started)
	assert.Equal(t, persistence.JobCompleted, jobs.final)
	assert.Equal(t, 1, res.UnitsSucceeded)
	assert.Equal(t, 0, res.UnitsFailed)
	assert.Equal(t, int64(3), res.Inserted)

	require.Len(t, store.upserted, 3)
	for _, c := range store.upserted {
		assert.True(t, c.Validated)
		assert.Equal(t, 1.0, c.QualityScore)
	}

	require.Len(t, jobs.progress, 1)
	assert.Equal(t, "AAPL", jobs.progress[0].symbol)
	assert.Equal(t, int64(3), jobs.progress[0].fetched)
	assert.NoError(t, jobs.progress[0].err)
}

func TestRun_UnitsFollowWorkerTimeframeOrder(t *testing.T) {
	jobs := &fakeJobs{job: testJob([]string{"AAPL", "BTCUSD"}, []string{"1d", "5m", "1h"})}
	fetcher := &fakeFetcher{}
	store := &fakeCandles{}

	_, err := newTestWorker(jobs, fetcher, store).Run(context.Background(), "job-1")
	require.NoError(t, err)

	want := []fetchKey{
		{"AAPL", timeframe.M5}, {"AAPL", timeframe.H1}, {"AAPL", timeframe.D1},
		{"BTCUSD", timeframe.M5}, {"BTCUSD", timeframe.H1}, {"BTCUSD", timeframe.D1},
	}
	assert.Equal(t, want, fetcher.order)
}

func TestRun_UnitFailureIsContained(t *testing.T) {
	jobs := &fakeJobs{job: testJob([]string{"AAPL", "BTCUSD"}, []string{"1h"})}
	fetcher := &fakeFetcher{
		candles: map[fetchKey][]persistence.Candle{
			{"BTCUSD", timeframe.H1}: series("BTCUSD", timeframe.H1, 2),
		},
		errs: map[fetchKey]error{
			{"AAPL", timeframe.H1}: errors.New("vendor exploded"),
		},
	}
	store := &fakeCandles{}

	res, err := newTestWorker(jobs, fetcher, store).Run(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, persistence.JobCompleted, jobs.final)
	assert.Equal(t, 1, res.UnitsSucceeded)
	assert.Equal(t, 1, res.UnitsFailed)

	require.Len(t, jobs.progress, 2)
	assert.Error(t, jobs.progress[0].err)
	assert.NoError(t, jobs.progress[1].err)
	assert.Len(t, store.upserted, 2)
}

func TestRun_AllUnitsFailedFailsJob(t *testing.T) {
	jobs := &fakeJobs{job: testJob([]string{"AAPL"}, []string{"1h", "1d"})}
	fetcher := &fakeFetcher{errs: map[fetchKey]error{
		{"AAPL", timeframe.H1}: errors.New("down"),
		{"AAPL", timeframe.D1}: errors.New("down"),
	}}
	store := &fakeCandles{}

	res, err := newTestWorker(jobs, fetcher, store).Run(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, persistence.JobFailed, jobs.final)
	assert.Contains(t, jobs.finalErr, "all 2 units failed")
	assert.Equal(t, 0, res.UnitsSucceeded)
}

func TestRun_UnknownSymbolFailsItsUnitsOnly(t *testing.T) {
	jobs := &fakeJobs{job: testJob([]string{"MYSTERY", "AAPL"}, []string{"1h"})}
	fetcher := &fakeFetcher{candles: map[fetchKey][]persistence.Candle{
		{"AAPL", timeframe.H1}: series("AAPL", timeframe.H1, 1),
	}}
	store := &fakeCandles{}

	res, err := newTestWorker(jobs, fetcher, store).Run(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, persistence.JobCompleted, jobs.final)
	assert.Equal(t, 1, res.UnitsFailed)
	assert.Equal(t, 1, res.UnitsSucceeded)
	// The unknown symbol never reached the vendor.
	assert.Equal(t, []fetchKey{{"AAPL", timeframe.H1}}, fetcher.order)
}

func TestRun_EmptyFetchIsSuccess(t *testing.T) {
	jobs := &fakeJobs{job: testJob([]string{"AAPL"}, []string{"1h"})}
	fetcher := &fakeFetcher{}
	store := &fakeCandles{}

	res, err := newTestWorker(jobs, fetcher, store).Run(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, persistence.JobCompleted, jobs.final)
	assert.Equal(t, 1, res.UnitsSucceeded)
	assert.Empty(t, store.upserted)
}

func TestRun_UpsertFailureFailsUnit(t *testing.T) {
	jobs := &fakeJobs{job: testJob([]string{"AAPL"}, []string{"1h"})}
	fetcher := &fakeFetcher{candles: map[fetchKey][]persistence.Candle{
		{"AAPL", timeframe.H1}: series("AAPL", timeframe.H1, 2),
	}}
	store := &fakeCandles{err: errors.New("pool exhausted")}

	res, err := newTestWorker(jobs, fetcher, store).Run(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, persistence.JobFailed, jobs.final)
	assert.Equal(t, 1, res.UnitsFailed)
	require.Len(t, jobs.progress, 1)
	assert.Equal(t, int64(2), jobs.progress[0].fetched)
	assert.Equal(t, int64(0), jobs.progress[0].inserted)
}

func TestRun_CancellationStopsBeforeNextUnit(t *testing.T) {
	jobs := &fakeJobs{job: testJob([]string{"AAPL"}, []string{"1h"})}
	fetcher := &fakeFetcher{}
	store := &fakeCandles{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestWorker(jobs, fetcher, store).Run(ctx, "job-1")
	require.Error(t, err)
	assert.Equal(t, persistence.JobFailed, jobs.final)
	assert.Contains(t, jobs.finalErr, "cancelled")
	assert.Empty(t, fetcher.order)
}

func TestRun_InvalidTimeframesFailJob(t *testing.T) {
	jobs := &fakeJobs{job: testJob([]string{"AAPL"}, []string{"2h"})}
	fetcher := &fakeFetcher{}
	store := &fakeCandles{}

	_, err := newTestWorker(jobs, fetcher, store).Run(context.Background(), "job-1")
	require.Error(t, err)
	assert.Equal(t, persistence.JobFailed, jobs.final)
}
