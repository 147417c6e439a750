// Package backfill runs ingestion jobs: it walks a job's
// symbol x timeframe units, fetches through the router, validates,
// upserts, and keeps the job's progress rows current.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candlevault/candlevault/internal/calendar"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/telemetry"
	"github.com/candlevault/candlevault/internal/timeframe"
	"github.com/candlevault/candlevault/internal/validate"
)

// DefaultUnitTimeout bounds one fetch-validate-upsert unit.
const DefaultUnitTimeout = 60 * time.Second

// Fetcher is the slice of the router the worker needs.
type Fetcher interface {
	FetchRange(ctx context.Context, symbol string, tf timeframe.Timeframe, start, end time.Time, class calendar.AssetClass) ([]persistence.Candle, string, error)
}

// Config tunes one worker.
type Config struct {
	UnitTimeout time.Duration
}

// Worker consumes backfill jobs one at a time. Callers provide
// concurrency; the worker itself is sequential over units.
type Worker struct {
	jobs        persistence.JobRepo
	symbols     persistence.SymbolRepo
	candles     persistence.CandleRepo
	fetcher     Fetcher
	scorer      *validate.Scorer
	unitTimeout time.Duration
	metrics     *telemetry.Metrics
}

// SetMetrics attaches optional Prometheus collectors.
func (w *Worker) SetMetrics(m *telemetry.Metrics) {
	w.metrics = m
}

// Result summarizes one finished job.
type Result struct {
	JobID          string
	UnitsSucceeded int
	UnitsFailed    int
	Fetched        int64
	Inserted       int64
}

func NewWorker(cfg Config, jobs persistence.JobRepo, symbols persistence.SymbolRepo, candles persistence.CandleRepo, fetcher Fetcher, scorer *validate.Scorer) *Worker {
	timeout := cfg.UnitTimeout
	if timeout == 0 {
		timeout = DefaultUnitTimeout
	}
	return &Worker{
		jobs:        jobs,
		symbols:     symbols,
		candles:     candles,
		fetcher:     fetcher,
		scorer:      scorer,
		unitTimeout: timeout,
	}
}

// Run executes the job to a terminal state. A unit failure marks only
// that unit; the job completes as long as at least one unit succeeded.
// The returned error is non-nil only for fatal, job-level failures.
func (w *Worker) Run(ctx context.Context, jobID string) (*Result, error) {
	status, err := w.jobs.GetStatus(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	job := status.Job

	if err := w.jobs.StartJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("start job %s: %w", jobID, err)
	}

	tfs, err := timeframe.ParseAll(job.Timeframes)
	if err != nil {
		msg := fmt.Sprintf("invalid timeframes: %v", err)
		if ferr := w.jobs.FailJob(ctx, jobID, msg); ferr != nil {
			log.Error().Str("job_id", jobID).Err(ferr).Msg("failed to mark job failed")
		}
		return nil, fmt.Errorf("job %s: %s", jobID, msg)
	}
	// Finer timeframes first so vendor slowdowns degrade the coarse
	// series last.
	timeframe.Sort(tfs)

	res := &Result{JobID: jobID}
	for _, symbol := range job.Symbols {
		class, classErr := w.assetClass(ctx, symbol)
		for _, tf := range tfs {
			if ctx.Err() != nil {
				msg := "cancelled: " + ctx.Err().Error()
				if ferr := w.jobs.FailJob(context.WithoutCancel(ctx), jobID, msg); ferr != nil {
					log.Error().Str("job_id", jobID).Err(ferr).Msg("failed to mark job failed")
				}
				return res, fmt.Errorf("job %s %s", jobID, msg)
			}

			fetched, inserted, unitErr := w.runUnit(ctx, symbol, class, classErr, tf, job.StartDate, job.EndDate)
			res.Fetched += fetched
			res.Inserted += inserted
			if unitErr != nil {
				res.UnitsFailed++
				log.Warn().
					Str("job_id", jobID).
					Str("symbol", symbol).
					Str("timeframe", tf.String()).
					Err(unitErr).
					Msg("backfill unit failed")
			} else {
				res.UnitsSucceeded++
			}

			if err := w.jobs.UpdateProgress(ctx, jobID, symbol, tf.String(), fetched, inserted, unitErr); err != nil {
				log.Error().Str("job_id", jobID).Str("symbol", symbol).Err(err).Msg("progress update failed")
			}
		}
	}

	if res.UnitsSucceeded == 0 {
		msg := fmt.Sprintf("all %d units failed", res.UnitsFailed)
		if err := w.jobs.FailJob(ctx, jobID, msg); err != nil {
			return res, fmt.Errorf("fail job %s: %w", jobID, err)
		}
		w.recordFinished(persistence.JobFailed)
		return res, nil
	}

	if err := w.jobs.CompleteJob(ctx, jobID); err != nil {
		return res, fmt.Errorf("complete job %s: %w", jobID, err)
	}
	w.recordFinished(persistence.JobCompleted)
	log.Info().
		Str("job_id", jobID).
		Int("units_succeeded", res.UnitsSucceeded).
		Int("units_failed", res.UnitsFailed).
		Int64("records_inserted", res.Inserted).
		Msg("backfill job finished")
	return res, nil
}

// runUnit performs one fetch-validate-upsert cycle under the unit
// timeout. It returns counts even on failure so progress stays honest.
func (w *Worker) runUnit(ctx context.Context, symbol string, class calendar.AssetClass, classErr error, tf timeframe.Timeframe, start, end time.Time) (int64, int64, error) {
	if classErr != nil {
		return 0, 0, classErr
	}

	unitCtx, cancel := context.WithTimeout(ctx, w.unitTimeout)
	defer cancel()

	candles, source, err := w.fetcher.FetchRange(unitCtx, symbol, tf, start, end, class)
	if err != nil {
		return 0, 0, err
	}
	if len(candles) == 0 {
		return 0, 0, nil
	}

	scored := w.scorer.ScoreRange(candles, class)
	if w.metrics != nil {
		for i := range scored {
			w.metrics.ValidationScores.Observe(scored[i].QualityScore)
			if !scored[i].Validated {
				w.metrics.CandlesRejected.Inc()
			}
		}
	}
	inserted, err := w.candles.UpsertRange(unitCtx, symbol, tf, scored)
	if err != nil {
		return int64(len(scored)), 0, fmt.Errorf("upsert %s via %s: %w", symbol, source, err)
	}
	if w.metrics != nil {
		w.metrics.CandlesUpserted.WithLabelValues(tf.String()).Add(float64(inserted))
	}
	return int64(len(scored)), int64(inserted), nil
}

func (w *Worker) recordFinished(status string) {
	if w.metrics != nil {
		w.metrics.JobsFinished.WithLabelValues(status).Inc()
	}
}

func (w *Worker) assetClass(ctx context.Context, symbol string) (calendar.AssetClass, error) {
	sym, err := w.symbols.Get(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("registry lookup %s: %w", symbol, err)
	}
	class := calendar.AssetClass(sym.AssetClass)
	if !calendar.ValidAssetClass(string(class)) {
		return "", fmt.Errorf("symbol %s: unknown asset class %q", symbol, sym.AssetClass)
	}
	return class, nil
}
