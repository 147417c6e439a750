// Package scheduler drives recurring backfill: an hourly (or, when an
// hour is configured, daily) tick that walks the active registry in
// bounded parallel groups and records every execution for review.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candlevault/candlevault/internal/backfill"
	"github.com/candlevault/candlevault/internal/calendar"
	"github.com/candlevault/candlevault/internal/gaps"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/telemetry"
	"github.com/candlevault/candlevault/internal/timeframe"
)

const (
	// DefaultMaxConcurrentSymbols bounds one parallel group.
	DefaultMaxConcurrentSymbols = 3
	// DefaultStagger spaces symbol starts inside a group so a group
	// does not open with a rate-limit burst.
	DefaultStagger = 5 * time.Second
	// DefaultInterGroupDelay separates consecutive groups.
	DefaultInterGroupDelay = 10 * time.Second
	// DefaultLookback bounds how far an incremental tick reaches back.
	DefaultLookback = 7 * 24 * time.Hour
	// DefaultTickDeadline bounds one whole tick.
	DefaultTickDeadline = 45 * time.Minute
)

// Config tunes the scheduler. Minute is the cron minute (UTC); a
// non-nil Hour switches from hourly to daily cadence.
type Config struct {
	Minute               int
	Hour                 *int
	MaxConcurrentSymbols int
	Stagger              time.Duration
	InterGroupDelay      time.Duration
	Lookback             time.Duration
	TickDeadline         time.Duration
}

// JobRunner executes one created job to a terminal state; the backfill
// worker satisfies it.
type JobRunner interface {
	Run(ctx context.Context, jobID string) (*backfill.Result, error)
}

// Scheduler owns the tick loop. Ticks never overlap; a tick that fires
// while the previous one still runs is skipped and logged.
type Scheduler struct {
	cfg      Config
	symbols  persistence.SymbolRepo
	candles  persistence.CandleRepo
	jobs     persistence.JobRepo
	execs    persistence.ExecutionRepo
	worker   JobRunner
	repairer *gaps.Repairer

	running atomic.Bool
	now     func() time.Time
	metrics *telemetry.Metrics
}

// SetMetrics attaches optional Prometheus collectors.
func (s *Scheduler) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// TickReport summarizes one execution for logging and tests.
type TickReport struct {
	ExecutionID      string
	SymbolsSucceeded int
	SymbolsFailed    int
	Records          int64
	Status           string
}

func New(cfg Config, symbols persistence.SymbolRepo, candles persistence.CandleRepo, jobs persistence.JobRepo, execs persistence.ExecutionRepo, worker JobRunner, repairer *gaps.Repairer) *Scheduler {
	if cfg.MaxConcurrentSymbols <= 0 {
		cfg.MaxConcurrentSymbols = DefaultMaxConcurrentSymbols
	}
	if cfg.Stagger == 0 {
		cfg.Stagger = DefaultStagger
	}
	if cfg.InterGroupDelay == 0 {
		cfg.InterGroupDelay = DefaultInterGroupDelay
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.TickDeadline == 0 {
		cfg.TickDeadline = DefaultTickDeadline
	}
	return &Scheduler{
		cfg:      cfg,
		symbols:  symbols,
		candles:  candles,
		jobs:     jobs,
		execs:    execs,
		worker:   worker,
		repairer: repairer,
		now:      time.Now,
	}
}

// Running reports whether a tick is currently in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run blocks until ctx is cancelled, firing ticks on the configured
// cadence.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Int("minute", s.cfg.Minute).
		Bool("daily", s.cfg.Hour != nil).
		Msg("scheduler started")

	for {
		next := s.nextFire(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if !s.running.CompareAndSwap(false, true) {
			log.Warn().Time("fire", next).Msg("previous tick still running, skipping")
			continue
		}
		go func() {
			defer s.running.Store(false)
			if _, err := s.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("scheduler tick failed")
			}
		}()
	}
}

// RunOnce executes a single tick synchronously; the serve path uses the
// loop, operational tooling uses this.
func (s *Scheduler) RunOnce(ctx context.Context) (*TickReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, errors.New("a tick is already running")
	}
	defer s.running.Store(false)
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) (*TickReport, error) {
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickDeadline)
	defer cancel()

	execID, err := s.execs.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin execution: %w", err)
	}
	report := &TickReport{ExecutionID: execID}

	active, err := s.symbols.List(ctx, true, "")
	if err != nil {
		s.finish(ctx, report, persistence.JobFailed, err.Error())
		return report, fmt.Errorf("list symbols: %w", err)
	}

	now := s.now().UTC()
	var mu sync.Mutex

	for start := 0; start < len(active); start += s.cfg.MaxConcurrentSymbols {
		if tickCtx.Err() != nil {
			break
		}
		end := start + s.cfg.MaxConcurrentSymbols
		if end > len(active) {
			end = len(active)
		}
		group := active[start:end]

		var wg sync.WaitGroup
		for i, sym := range group {
			wg.Add(1)
			go func(offset int, sym persistence.Symbol) {
				defer wg.Done()
				if !sleepCtx(tickCtx, time.Duration(offset)*s.cfg.Stagger) {
					return
				}
				records, err := s.runSymbol(tickCtx, sym, now)

				mu.Lock()
				defer mu.Unlock()
				report.Records += records
				if err != nil {
					report.SymbolsFailed++
				} else {
					report.SymbolsSucceeded++
				}
				s.recordSymbol(ctx, execID, sym.Symbol, records, err)
			}(i, sym)
		}
		wg.Wait()

		if end < len(active) {
			if !sleepCtx(tickCtx, s.cfg.InterGroupDelay) {
				break
			}
		}
	}

	status := persistence.JobCompleted
	errMsg := ""
	if errors.Is(tickCtx.Err(), context.DeadlineExceeded) {
		status = persistence.JobFailed
		errMsg = "deadline"
	} else if ctx.Err() != nil {
		status = persistence.JobFailed
		errMsg = "cancelled"
	}
	s.finish(ctx, report, status, errMsg)
	return report, nil
}

// runSymbol creates and runs a one-symbol job covering the incremental
// range for every configured timeframe, then drives a gap pass.
func (s *Scheduler) runSymbol(ctx context.Context, sym persistence.Symbol, now time.Time) (int64, error) {
	tfs, err := timeframe.ParseAll(sym.Timeframes)
	if err != nil || len(tfs) == 0 {
		if err == nil {
			err = errors.New("no timeframes configured")
		}
		return 0, fmt.Errorf("symbol %s: %w", sym.Symbol, err)
	}

	from := s.rangeStart(ctx, sym.Symbol, tfs, now)

	jobID, err := s.jobs.CreateJob(ctx, []string{sym.Symbol}, timeframe.Strings(tfs), from, now)
	if err != nil {
		return 0, fmt.Errorf("create job for %s: %w", sym.Symbol, err)
	}

	res, err := s.worker.Run(ctx, jobID)
	records := int64(0)
	if res != nil {
		records = res.Inserted
	}
	if err != nil {
		s.markBackfill(ctx, sym.Symbol, persistence.BackfillFailed, now, err)
		return records, err
	}

	if s.repairer != nil {
		class := calendar.AssetClass(sym.AssetClass)
		tr := persistence.TimeRange{From: from, To: now}
		for _, tf := range tfs {
			rep, rerr := s.repairer.Repair(ctx, sym.Symbol, tf, class, tr)
			if rerr != nil {
				log.Warn().Str("symbol", sym.Symbol).Str("timeframe", tf.String()).Err(rerr).Msg("gap pass failed")
				continue
			}
			records += int64(rep.Inserted)
		}
	}

	s.markBackfill(ctx, sym.Symbol, persistence.BackfillCompleted, now, nil)
	return records, nil
}

// rangeStart picks the earliest incremental start over the symbol's
// timeframes: per series, the later of the last stored candle and the
// lookback horizon.
func (s *Scheduler) rangeStart(ctx context.Context, symbol string, tfs []timeframe.Timeframe, now time.Time) time.Time {
	horizon := now.Add(-s.cfg.Lookback)
	start := now
	for _, tf := range tfs {
		from := horizon
		latest, err := s.candles.Latest(ctx, symbol, tf)
		if err == nil && latest != nil && latest.Time.After(horizon) {
			from = latest.Time
		}
		if from.Before(start) {
			start = from
		}
	}
	return start
}

func (s *Scheduler) markBackfill(ctx context.Context, symbol, status string, at time.Time, cause error) {
	var msg *string
	if cause != nil {
		m := cause.Error()
		msg = &m
	}
	if err := s.symbols.UpdateBackfillStatus(ctx, symbol, status, &at, msg); err != nil {
		log.Error().Str("symbol", symbol).Err(err).Msg("backfill status update failed")
	}
}

func (s *Scheduler) recordSymbol(ctx context.Context, execID, symbol string, records int64, cause error) {
	row := persistence.ExecutionSymbol{
		ExecutionID:      execID,
		Symbol:           symbol,
		Status:           persistence.BackfillCompleted,
		RecordsProcessed: records,
	}
	if cause != nil {
		row.Status = persistence.BackfillFailed
		m := cause.Error()
		row.ErrorMessage = &m
	}
	if err := s.execs.RecordSymbol(ctx, row); err != nil {
		log.Error().Str("symbol", symbol).Err(err).Msg("execution symbol row failed")
	}
}

func (s *Scheduler) finish(ctx context.Context, report *TickReport, status, errMsg string) {
	report.Status = status
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	if s.metrics != nil {
		s.metrics.SchedulerTicks.WithLabelValues(status).Inc()
	}
	if err := s.execs.Finish(ctx, report.ExecutionID, report.SymbolsSucceeded, report.SymbolsFailed, report.Records, status, msg); err != nil {
		log.Error().Str("execution_id", report.ExecutionID).Err(err).Msg("execution finish failed")
	}
}

// nextFire returns the next cron instant strictly after now, in UTC.
func (s *Scheduler) nextFire(now time.Time) time.Time {
	u := now.UTC()
	if s.cfg.Hour != nil {
		next := time.Date(u.Year(), u.Month(), u.Day(), *s.cfg.Hour, s.cfg.Minute, 0, 0, time.UTC)
		if !next.After(u) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
	next := time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), s.cfg.Minute, 0, 0, time.UTC)
	if !next.After(u) {
		next = next.Add(time.Hour)
	}
	return next
}

// sleepCtx waits d unless ctx ends first; false means interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
