package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candlevault/candlevault/internal/backfill"
	"github.com/candlevault/candlevault/internal/calendar"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/telemetry"
	"github.com/candlevault/candlevault/internal/timeframe"
	"github.com/candlevault/candlevault/internal/validate"
)

// retryDelays bounds the per-gap repair loop: one attempt plus one
// retry per delay.
var retryDelays = []time.Duration{2 * time.Second, 4 * time.Second}

// Repairer refetches detected gap ranges through the router.
type Repairer struct {
	detector *Detector
	fetcher  backfill.Fetcher
	scorer   *validate.Scorer
	candles  persistence.CandleRepo
	delays   []time.Duration
	metrics  *telemetry.Metrics
}

// RepairReport summarizes one series' repair pass.
type RepairReport struct {
	Symbol       string  `json:"symbol"`
	Timeframe    string  `json:"timeframe"`
	GapsFound    int     `json:"gaps_found"`
	GapsRepaired int     `json:"gaps_repaired"`
	Inserted     int     `json:"records_inserted"`
	Gaps         []Range `json:"gaps,omitempty"`
}

func NewRepairer(detector *Detector, fetcher backfill.Fetcher, scorer *validate.Scorer, candles persistence.CandleRepo) *Repairer {
	return &Repairer{
		detector: detector,
		fetcher:  fetcher,
		scorer:   scorer,
		candles:  candles,
		delays:   retryDelays,
	}
}

// SetMetrics attaches optional Prometheus collectors.
func (r *Repairer) SetMetrics(m *telemetry.Metrics) {
	r.metrics = m
}

// Repair detects gaps for one series inside tr and refetches each gap
// range. A gap that stays empty after the retry budget is left in the
// report; repair never fails the surrounding job.
func (r *Repairer) Repair(ctx context.Context, symbol string, tf timeframe.Timeframe, class calendar.AssetClass, tr persistence.TimeRange) (*RepairReport, error) {
	found, err := r.detector.Detect(ctx, symbol, tf, class, tr)
	if err != nil {
		return nil, err
	}

	report := &RepairReport{
		Symbol:    symbol,
		Timeframe: tf.String(),
		GapsFound: len(found),
		Gaps:      found,
	}
	for _, gap := range found {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		inserted, err := r.repairOne(ctx, symbol, tf, class, gap)
		if err != nil {
			log.Warn().
				Str("symbol", symbol).
				Str("timeframe", tf.String()).
				Time("gap_start", gap.Start).
				Time("gap_end", gap.End).
				Err(err).
				Msg("gap repair exhausted retries")
			continue
		}
		report.GapsRepaired++
		if r.metrics != nil {
			r.metrics.GapsRepaired.Inc()
		}
		report.Inserted += inserted
	}
	return report, nil
}

func (r *Repairer) repairOne(ctx context.Context, symbol string, tf timeframe.Timeframe, class calendar.AssetClass, gap Range) (int, error) {
	// The fetch window covers the gap's last date through end of day.
	end := gap.End.AddDate(0, 0, 1)

	var lastErr error
	for attempt := 0; attempt <= len(r.delays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.delays[attempt-1]):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		candles, _, err := r.fetcher.FetchRange(ctx, symbol, tf, gap.Start, end, class)
		if err != nil {
			lastErr = err
			continue
		}
		if len(candles) == 0 {
			lastErr = fmt.Errorf("vendor returned no rows for gap %s..%s", gap.Start.Format("2006-01-02"), gap.End.Format("2006-01-02"))
			continue
		}

		scored := r.scorer.ScoreRange(candles, class)
		inserted, err := r.candles.UpsertRange(ctx, symbol, tf, scored)
		if err != nil {
			lastErr = err
			continue
		}
		return inserted, nil
	}
	return 0, lastErr
}
