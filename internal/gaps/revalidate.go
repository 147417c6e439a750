package gaps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/candlevault/candlevault/internal/calendar"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/timeframe"
	"github.com/candlevault/candlevault/internal/validate"
)

const (
	// DefaultRevalidateBatch is candles per DB round-trip.
	DefaultRevalidateBatch = 100
	// MaxRevalidateBatch caps caller tuning.
	MaxRevalidateBatch = 5000

	medianWindow = 100
)

// RevalidateOptions narrows and tunes a revalidation pass.
type RevalidateOptions struct {
	Symbol    string
	Timeframe timeframe.Timeframe
	Limit     int
	BatchSize int
	DryRun    bool
}

// RevalidateSummary is the JSON report of one pass.
type RevalidateSummary struct {
	Scanned      int            `json:"scanned"`
	Validated    int            `json:"validated"`
	Rejected     int            `json:"rejected"`
	Updated      int            `json:"updated"`
	DryRun       bool           `json:"dry_run"`
	Distribution map[string]int `json:"score_distribution"`
	Errors       []string       `json:"errors,omitempty"`
}

// Revalidator re-scores rows stored with validated=false, typically
// after a bulk import that bypassed the pipeline.
type Revalidator struct {
	candles persistence.CandleRepo
	symbols persistence.SymbolRepo
	scorer  *validate.Scorer
}

func NewRevalidator(candles persistence.CandleRepo, symbols persistence.SymbolRepo, scorer *validate.Scorer) *Revalidator {
	return &Revalidator{candles: candles, symbols: symbols, scorer: scorer}
}

// Run scans unvalidated rows in batches, recomputes every verdict with
// the stored series' rolling median volume, and commits the updates
// unless DryRun is set. Scoring always happens; dry-run only skips the
// write-back.
func (r *Revalidator) Run(ctx context.Context, opts RevalidateOptions) (*RevalidateSummary, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultRevalidateBatch
	}
	if batchSize > MaxRevalidateBatch {
		batchSize = MaxRevalidateBatch
	}

	summary := &RevalidateSummary{
		DryRun:       opts.DryRun,
		Distribution: make(map[string]int),
	}
	classes := make(map[string]calendar.AssetClass)
	medians := make(map[string]float64)
	seen := make(map[persistence.CandleKey]bool)

	remaining := opts.Limit
	for {
		// The window grows past already-seen rows so persistent rejects
		// (and dry-run rows, which are never written back) cannot block
		// the tail of the table.
		want := batchSize
		if remaining > 0 && remaining < want {
			want = remaining
		}
		size := want + len(seen)

		batch, err := r.candles.Unvalidated(ctx, opts.Symbol, opts.Timeframe, size)
		if err != nil {
			return summary, fmt.Errorf("scan unvalidated: %w", err)
		}

		// Rejected rows stay validated=false and come back on the next
		// scan; in dry-run every row does. Only fresh rows advance the
		// pass.
		fresh := batch[:0:0]
		unseen := 0
		for _, c := range batch {
			key := persistence.CandleKey{Symbol: c.Symbol, Timeframe: c.Timeframe, Time: c.Time}
			if seen[key] {
				continue
			}
			unseen++
			if len(fresh) == want {
				continue
			}
			seen[key] = true
			fresh = append(fresh, c)
		}
		if len(fresh) == 0 {
			break
		}

		updates, err := r.scoreBatch(ctx, fresh, classes, medians, summary)
		if err != nil {
			return summary, err
		}

		if !opts.DryRun && len(updates) > 0 {
			n, err := r.candles.UpdateValidation(ctx, updates)
			if err != nil {
				return summary, fmt.Errorf("apply validation updates: %w", err)
			}
			summary.Updated += n
		}

		if remaining > 0 {
			remaining -= len(fresh)
			if remaining <= 0 {
				break
			}
		}
		// The table is exhausted once a short batch carried no unseen
		// rows beyond what this pass consumed.
		if len(batch) < size && unseen == len(fresh) {
			break
		}
	}

	log.Info().
		Int("scanned", summary.Scanned).
		Int("validated", summary.Validated).
		Int("rejected", summary.Rejected).
		Bool("dry_run", summary.DryRun).
		Msg("revalidation pass finished")
	return summary, nil
}

// scoreBatch groups one batch by series, orders each series by time,
// and scores with the previous candle carried inside the batch.
func (r *Revalidator) scoreBatch(ctx context.Context, batch []persistence.Candle, classes map[string]calendar.AssetClass, medians map[string]float64, summary *RevalidateSummary) ([]persistence.ValidationUpdate, error) {
	series := make(map[string][]persistence.Candle)
	for _, c := range batch {
		key := c.Symbol + "|" + string(c.Timeframe)
		series[key] = append(series[key], c)
	}

	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var updates []persistence.ValidationUpdate
	for _, key := range keys {
		candles := series[key]
		sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })

		symbol := candles[0].Symbol
		tf := candles[0].Timeframe

		class, err := r.assetClass(ctx, symbol, classes)
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			summary.Scanned += len(candles)
			continue
		}

		median, ok := medians[key]
		if !ok {
			median, err = r.candles.MedianVolume(ctx, symbol, tf, medianWindow)
			if err != nil {
				return nil, fmt.Errorf("median volume %s %s: %w", symbol, tf, err)
			}
			medians[key] = median
		}

		var prev *persistence.Candle
		for i := range candles {
			c := candles[i]
			verdict := r.scorer.ScoreCandle(prev, c, class, median)
			summary.Scanned++
			if verdict.Validated {
				summary.Validated++
			} else {
				summary.Rejected++
			}
			summary.Distribution[scoreBucket(verdict.QualityScore)]++

			updates = append(updates, persistence.ValidationUpdate{
				Key: persistence.CandleKey{
					Symbol:    c.Symbol,
					Timeframe: c.Timeframe,
					Time:      c.Time,
				},
				QualityScore:  verdict.QualityScore,
				Validated:     verdict.Validated,
				Notes:         verdict.Notes,
				GapDetected:   verdict.GapDetected,
				VolumeAnomaly: verdict.VolumeAnomaly,
			})
			prev = &candles[i]
		}
	}
	return updates, nil
}

func (r *Revalidator) assetClass(ctx context.Context, symbol string, cache map[string]calendar.AssetClass) (calendar.AssetClass, error) {
	if class, ok := cache[symbol]; ok {
		return class, nil
	}
	sym, err := r.symbols.Get(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("symbol %s not in registry: %w", symbol, err)
	}
	class := calendar.AssetClass(strings.ToLower(sym.AssetClass))
	cache[symbol] = class
	return class, nil
}

// scoreBucket labels a score for the summary histogram.
func scoreBucket(score float64) string {
	switch {
	case score >= 0.9:
		return "0.9-1.0"
	case score >= 0.8:
		return "0.8-0.9"
	case score >= 0.5:
		return "0.5-0.8"
	default:
		return "0.0-0.5"
	}
}
