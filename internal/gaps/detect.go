// Package gaps finds and repairs holes in stored candle series. Post
// ingest, each (symbol, timeframe) touched by a job is diffed against
// the asset class calendar; missing dates become repair ranges. A
// second mode re-scores rows that were imported without validation.
package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/candlevault/candlevault/internal/calendar"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/timeframe"
)

// Range is one contiguous run of missing trading dates, inclusive.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Detector diffs stored dates against the expected calendar.
type Detector struct {
	candles persistence.CandleRepo
}

func NewDetector(candles persistence.CandleRepo) *Detector {
	return &Detector{candles: candles}
}

// Detect returns the gap ranges for one series inside tr. Consecutive
// missing trading dates collapse into a single range.
func (d *Detector) Detect(ctx context.Context, symbol string, tf timeframe.Timeframe, class calendar.AssetClass, tr persistence.TimeRange) ([]Range, error) {
	// Date-level diffing assumes at most daily buckets. A weekly series
	// stores one row per week, so every other calendar day would read
	// as missing.
	if tf == timeframe.W1 {
		return nil, nil
	}

	stored, err := d.candles.DistinctDates(ctx, symbol, tf, tr)
	if err != nil {
		return nil, fmt.Errorf("distinct dates %s %s: %w", symbol, tf, err)
	}

	have := make(map[time.Time]bool, len(stored))
	for _, ts := range stored {
		have[dateOf(ts)] = true
	}

	var gaps []Range
	var open *Range
	for _, expected := range calendar.ExpectedDates(tr.From, tr.To, class) {
		if have[expected] {
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &Range{Start: expected, End: expected}
		} else {
			open.End = expected
		}
	}
	if open != nil {
		gaps = append(gaps, *open)
	}
	return gaps, nil
}

func dateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
