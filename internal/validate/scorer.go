// Package validate scores candles for quality. Scoring is pure: given a
// candle, its predecessor, the asset class, and a reference median
// volume it produces a deterministic verdict, so repair runs are
// idempotent by construction.
package validate

import (
	"math"
	"sort"
	"strings"

	"github.com/candlevault/candlevault/internal/calendar"
	"github.com/candlevault/candlevault/internal/persistence"
)

// Config tunes the scorer. Zero values fall back to the documented
// defaults.
type Config struct {
	// Threshold is the minimum quality score for validated=true.
	// Default 0.85; the supported floor is 0.80.
	Threshold float64
}

const (
	// DefaultThreshold is the documented validation cutoff.
	DefaultThreshold = 0.85
	// MinThreshold is the lowest caller-tunable cutoff.
	MinThreshold = 0.80

	constraintPenalty  = 0.5
	extremeMovePenalty = 0.3
	gapPenalty         = 0.2
	volumeHighPenalty  = 0.15
	volumeLowPenalty   = 0.10

	extremeMoveRatio = 5.0 // |close-open|/open >= 500%
	volumeHighRatio  = 10.0
)

// Asset-class gap thresholds for |open - prev.close| / prev.close.
var gapThresholds = map[calendar.AssetClass]float64{
	calendar.Crypto: 0.30,
	calendar.Stock:  0.15,
	calendar.ETF:    0.12,
}

// Asset-class low-volume ratios: crypto legitimately trades thin
// intervals around the clock; equities do not.
var lowVolumeRatios = map[calendar.AssetClass]float64{
	calendar.Crypto: 0.001,
	calendar.Stock:  0.20,
	calendar.ETF:    0.15,
}

// Verdict is the outcome of scoring one candle.
type Verdict struct {
	QualityScore  float64
	Validated     bool
	Notes         string
	GapDetected   bool
	VolumeAnomaly bool
}

// Scorer applies the quality rules.
type Scorer struct {
	threshold float64
}

// NewScorer builds a scorer, clamping the threshold to [MinThreshold, 1].
func NewScorer(cfg Config) *Scorer {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < MinThreshold {
		threshold = MinThreshold
	}
	if threshold > 1 {
		threshold = 1
	}
	return &Scorer{threshold: threshold}
}

// Threshold returns the configured validation cutoff.
func (s *Scorer) Threshold() float64 {
	return s.threshold
}

// ScoreCandle scores one candle against its predecessor (nil for the
// first of a series) and the series median volume (0 disables the
// volume checks).
func (s *Scorer) ScoreCandle(prev *persistence.Candle, c persistence.Candle, class calendar.AssetClass, medianVolume float64) Verdict {
	score := 1.0
	var notes []string
	v := Verdict{}

	if violatesConstraints(c) {
		score -= constraintPenalty
		notes = append(notes, "constraint_violation")
	}

	if c.Open > 0 && math.Abs(c.Close-c.Open)/c.Open >= extremeMoveRatio {
		score -= extremeMovePenalty
		notes = append(notes, "extreme_move")
	}

	if prev != nil && prev.Close > 0 {
		gap := math.Abs(c.Open-prev.Close) / prev.Close
		threshold := gapThresholds[class]
		// Monday opens on equities carry the weekend's news; they get the
		// full equity allowance even for the tighter ETF threshold.
		if calendar.IsMondayOpen(c.Time, prev.Time, class) {
			threshold = math.Max(threshold, gapThresholds[calendar.Stock])
		}
		if gap > threshold {
			score -= gapPenalty
			v.GapDetected = true
			notes = append(notes, "gap_detected")
		}
	}

	if medianVolume > 0 {
		switch {
		case c.Volume > volumeHighRatio*medianVolume:
			score -= volumeHighPenalty
			v.VolumeAnomaly = true
			notes = append(notes, "volume_high")
		case c.Volume < lowVolumeRatios[class]*medianVolume:
			score -= volumeLowPenalty
			v.VolumeAnomaly = true
			notes = append(notes, "volume_low")
		}
	}

	v.QualityScore = clamp01(score)
	v.Validated = v.QualityScore >= s.threshold
	v.Notes = strings.Join(notes, ",")
	return v
}

// ScoreRange scores a time-ordered sequence, deriving the median volume
// from the sequence itself and carrying the previous candle forward.
// The input is annotated in place and returned.
func (s *Scorer) ScoreRange(candles []persistence.Candle, class calendar.AssetClass) []persistence.Candle {
	if len(candles) == 0 {
		return candles
	}

	median := MedianVolume(candles)
	var prev *persistence.Candle
	for i := range candles {
		v := s.ScoreCandle(prev, candles[i], class, median)
		candles[i].QualityScore = v.QualityScore
		candles[i].Validated = v.Validated
		candles[i].ValidationNotes = v.Notes
		candles[i].GapDetected = v.GapDetected
		candles[i].VolumeAnomaly = v.VolumeAnomaly
		prev = &candles[i]
	}
	return candles
}

// MedianVolume computes the median volume over a candle window.
func MedianVolume(candles []persistence.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		volumes[i] = c.Volume
	}
	sort.Float64s(volumes)
	mid := len(volumes) / 2
	if len(volumes)%2 == 0 {
		return (volumes[mid-1] + volumes[mid]) / 2
	}
	return volumes[mid]
}

// SampleQuality averages the quality scores of an already-scored batch;
// the router uses it to compare sources.
func SampleQuality(candles []persistence.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles {
		sum += c.QualityScore
	}
	return sum / float64(len(candles))
}

func violatesConstraints(c persistence.Candle) bool {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return true
	}
	if c.Volume < 0 {
		return true
	}
	if c.High < math.Max(c.Open, c.Close) {
		return true
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return true
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
