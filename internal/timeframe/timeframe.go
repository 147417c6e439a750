// Package timeframe defines the closed set of candle bucket sizes the
// warehouse stores and the vendor-facing (multiplier, unit) mapping for
// each code.
package timeframe

import (
	"fmt"
	"time"
)

// Timeframe is one of the enumerated bucket codes.
type Timeframe string

const (
	M5  Timeframe = "5m"
	M15 Timeframe = "15m"
	M30 Timeframe = "30m"
	H1  Timeframe = "1h"
	H4  Timeframe = "4h"
	D1  Timeframe = "1d"
	W1  Timeframe = "1w"
)

// WorkerOrder is the fixed processing order inside a backfill unit loop:
// finer (slower to fetch) timeframes first so vendor slowdowns degrade
// the coarse series last.
var WorkerOrder = []Timeframe{M5, M15, M30, H1, H4, D1, W1}

// Default is the timeframe set assigned to newly registered symbols.
var Default = []Timeframe{H1, D1}

var durations = map[Timeframe]time.Duration{
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	D1:  24 * time.Hour,
	W1:  7 * 24 * time.Hour,
}

// VendorSpan is the (multiplier, unit) pair vendors expect for a bucket.
type VendorSpan struct {
	Multiplier int
	Unit       string // "minute", "hour", "day", "week"
}

var spans = map[Timeframe]VendorSpan{
	M5:  {5, "minute"},
	M15: {15, "minute"},
	M30: {30, "minute"},
	H1:  {1, "hour"},
	H4:  {4, "hour"},
	D1:  {1, "day"},
	W1:  {1, "week"},
}

// Parse validates a timeframe code against the closed set.
func Parse(code string) (Timeframe, error) {
	tf := Timeframe(code)
	if _, ok := durations[tf]; !ok {
		return "", fmt.Errorf("invalid timeframe %q: must be one of 5m, 15m, 30m, 1h, 4h, 1d, 1w", code)
	}
	return tf, nil
}

// ParseAll validates a list of codes, preserving order and rejecting the
// whole list on the first invalid entry.
func ParseAll(codes []string) ([]Timeframe, error) {
	out := make([]Timeframe, 0, len(codes))
	for _, c := range codes {
		tf, err := Parse(c)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

// Valid reports whether code is in the closed set.
func Valid(code string) bool {
	_, err := Parse(code)
	return err == nil
}

// Duration returns the bucket width.
func (tf Timeframe) Duration() time.Duration {
	return durations[tf]
}

// Span returns the vendor (multiplier, unit) pair.
func (tf Timeframe) Span() VendorSpan {
	return spans[tf]
}

// String implements fmt.Stringer.
func (tf Timeframe) String() string {
	return string(tf)
}

// Sort orders tfs in place following WorkerOrder. Unknown codes (which
// Parse would have rejected) sort last.
func Sort(tfs []Timeframe) {
	rank := make(map[Timeframe]int, len(WorkerOrder))
	for i, tf := range WorkerOrder {
		rank[tf] = i
	}
	for i := 1; i < len(tfs); i++ {
		for j := i; j > 0; j-- {
			ri, ok1 := rank[tfs[j]]
			rj, ok2 := rank[tfs[j-1]]
			if !ok1 {
				ri = len(WorkerOrder)
			}
			if !ok2 {
				rj = len(WorkerOrder)
			}
			if ri < rj {
				tfs[j], tfs[j-1] = tfs[j-1], tfs[j]
			} else {
				break
			}
		}
	}
}

// Strings converts a timeframe slice to its string codes.
func Strings(tfs []Timeframe) []string {
	out := make([]string, len(tfs))
	for i, tf := range tfs {
		out[i] = string(tf)
	}
	return out
}
