// Package providers defines the vendor client contract, the shared
// retrying transport, and the multi-source router.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/candlevault/candlevault/internal/calendar"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/telemetry"
	"github.com/candlevault/candlevault/internal/timeframe"
	"github.com/candlevault/candlevault/internal/validate"
)

const (
	// improvementMargin is how much better a later source's sample
	// quality must be to displace an earlier viable one.
	improvementMargin = 0.05
)

// RouterConfig tunes fallback behavior.
type RouterConfig struct {
	// QualityThreshold is the minimum sample quality before the router
	// tries the next source. Zero disables quality-driven fallback.
	QualityThreshold float64
	// BreakerTimeout is how long an opened breaker stays open.
	BreakerTimeout time.Duration
	// BreakerFailures is the consecutive-failure trip count.
	BreakerFailures uint32
}

// Router tries an ordered list of vendor clients and returns the best
// viable result, tagged per candle with the originating source.
type Router struct {
	clients   []Client
	scorer    *validate.Scorer
	threshold float64
	breakers  map[string]*gobreaker.CircuitBreaker
	metrics   *telemetry.Metrics
}

// SetMetrics attaches optional Prometheus collectors.
func (r *Router) SetMetrics(m *telemetry.Metrics) {
	r.metrics = m
}

func (r *Router) recordFallback(source, reason string) {
	if r.metrics != nil {
		r.metrics.VendorFallbacks.WithLabelValues(source, reason).Inc()
	}
}

// RouteError summarizes the failure of every attempted source.
type RouteError struct {
	Attempts map[string]error
}

func (e *RouteError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for source, err := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", source, err))
	}
	return "all sources failed: " + strings.Join(parts, "; ")
}

// NewRouter builds a router over clients in priority order. The scorer
// is used only for sample-quality comparison; authoritative validation
// stays with the caller.
func NewRouter(cfg RouterConfig, scorer *validate.Scorer, clients ...Client) *Router {
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 60 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(clients))
	for _, c := range clients {
		failures := cfg.BreakerFailures
		breakers[c.Source()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    c.Source(),
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("source", name).Str("from", from.String()).Str("to", to.String()).Msg("vendor breaker state change")
			},
		})
	}
	return &Router{
		clients:   clients,
		scorer:    scorer,
		threshold: cfg.QualityThreshold,
		breakers:  breakers,
	}
}

// FetchRange walks the source chain. Returned candles are scored and
// annotated; the second return is the winning source tag.
//
// A source is viable when it returns a non-empty set whose sample
// quality meets the threshold. A later source displaces an earlier
// viable one only when its sample quality is better by more than 5%.
func (r *Router) FetchRange(ctx context.Context, symbol string, tf timeframe.Timeframe, start, end time.Time, class calendar.AssetClass) ([]persistence.Candle, string, error) {
	crypto := class == calendar.Crypto
	failures := make(map[string]error)

	var best []persistence.Candle
	var bestSource string
	var bestQuality float64
	haveBest := false

	for _, client := range r.clients {
		candles, err := r.fetchOne(ctx, client, symbol, tf, start, end, crypto)
		if err != nil {
			failures[client.Source()] = err
			if !Retriable(err) && !haveBest {
				return nil, "", err
			}
			if kind, ok := KindOf(err); ok {
				r.recordFallback(client.Source(), kind.String())
			} else {
				r.recordFallback(client.Source(), "error")
			}
			continue
		}
		if len(candles) == 0 {
			// An empty range is a legitimate answer, not a failure.
			if !haveBest {
				return candles, client.Source(), nil
			}
			continue
		}

		scored := r.scorer.ScoreRange(candles, class)
		quality := validate.SampleQuality(scored)

		viable := r.threshold == 0 || quality >= r.threshold
		bestViable := haveBest && (r.threshold == 0 || bestQuality >= r.threshold)
		switch {
		case !haveBest:
			best, bestSource, bestQuality = scored, client.Source(), quality
			haveBest = true
		case viable && !bestViable:
			best, bestSource, bestQuality = scored, client.Source(), quality
		case quality > bestQuality*(1+improvementMargin):
			best, bestSource, bestQuality = scored, client.Source(), quality
		}

		if r.threshold == 0 || bestQuality >= r.threshold {
			return best, bestSource, nil
		}
		r.recordFallback(client.Source(), "low_quality")
		log.Warn().
			Str("source", client.Source()).
			Str("symbol", symbol).
			Str("timeframe", tf.String()).
			Float64("sample_quality", quality).
			Float64("threshold", r.threshold).
			Msg("sample quality below threshold, trying next source")
	}

	if haveBest {
		// Every source was exhausted without meeting the threshold;
		// the best low-quality sample still beats no data.
		return best, bestSource, nil
	}
	return nil, "", &RouteError{Attempts: failures}
}

func (r *Router) fetchOne(ctx context.Context, client Client, symbol string, tf timeframe.Timeframe, start, end time.Time, crypto bool) ([]persistence.Candle, error) {
	breaker := r.breakers[client.Source()]
	result, err := breaker.Execute(func() (interface{}, error) {
		return client.FetchRange(ctx, symbol, tf, start, end, crypto)
	})
	if r.metrics != nil {
		r.metrics.VendorRequests.WithLabelValues(client.Source()).Inc()
		if kind, ok := KindOf(err); ok && kind == KindRateLimited {
			r.metrics.VendorRateLimited.WithLabelValues(client.Source()).Inc()
		}
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Source: client.Source(), Kind: KindUnavailable, Op: "breaker", Cause: err}
		}
		return nil, err
	}
	return result.([]persistence.Candle), nil
}
