package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttempts bounds the per-request retry loop.
	DefaultMaxAttempts = 5
	// DefaultBackoffBase is the first retry delay.
	DefaultBackoffBase = time.Second
	// DefaultBackoffCap limits the exponential growth.
	DefaultBackoffCap = 300 * time.Second

	backoffMultiplier = 2
)

// RESTConfig tunes the shared vendor HTTP transport.
type RESTConfig struct {
	Source      string
	Timeout     time.Duration
	RequestsPS  float64
	Burst       int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// RESTClient is the retrying, rate-limited GET transport shared by the
// vendor clients. One instance per upstream source.
type RESTClient struct {
	source      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	counters    Counters
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewRESTClient applies defaults for zero-valued config fields.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPS == 0 {
		cfg.RequestsPS = 5
	}
	if cfg.Burst == 0 {
		cfg.Burst = int(cfg.RequestsPS)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	return &RESTClient{
		source:      cfg.Source,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPS), cfg.Burst),
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
	}
}

// Counters exposes the request accounting for this source.
func (r *RESTClient) Counters() *Counters {
	return &r.counters
}

// GetJSON performs a GET with retry on connection errors, 5xx and 429,
// decoding a 2xx body into out. The error kind after exhaustion is
// rate_limited_exhausted only when every attempt was throttled.
func (r *RESTClient) GetJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	var lastErr error
	allRateLimited := true

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, r.backoffBase, r.backoffCap)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &Error{Source: r.source, Kind: KindUnavailable, Op: "get", Cause: ctx.Err()}
			}
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return &Error{Source: r.source, Kind: KindUnavailable, Op: "get", Cause: err}
		}
		r.counters.Request()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return &Error{Source: r.source, Kind: KindBadResponse, Op: "build request", Cause: err}
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			allRateLimited = false
			lastErr = err
			log.Warn().Str("source", r.source).Int("attempt", attempt+1).Err(err).Msg("vendor request failed")
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			r.counters.RateLimited()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			log.Warn().Str("source", r.source).Int("attempt", attempt+1).Msg("vendor rate limited")
			continue
		case resp.StatusCode >= 500:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			allRateLimited = false
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		case resp.StatusCode != http.StatusOK:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return &Error{Source: r.source, Kind: KindBadResponse, Op: "get", Cause: fmt.Errorf("status %d", resp.StatusCode)}
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return &Error{Source: r.source, Kind: KindBadResponse, Op: "decode", Cause: err}
		}
		return nil
	}

	kind := KindUnavailable
	if allRateLimited {
		kind = KindRateLimited
	}
	return &Error{Source: r.source, Kind: kind, Op: "get", Cause: lastErr}
}

// backoffDelay returns base * multiplier^n capped. n is zero-based.
func backoffDelay(n int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= backoffMultiplier
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
