package providers

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/timeframe"
)

// Client fetches candle ranges from one upstream vendor. Implementations
// tag every returned candle with their source identifier and surface
// failures as *Error.
type Client interface {
	Source() string
	FetchRange(ctx context.Context, symbol string, tf timeframe.Timeframe, start, end time.Time, crypto bool) ([]persistence.Candle, error)
}

// Counters tracks per-client request accounting. Safe for concurrent use.
type Counters struct {
	totalRequests uint64
	rateLimited   uint64
}

func (c *Counters) Request()     { atomic.AddUint64(&c.totalRequests, 1) }
func (c *Counters) RateLimited() { atomic.AddUint64(&c.rateLimited, 1) }

func (c *Counters) TotalRequests() uint64 { return atomic.LoadUint64(&c.totalRequests) }
func (c *Counters) RateLimitedCount() uint64 { return atomic.LoadUint64(&c.rateLimited) }

// NormalizeSymbol canonicalizes a vendor path segment. Crypto pairs drop
// hyphens (BTC-USD becomes BTCUSD); equities pass through uppercased.
func NormalizeSymbol(symbol string, crypto bool) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if crypto {
		s = strings.ReplaceAll(s, "-", "")
		s = strings.ReplaceAll(s, "/", "")
	}
	return s
}
