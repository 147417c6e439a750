package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveHTTP(t *testing.T) {
	m := New()

	m.ObserveHTTP("/health", 200, 3*time.Millisecond)
	m.ObserveHTTP("/health", 200, 5*time.Millisecond)
	m.ObserveHTTP("/historical/{symbol}", 404, time.Millisecond)
	m.ObserveHTTP("/backfill", 503, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/health", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/historical/{symbol}", "4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/backfill", "5xx")))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.VendorRequests.WithLabelValues("polygon").Inc()
	m.CandlesUpserted.WithLabelValues("1h").Add(42)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `candlevault_vendor_requests_total{source="polygon"} 1`))
	assert.True(t, strings.Contains(body, `candlevault_candles_upserted_total{timeframe="1h"} 42`))
}

func TestStatusClasses(t *testing.T) {
	assert.Equal(t, "2xx", httpStatusClass(204))
	assert.Equal(t, "3xx", httpStatusClass(302))
	assert.Equal(t, "4xx", httpStatusClass(422))
	assert.Equal(t, "5xx", httpStatusClass(500))
}
