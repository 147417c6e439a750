package polygon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlevault/candlevault/internal/providers"
	"github.com/candlevault/candlevault/internal/timeframe"
)

func newTestClient(srvURL string) *Client {
	return New(Config{
		APIKey:  "test-key",
		BaseURL: srvURL,
		REST: providers.RESTConfig{
			RequestsPS:  1000,
			BackoffBase: time.Millisecond,
			BackoffCap:  5 * time.Millisecond,
		},
	})
}

func TestFetchRange_MapsAggregateFields(t *testing.T) {
	var gotPath string
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{
			"ticker": "AAPL",
			"status": "OK",
			"results": [
				{"t": 1741003200000, "o": 100.5, "h": 102, "l": 99.5, "c": 101, "v": 25000, "vw": 100.9, "n": 420},
				{"t": 1741006800000, "o": 101, "h": 103, "l": 100, "c": 102.5, "v": 30000}
			]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	start := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	candles, err := c.FetchRange(context.Background(), "AAPL", timeframe.H1, start, end, false)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Contains(t, gotPath, "/v2/aggs/ticker/AAPL/range/1/hour/")
	assert.Contains(t, gotQuery, "apiKey=test-key")
	assert.Contains(t, gotQuery, "sort=asc")

	first := candles[0]
	assert.Equal(t, "AAPL", first.Symbol)
	assert.Equal(t, timeframe.H1, first.Timeframe)
	assert.Equal(t, time.UnixMilli(1741003200000).UTC(), first.Time)
	assert.Equal(t, 100.5, first.Open)
	assert.Equal(t, 102.0, first.High)
	assert.Equal(t, 99.5, first.Low)
	assert.Equal(t, 101.0, first.Close)
	assert.Equal(t, 25000.0, first.Volume)
	require.NotNil(t, first.VWAP)
	assert.Equal(t, 100.9, *first.VWAP)
	require.NotNil(t, first.TradeCount)
	assert.Equal(t, int64(420), *first.TradeCount)
	assert.Equal(t, SourceName, first.Source)

	// Optional fields stay nil when the vendor omits them.
	assert.Nil(t, candles[1].VWAP)
	assert.Nil(t, candles[1].TradeCount)
}

func TestFetchRange_CryptoTickerNormalization(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"status": "OK", "results": [
			{"t": 1741003200000, "o": 82000, "h": 82500, "l": 81000, "c": 82200, "v": 12.5}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

	candles, err := c.FetchRange(context.Background(), "BTC-USD", timeframe.D1, start, start.Add(24*time.Hour), true)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Contains(t, gotPath, "/v2/aggs/ticker/X:BTCUSD/range/1/day/")
	// The vendor ticker form never leaks into the candle itself.
	assert.Equal(t, "BTC-USD", candles[0].Symbol)
}

func TestFetchRange_PropagatesVendorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

	_, err := c.FetchRange(context.Background(), "AAPL", timeframe.H1, start, start.Add(time.Hour), false)
	require.Error(t, err)
	kind, ok := providers.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindUnavailable, kind)
}
