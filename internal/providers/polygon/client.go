// Package polygon implements the primary aggregate-bars vendor client.
package polygon

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/providers"
	"github.com/candlevault/candlevault/internal/timeframe"
)

const (
	// SourceName tags candles fetched by this client.
	SourceName = "polygon"

	defaultBaseURL = "https://api.polygon.io"
	resultLimit    = 50000
)

// Config carries the client credentials and transport tuning.
type Config struct {
	APIKey  string
	BaseURL string
	REST    providers.RESTConfig
}

// Client fetches OHLCV aggregates from the Polygon v2 REST API.
type Client struct {
	apiKey  string
	baseURL string
	rest    *providers.RESTClient
}

// aggsResponse mirrors the v2 aggregates payload; bar fields are the
// vendor's single-letter keys.
type aggsResponse struct {
	Ticker  string `json:"ticker"`
	Status  string `json:"status"`
	Results []struct {
		Time       int64    `json:"t"`
		Open       float64  `json:"o"`
		High       float64  `json:"h"`
		Low        float64  `json:"l"`
		Close      float64  `json:"c"`
		Volume     float64  `json:"v"`
		VWAP       *float64 `json:"vw,omitempty"`
		TradeCount *int64   `json:"n,omitempty"`
	} `json:"results"`
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.REST.Source = SourceName
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		rest:    providers.NewRESTClient(cfg.REST),
	}
}

func (c *Client) Source() string {
	return SourceName
}

// Counters exposes request accounting for the status endpoint.
func (c *Client) Counters() *providers.Counters {
	return c.rest.Counters()
}

// FetchRange pulls aggregate bars for [start, end]. An empty result set
// is returned as an empty slice, not an error.
func (c *Client) FetchRange(ctx context.Context, symbol string, tf timeframe.Timeframe, start, end time.Time, crypto bool) ([]persistence.Candle, error) {
	span := tf.Span()
	ticker := providers.NormalizeSymbol(symbol, crypto)
	if crypto {
		ticker = "X:" + ticker
	}

	u := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%d/%d?%s",
		c.baseURL,
		url.PathEscape(ticker),
		span.Multiplier,
		span.Unit,
		start.UnixMilli(),
		end.UnixMilli(),
		url.Values{
			"adjusted": {"true"},
			"sort":     {"asc"},
			"limit":    {fmt.Sprint(resultLimit)},
			"apiKey":   {c.apiKey},
		}.Encode(),
	)

	var resp aggsResponse
	if err := c.rest.GetJSON(ctx, u, nil, &resp); err != nil {
		return nil, err
	}

	candles := make([]persistence.Candle, 0, len(resp.Results))
	for _, bar := range resp.Results {
		candles = append(candles, persistence.Candle{
			// Rows are keyed on the registry symbol, not the vendor ticker.
			Symbol:     symbol,
			Timeframe:  tf,
			Time:       time.UnixMilli(bar.Time).UTC(),
			Open:       bar.Open,
			High:       bar.High,
			Low:        bar.Low,
			Close:      bar.Close,
			Volume:     bar.Volume,
			VWAP:       bar.VWAP,
			TradeCount: bar.TradeCount,
			Source:     SourceName,
		})
	}
	return candles, nil
}
