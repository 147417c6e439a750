// Package alpaca implements the secondary bars vendor client.
package alpaca

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/providers"
	"github.com/candlevault/candlevault/internal/timeframe"
)

const (
	// SourceName tags candles fetched by this client.
	SourceName = "alpaca"

	defaultBaseURL = "https://data.alpaca.markets"
	pageLimit      = 10000
	maxPages       = 20
)

// Config carries the client credentials and transport tuning.
type Config struct {
	KeyID     string
	SecretKey string
	BaseURL   string
	REST      providers.RESTConfig
}

// Client fetches OHLCV bars from the Alpaca Market Data REST API.
type Client struct {
	keyID   string
	secret  string
	baseURL string
	rest    *providers.RESTClient
}

type bar struct {
	Time       time.Time `json:"t"`
	Open       float64   `json:"o"`
	High       float64   `json:"h"`
	Low        float64   `json:"l"`
	Close      float64   `json:"c"`
	Volume     float64   `json:"v"`
	VWAP       *float64  `json:"vw,omitempty"`
	TradeCount *int64    `json:"n,omitempty"`
}

type barsResponse struct {
	Bars          []bar   `json:"bars"`
	NextPageToken *string `json:"next_page_token"`
}

// barSpans maps timeframes to Alpaca's timeframe strings.
var barSpans = map[timeframe.Timeframe]string{
	timeframe.M5:  "5Min",
	timeframe.M15: "15Min",
	timeframe.M30: "30Min",
	timeframe.H1:  "1Hour",
	timeframe.H4:  "4Hour",
	timeframe.D1:  "1Day",
	timeframe.W1:  "1Week",
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.REST.Source = SourceName
	return &Client{
		keyID:   cfg.KeyID,
		secret:  cfg.SecretKey,
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

// FetchRange pulls bars for [start, end], following pagination tokens.
func (c *Client) FetchRange(ctx context.Context, symbol string, tf timeframe.Timeframe, start, end time.Time, crypto bool) ([]persistence.Candle, error) {
	span, ok := barSpans[tf]
	if !ok {
		return nil, &providers.Error{Source: SourceName, Kind: providers.KindBadResponse, Op: "timeframe", Cause: fmt.Errorf("unsupported timeframe %q", tf)}
	}

	canonical := providers.NormalizeSymbol(symbol, crypto)
	path := fmt.Sprintf("%s/v2/stocks/%s/bars", c.baseURL, url.PathEscape(canonical))

	headers := map[string]string{
		"APCA-API-KEY-ID":     c.keyID,
		"APCA-API-SECRET-KEY": c.secret,
	}

	var candles []persistence.Candle
	var pageToken string
	for page := 0; page < maxPages; page++ {
		q := url.Values{
			"timeframe":  {span},
			"start":      {start.UTC().Format(time.RFC3339)},
			"end":        {end.UTC().Format(time.RFC3339)},
			"limit":      {fmt.Sprint(pageLimit)},
			"adjustment": {"raw"},
		}
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}

		var resp barsResponse
		if err := c.rest.GetJSON(ctx, path+"?"+q.Encode(), headers, &resp); err != nil {
			return nil, err
		}

		for _, b := range resp.Bars {
			candles = append(candles, persistence.Candle{
				// Rows are keyed on the registry symbol, not the vendor form.
				Symbol:     symbol,
				Timeframe:  tf,
				Time:       b.Time.UTC(),
				Open:       b.Open,
				High:       b.High,
				Low:        b.Low,
				Close:      b.Close,
				Volume:     b.Volume,
				VWAP:       b.VWAP,
				TradeCount: b.TradeCount,
				Source:     SourceName,
			})
		}

		if resp.NextPageToken == nil || strings.TrimSpace(*resp.NextPageToken) == "" {
			break
		}
		pageToken = *resp.NextPageToken
	}
	return candles, nil
}
