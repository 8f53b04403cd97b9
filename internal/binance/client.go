// Package binance implements the exchange adapters: a REST client for
// historical kline backfill and WebSocket streams for live klines and
// aggregated trades. The engine consumes plain market.Kline and market.Trade
// values; everything exchange-specific stays in this package.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-signal-engine/internal/market"
)

// MaxKlinesPerRequest is the exchange's page size cap.
const MaxKlinesPerRequest = 1500

// Client is a REST client for the futures market data endpoints. Market
// data needs no API key.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a REST client against the given futures base URL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("component", "binance_rest").Logger(),
	}
}

// GetKlines fetches one page of closed candlesticks in [start, end).
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]market.Kline, error) {
	if limit <= 0 || limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/fapi/v1/klines?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error building kline request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]market.Kline, 0, len(rawKlines))
	for _, raw := range rawKlines {
		k, err := parseRawKline(symbol, interval, raw)
		if err != nil {
			return nil, err
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// GetKlineRange pages through [start, end] and returns the full ascending
// run of closed bars.
func (c *Client) GetKlineRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Kline, error) {
	var all []market.Kline
	cursor := start
	for cursor.Before(end) {
		page, err := c.GetKlines(ctx, symbol, interval, cursor, end, MaxKlinesPerRequest)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		last := page[len(page)-1].Timestamp
		next := last.Add(time.Minute)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	c.log.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("klines", len(all)).
		Msg("downloaded kline range")
	return all, nil
}

func parseRawKline(symbol, interval string, raw []interface{}) (market.Kline, error) {
	if len(raw) < 7 {
		return market.Kline{}, fmt.Errorf("malformed kline row for %s: %d fields", symbol, len(raw))
	}
	openTime, ok := raw[0].(float64)
	if !ok {
		return market.Kline{}, fmt.Errorf("malformed kline open time for %s", symbol)
	}
	open, err := parseDecimal(raw[1])
	if err != nil {
		return market.Kline{}, fmt.Errorf("kline open for %s: %w", symbol, err)
	}
	high, err := parseDecimal(raw[2])
	if err != nil {
		return market.Kline{}, fmt.Errorf("kline high for %s: %w", symbol, err)
	}
	low, err := parseDecimal(raw[3])
	if err != nil {
		return market.Kline{}, fmt.Errorf("kline low for %s: %w", symbol, err)
	}
	closePx, err := parseDecimal(raw[4])
	if err != nil {
		return market.Kline{}, fmt.Errorf("kline close for %s: %w", symbol, err)
	}
	volume, err := parseDecimal(raw[5])
	if err != nil {
		return market.Kline{}, fmt.Errorf("kline volume for %s: %w", symbol, err)
	}

	return market.Kline{
		Symbol:    symbol,
		Timeframe: interval,
		Timestamp: time.UnixMilli(int64(openTime)).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
		IsClosed:  true,
	}, nil
}

func parseDecimal(v interface{}) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("expected string price, got %T", v)
	}
	return decimal.NewFromString(s)
}
