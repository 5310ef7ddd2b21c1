// Package binance implements the feed provider contract over the
// Binance spot and futures REST APIs.
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

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sony/gobreaker"
)

const (
	defaultBaseURL    = "https://api.binance.com"
	defaultFuturesURL = "https://fapi.binance.com"
	defaultTimeout    = 8 * time.Second

	// breakerCooldown is how long the circuit stays open after tripping.
	breakerCooldown = 30 * time.Second

	// breakerFailures trips the circuit after this many consecutive failures.
	breakerFailures = 5
)

// Client is a thin REST client over the Binance spot and futures APIs.
// All calls run through one circuit breaker, so a flapping upstream
// stops burning the poll budget until the cooldown passes.
type Client struct {
	baseURL    string
	futuresURL string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient builds a client with a pooled transport and circuit breaker.
// A zero timeout uses the default.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "binance",
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
	})

	return &Client{
		baseURL:    defaultBaseURL,
		futuresURL: defaultFuturesURL,
		httpClient: httpClient,
		breaker:    breaker,
	}
}

func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values, dest any) error {
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}

	body, err := c.breaker.Execute(func() (any, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if reqErr != nil {
			return nil, reqErr
		}

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return nil, doErr
		}

		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)

			return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
		}

		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return fmt.Errorf("binance request: %w", err)
	}

	raw, ok := body.([]byte)
	if !ok {
		return fmt.Errorf("binance request: unexpected body type %T", body)
	}

	unmarshalErr := json.Unmarshal(raw, dest)
	if unmarshalErr != nil {
		return fmt.Errorf("decode binance response: %w", unmarshalErr)
	}

	return nil
}

type exchangeInfoPayload struct {
	Symbols []exchangeSymbol `json:"symbols"`
}

type exchangeSymbol struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

// exchangeInfo lists the tradable symbols on spot.
func (c *Client) exchangeInfo(ctx context.Context) (*exchangeInfoPayload, error) {
	var info exchangeInfoPayload

	err := c.getJSON(ctx, c.baseURL+"/api/v3/exchangeInfo", nil, &info)
	if err != nil {
		return nil, err
	}

	return &info, nil
}

// klines fetches candles. Rows are positional arrays; entry 0 is the
// open time in milliseconds, entries 1-5 are OHLCV as strings.
func (c *Client) klines(
	ctx context.Context,
	symbol, interval string,
	startMS, endMS int64,
	limit int,
) ([][]any, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)

	if startMS > 0 {
		params.Set("startTime", strconv.FormatInt(startMS, 10))
	}

	if endMS > 0 {
		params.Set("endTime", strconv.FormatInt(endMS, 10))
	}

	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var rows [][]any

	err := c.getJSON(ctx, c.baseURL+"/api/v3/klines", params, &rows)
	if err != nil {
		return nil, err
	}

	return rows, nil
}

type depthSnapshot struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// depth fetches an order book snapshot of the top levels.
func (c *Client) depth(ctx context.Context, symbol string, limit int) (*depthSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	var snapshot depthSnapshot

	err := c.getJSON(ctx, c.baseURL+"/api/v3/depth", params, &snapshot)
	if err != nil {
		return nil, err
	}

	return &snapshot, nil
}

type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

// premiumIndex fetches the futures mark price and funding state.
func (c *Client) premiumIndex(ctx context.Context, symbol string) (*premiumIndex, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var index premiumIndex

	err := c.getJSON(ctx, c.futuresURL+"/fapi/v1/premiumIndex", params, &index)
	if err != nil {
		return nil, err
	}

	return &index, nil
}

// tickerPrice fetches the latest spot trade price.
func (c *Client) tickerPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var payload struct {
		Price string `json:"price"`
	}

	err := c.getJSON(ctx, c.baseURL+"/api/v3/ticker/price", params, &payload)
	if err != nil {
		return 0, err
	}

	price, parseErr := strconv.ParseFloat(payload.Price, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("parse ticker price %q: %w", payload.Price, parseErr)
	}

	return price, nil
}

func parseFloat(raw any) float64 {
	switch v := raw.(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}

		return f
	default:
		return 0
	}
}
