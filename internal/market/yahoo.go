// Package market fetches daily closing prices from the Yahoo Finance chart API.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"munymo/internal/metrics"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://query1.finance.yahoo.com"

	defaultRateLimit = 2.0
	defaultBurst     = 2
	lookbackDays     = 10
)

var (
	ErrNoBar       = errors.New("no daily bar for date")
	ErrUnavailable = errors.New("market data unavailable")
)

// Bar is one trading day for a ticker. PrevClose is the close of the previous
// trading day, so Close/PrevClose is the day's move.
type Bar struct {
	Ticker    string          `json:"ticker"`
	Date      time.Time       `json:"date"`
	PrevClose decimal.Decimal `json:"prev_close"`
	Close     decimal.Decimal `json:"close"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	log        *slog.Logger
	metrics    *metrics.Registry
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, burst)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "yahoo-chart",
		Interval: time.Minute,
		Timeout:  time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.25
		},
		// A missing bar is a data answer, not a provider failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoBar)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("market breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// DailyBar returns the bar whose exchange-local trading date equals date.
func (c *Client) DailyBar(ctx context.Context, ticker string, date time.Time) (Bar, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return Bar{}, fmt.Errorf("ticker is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Bar{}, err
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		raw, err := c.fetchChart(ctx, ticker, date)
		if err != nil {
			return nil, err
		}
		return parseDailyBar(ticker, date, raw)
	})
	switch {
	case err == nil:
		c.metrics.ObserveMarketFetch("ok")
		return out.(Bar), nil
	case errors.Is(err, ErrNoBar):
		c.metrics.ObserveMarketFetch("no_bar")
		return Bar{}, err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.metrics.ObserveMarketFetch("breaker_open")
		return Bar{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		c.metrics.ObserveMarketFetch("error")
		return Bar{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, ticker, err)
	}
}

func (c *Client) fetchChart(ctx context.Context, ticker string, date time.Time) ([]byte, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	params := url.Values{}
	params.Set("interval", "1d")
	params.Set("period1", fmt.Sprintf("%d", day.AddDate(0, 0, -lookbackDays).Unix()))
	params.Set("period2", fmt.Sprintf("%d", day.AddDate(0, 0, 2).Unix()))
	params.Set("includePrePost", "false")
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(ticker), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; munymo/1.0)")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		// Yahoo answers unknown symbols with 404 and a chart.error body.
		return body, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yahoo status %d", resp.StatusCode)
	}
	return body, nil
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				Gmtoffset          int     `json:"gmtoffset"`
				ChartPreviousClose float64 `json:"chartPreviousClose"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func parseDailyBar(ticker string, date time.Time, raw []byte) (Bar, error) {
	var resp chartResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Bar{}, fmt.Errorf("decode chart: %w", err)
	}
	if resp.Chart.Error != nil {
		return Bar{}, fmt.Errorf("%w: yahoo %s: %s", ErrNoBar, resp.Chart.Error.Code, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return Bar{}, fmt.Errorf("%w: empty chart for %s", ErrNoBar, ticker)
	}
	result := resp.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return Bar{}, fmt.Errorf("%w: no quotes for %s", ErrNoBar, ticker)
	}
	closes := result.Indicators.Quote[0].Close
	if len(closes) != len(result.Timestamp) {
		return Bar{}, fmt.Errorf("misaligned chart for %s: %d timestamps, %d closes", ticker, len(result.Timestamp), len(closes))
	}

	loc := time.FixedZone("exchange", result.Meta.Gmtoffset)
	want := date.Format("2006-01-02")
	prev := result.Meta.ChartPreviousClose
	for i, ts := range result.Timestamp {
		if closes[i] == nil || *closes[i] <= 0 {
			continue
		}
		day := time.Unix(ts, 0).In(loc).Format("2006-01-02")
		if day == want {
			if prev <= 0 {
				return Bar{}, fmt.Errorf("%w: no previous close for %s on %s", ErrNoBar, ticker, want)
			}
			return Bar{
				Ticker:    ticker,
				Date:      time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC),
				PrevClose: decimal.NewFromFloat(prev),
				Close:     decimal.NewFromFloat(*closes[i]),
			}, nil
		}
		if day > want {
			break
		}
		prev = *closes[i]
	}
	return Bar{}, fmt.Errorf("%w: %s on %s", ErrNoBar, ticker, want)
}
