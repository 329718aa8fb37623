package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/rewired-gh/tradesync/internal/logger"
)

// APIError is a non-2xx reply from the brokerage.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("broker returned status %d: %s", e.StatusCode, e.Message)
}

// ClientConfig holds Alpaca connection settings.
type ClientConfig struct {
	TradingURL    string
	DataURL       string
	APIKey        string
	SecretKey     string
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// AlpacaClient implements Broker against the Alpaca REST API.
type AlpacaClient struct {
	tradingURL    string
	dataURL       string
	apiKey        string
	secretKey     string
	httpClient    *http.Client
	maxRetries    int
	retryInterval time.Duration
	log           zerolog.Logger
}

// NewAlpacaClient creates a client. Reads are retried on network errors and
// 5xx replies; order submission is never retried.
func NewAlpacaClient(cfg ClientConfig) *AlpacaClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &AlpacaClient{
		tradingURL:    strings.TrimRight(cfg.TradingURL, "/"),
		dataURL:       strings.TrimRight(cfg.DataURL, "/"),
		apiKey:        cfg.APIKey,
		secretKey:     cfg.SecretKey,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		log:           logger.With("broker"),
	}
}

func (c *AlpacaClient) GetAccount(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.getJSON(ctx, c.tradingURL+"/v2/account", &acct); err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}
	return &acct, nil
}

func (c *AlpacaClient) GetPositions(ctx context.Context) ([]Position, error) {
	positions := []Position{}
	if err := c.getJSON(ctx, c.tradingURL+"/v2/positions", &positions); err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	return positions, nil
}

// GetBars returns up to limit most recent bars for symbol, oldest first.
func (c *AlpacaClient) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	if timeframe == "" {
		timeframe = "1Day"
	}
	if limit <= 0 {
		limit = 30
	}
	q := url.Values{}
	q.Set("timeframe", timeframe)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("start", time.Now().Add(-lookback(timeframe, limit)).UTC().Format(time.RFC3339))
	q.Set("feed", "iex")
	q.Set("sort", "desc")
	u := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.dataURL, url.PathEscape(strings.ToUpper(symbol)), q.Encode())

	var resp struct {
		Bars []Bar `json:"bars"`
	}
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch bars for %s: %w", symbol, err)
	}
	// Requested newest-first so limit keeps the latest bars; callers get them oldest-first.
	bars := make([]Bar, len(resp.Bars))
	for i, b := range resp.Bars {
		bars[len(bars)-1-i] = b
	}
	return bars, nil
}

// lookback sizes the start of a bar query generously enough to cover
// weekends and market closures.
func lookback(timeframe string, limit int) time.Duration {
	unit := 24 * time.Hour
	switch {
	case strings.HasSuffix(timeframe, "Min"):
		unit = time.Minute
	case strings.HasSuffix(timeframe, "Hour"):
		unit = time.Hour
	case strings.HasSuffix(timeframe, "Week"):
		unit = 7 * 24 * time.Hour
	}
	n, err := strconv.Atoi(strings.TrimRight(timeframe, "MinHourDayWeek"))
	if err != nil || n <= 0 {
		n = 1
	}
	d := time.Duration(n*limit) * unit * 3
	if d < 4*24*time.Hour {
		d = 4 * 24 * time.Hour
	}
	return d
}

func (c *AlpacaClient) GetPortfolioHistory(ctx context.Context, period, timeframe string) (*PortfolioHistory, error) {
	if period == "" {
		period = "1M"
	}
	if timeframe == "" {
		timeframe = "1D"
	}
	q := url.Values{}
	q.Set("period", period)
	q.Set("timeframe", timeframe)

	var history PortfolioHistory
	if err := c.getJSON(ctx, c.tradingURL+"/v2/account/portfolio/history?"+q.Encode(), &history); err != nil {
		return nil, fmt.Errorf("failed to fetch portfolio history: %w", err)
	}
	return &history, nil
}

// CreateOrder submits an order once. A failure here is never retried since
// the order may have reached the exchange.
func (c *AlpacaClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tradingURL+"/v2/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to submit order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, decodeAPIError(resp)
	}
	var order Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	c.log.Info().Str("order", order.ID).Str("symbol", order.Symbol).Str("status", order.Status).Msg("order submitted")
	return &order, nil
}

func (c *AlpacaClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
	return c.httpClient.Do(req)
}

// getJSON performs a GET with retry and decodes the body into out.
func (c *AlpacaClient) getJSON(ctx context.Context, urlStr string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return decodeAPIError(resp)
		}
		if resp.StatusCode/100 != 2 {
			return backoff.Permanent(decodeAPIError(resp))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Dur("wait", wait).Str("url", urlStr).Msg("retrying broker request")
	}
	return backoff.RetryNotify(op, b, notify)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// IsAPIError reports whether err carries a brokerage reply with the given status.
func IsAPIError(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
