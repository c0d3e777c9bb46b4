package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"optflow/logger"
	"optflow/models"
)

// RESTConfig configures the history and listing client.
type RESTConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Currency       string        `yaml:"currency"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	Burst          int           `yaml:"burst"`
	Timeout        time.Duration `yaml:"timeout"`
}

// RESTClient wraps the venue's public JSON-RPC-over-HTTP endpoints.
// Every call waits on a shared rate limiter so backfill pressure never
// trips the venue's throttling.
type RESTClient struct {
	config     RESTConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Entry
}

func NewRESTClient(cfg RESTConfig) *RESTClient {
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &RESTClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		log:        logger.GetLogger().WithComponent("rest_client"),
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ParseError marks a response body the client could not decode. Unlike
// a transport failure, retrying the same request will not make the body
// readable, so callers should skip the page rather than retry it.
// Excerpt carries the head of the offending payload for the log line.
type ParseError struct {
	Method  string
	Excerpt string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s response: %v", e.Method, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// excerptLen bounds how much of a bad payload ends up in logs.
const excerptLen = 256

func payloadExcerpt(body []byte) string {
	if len(body) > excerptLen {
		body = body[:excerptLen]
	}
	return string(body)
}

// get performs one rate-limited GET and decodes the result envelope.
func (c *RESTClient) get(ctx context.Context, method string, query url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/api/v2/%s?%s",
		strings.TrimSuffix(c.config.BaseURL, "/"), method, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &ParseError{Method: method, Excerpt: payloadExcerpt(body), Err: err}
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s: venue error %d: %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return &ParseError{Method: method, Excerpt: payloadExcerpt(envelope.Result), Err: err}
	}
	return nil
}

// Instruments lists active option instruments for the currency.
func (c *RESTClient) Instruments(ctx context.Context) ([]models.Instrument, error) {
	q := url.Values{}
	q.Set("currency", c.config.Currency)
	q.Set("kind", "option")
	q.Set("expired", "false")
	var out []models.Instrument
	if err := c.get(ctx, "public/get_instruments", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TradesBetween pulls historical prints for one instrument, oldest
// first, capped at limit rows. Implements the backfill fetcher.
func (c *RESTClient) TradesBetween(ctx context.Context, instrument string, startMs, endMs int64, limit int) ([]models.TradeTick, error) {
	q := url.Values{}
	q.Set("instrument_name", instrument)
	q.Set("start_timestamp", strconv.FormatInt(startMs, 10))
	q.Set("end_timestamp", strconv.FormatInt(endMs, 10))
	q.Set("count", strconv.Itoa(limit))
	q.Set("include_old", "true")
	q.Set("sorting", "asc")
	var out struct {
		Trades []tradeRow `json:"trades"`
	}
	if err := c.get(ctx, "public/get_last_trades_by_instrument_and_time", q, &out); err != nil {
		return nil, err
	}
	ticks := make([]models.TradeTick, 0, len(out.Trades))
	for _, r := range out.Trades {
		if r.Instrument == "" {
			r.Instrument = instrument
		}
		ticks = append(ticks, models.TradeTick{
			TradeID:     r.TradeID,
			Instrument:  r.Instrument,
			TimestampMs: r.Timestamp,
			Amount:      r.Amount,
			Price:       r.Price,
			Side:        models.SideFromDirection(r.Direction),
			IV:          r.IV,
		})
	}
	return ticks, nil
}

// ReferencePrice reads the perpetual's ticker and prefers the index
// over the last print.
func (c *RESTClient) ReferencePrice(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("instrument_name", c.config.Currency+"-PERPETUAL")
	var out struct {
		IndexPrice float64 `json:"index_price"`
		LastPrice  float64 `json:"last_price"`
	}
	if err := c.get(ctx, "public/ticker", q, &out); err != nil {
		return 0, err
	}
	if out.IndexPrice > 0 {
		return out.IndexPrice, nil
	}
	if out.LastPrice > 0 {
		return out.LastPrice, nil
	}
	return 0, fmt.Errorf("perpetual ticker carried no price")
}

// Ticker reads one option's quote and greeks, for warming instruments
// the websocket is not yet streaming.
func (c *RESTClient) Ticker(ctx context.Context, instrument string) (models.TickerUpdate, error) {
	q := url.Values{}
	q.Set("instrument_name", instrument)
	var raw json.RawMessage
	if err := c.get(ctx, "public/ticker", q, &raw); err != nil {
		return models.TickerUpdate{}, err
	}
	u, ok := parseTicker(instrument, raw)
	if !ok {
		return models.TickerUpdate{}, fmt.Errorf("ticker for %s unreadable", instrument)
	}
	return u, nil
}

// OpenInterest pulls the bulk option book summary for the currency.
func (c *RESTClient) OpenInterest(ctx context.Context) ([]models.OpenInterest, error) {
	q := url.Values{}
	q.Set("currency", c.config.Currency)
	q.Set("kind", "option")
	q.Set("expired", "false")
	var out []models.OpenInterest
	if err := c.get(ctx, "public/get_book_summary_by_currency", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}
