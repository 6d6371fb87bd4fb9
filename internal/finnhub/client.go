package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/trogers1052/stock-quote-pipeline/internal/logx"
	"github.com/trogers1052/stock-quote-pipeline/internal/models"
	"github.com/trogers1052/stock-quote-pipeline/internal/namecache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultBaseURL      = "https://finnhub.io/api/v1"
	defaultTimeout      = 30 * time.Second
	defaultHealthSymbol = "AAPL"
	defaultNameRetries  = 2
	defaultRetryBackoff = time.Second
	defaultNegativeTTL  = 10 * time.Minute

	quotePath   = "/quote"
	profilePath = "/stock/profile2"
)

var (
	// ErrMissingPrice is returned when a quote response has no current price
	ErrMissingPrice = errors.New("finnhub: response has no current price")
	// ErrUnexpectedStatus is returned for any non-2xx response
	ErrUnexpectedStatus = errors.New("finnhub: unexpected status")

	errNoName = errors.New("finnhub: profile has no name")
)

// Stats is a snapshot of request accounting
type Stats struct {
	Requests    int64   `json:"total_requests"`
	Errors      int64   `json:"total_errors"`
	SuccessRate float64 `json:"success_rate"`
}

// Client talks to the Finnhub REST API and owns the company name cache
type Client struct {
	baseURL      string
	apiKey       string
	timeout      time.Duration
	healthSymbol string
	httpClient   HTTPClient

	names        namecache.Store
	negativeTTL  time.Duration
	nameRetries  uint64
	retryBackoff time.Duration
	lookups      singleflight.Group

	requests atomic.Int64
	failures atomic.Int64

	log *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL sets the API base URL
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient sets the HTTP client used for every request
func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds each individual round trip
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHealthSymbol sets the ticker used by HealthCheck
func WithHealthSymbol(symbol string) Option {
	return func(c *Client) { c.healthSymbol = symbol }
}

// WithNameStore replaces the in-memory name cache
func WithNameStore(s namecache.Store) Option {
	return func(c *Client) { c.names = s }
}

// WithNegativeTTL sets how long a failed name lookup is remembered. Zero keeps it forever.
func WithNegativeTTL(d time.Duration) Option {
	return func(c *Client) { c.negativeTTL = d }
}

// WithNameRetry sets the retry count and initial backoff for name lookups
func WithNameRetry(retries uint64, initial time.Duration) Option {
	return func(c *Client) {
		c.nameRetries = retries
		c.retryBackoff = initial
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Finnhub client
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:      defaultBaseURL,
		apiKey:       apiKey,
		timeout:      defaultTimeout,
		healthSymbol: defaultHealthSymbol,
		negativeTTL:  defaultNegativeTTL,
		nameRetries:  defaultNameRetries,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient(c.timeout)
	}
	if c.names == nil {
		c.names = namecache.NewMemoryStore()
	}
	c.log = logx.OrNop(c.log)
	return c
}

// FetchQuote performs one /quote round trip.
// Every call counts as a request; any failure, including a response without a price, counts as an error.
func (c *Client) FetchQuote(ctx context.Context, symbol string) (*models.RawQuote, error) {
	c.requests.Add(1)

	var quote models.RawQuote
	err := c.getJSON(ctx, quotePath, symbol, &quote)
	if err == nil && !quote.HasPrice() {
		err = ErrMissingPrice
	}
	if err != nil {
		c.failures.Add(1)
		c.log.Warn("quote_fetch_failed", zap.String("symbol", symbol), zap.Error(err))
		return nil, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
	}

	c.log.Debug("quote_fetched", zap.String("symbol", symbol), zap.Float64("price", *quote.CurrentPrice))
	return &quote, nil
}

// ResolveName returns the company name for symbol, consulting the cache first.
// When the provider cannot resolve it the symbol itself is returned and cached as a fallback.
func (c *Client) ResolveName(ctx context.Context, symbol string) string {
	if name, ok := c.cachedName(ctx, symbol); ok {
		return name
	}

	v, _, _ := c.lookups.Do(symbol, func() (interface{}, error) {
		if name, ok := c.cachedName(ctx, symbol); ok {
			return name, nil
		}

		name, err := c.lookupName(ctx, symbol)
		if err != nil && ctx.Err() != nil {
			// caller gave up; the provider never answered, so nothing is cached
			c.log.Debug("name_lookup_cancelled", zap.String("symbol", symbol), zap.Error(err))
			return symbol, nil
		}
		if err != nil {
			c.log.Warn("name_lookup_failed", zap.String("symbol", symbol), zap.Error(err))
			if err := c.names.SetFallback(ctx, symbol, c.negativeTTL); err != nil {
				c.log.Warn("name_cache_write_failed", zap.String("symbol", symbol), zap.Error(err))
			}
			return symbol, nil
		}

		if err := c.names.SetName(ctx, symbol, name); err != nil {
			c.log.Warn("name_cache_write_failed", zap.String("symbol", symbol), zap.Error(err))
		}
		c.log.Debug("name_resolved", zap.String("symbol", symbol), zap.String("name", name))
		return name, nil
	})
	return v.(string)
}

// ClearNames drops every cached name, including fallbacks
func (c *Client) ClearNames(ctx context.Context) error {
	return c.names.Clear(ctx)
}

// HealthCheck fetches the health symbol and reports whether a price came back
func (c *Client) HealthCheck(ctx context.Context) bool {
	quote, err := c.FetchQuote(ctx, c.healthSymbol)
	return err == nil && quote.HasPrice()
}

// Statistics returns request accounting
func (c *Client) Statistics() Stats {
	requests := c.requests.Load()
	errs := c.failures.Load()
	return Stats{
		Requests:    requests,
		Errors:      errs,
		SuccessRate: models.SuccessRate(requests-errs, requests),
	}
}

func (c *Client) cachedName(ctx context.Context, symbol string) (string, bool) {
	name, ok, err := c.names.Get(ctx, symbol)
	if err != nil {
		c.log.Warn("name_cache_read_failed", zap.String("symbol", symbol), zap.Error(err))
		return "", false
	}
	return name, ok
}

func (c *Client) lookupName(ctx context.Context, symbol string) (string, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryBackoff
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0

	var name string
	op := func() error {
		var profile struct {
			Name string `json:"name"`
		}
		if err := c.getJSON(ctx, profilePath, symbol, &profile); err != nil {
			return err
		}
		if profile.Name == "" {
			return backoff.Permanent(errNoName)
		}
		name = profile.Name
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(exp, c.nameRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	return name, nil
}

func (c *Client) getJSON(ctx context.Context, path, symbol string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("token", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
