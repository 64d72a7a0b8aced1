package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/noaa-weather/internal/metrics"
)

const (
	defaultMaxRetries      = 4
	defaultInitialInterval = time.Second
	defaultTimeout         = 10 * time.Second
	maxBodyBytes           = 4 << 20

	// maxRetryAfterSeconds is the largest Retry-After that fits in a Duration.
	maxRetryAfterSeconds = float64(math.MaxInt64) / float64(time.Second)
)

// BackoffConfig controls exponential backoff behaviour. The delay doubles
// after every retryable failure and is bounded only by MaxRetries.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
}

// ClientConfig bundles HTTP client and resilience settings.
type ClientConfig struct {
	HTTPClient *http.Client
	BaseURL    string
	UserAgent  string
	Backoff    BackoffConfig

	// RequestsPerSecond throttles outgoing requests; 0 disables throttling.
	RequestsPerSecond float64
	// BreakerFailures is the number of consecutive failed fetches that open
	// the circuit breaker; 0 disables the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

var (
	// ErrExhaustedRetries is returned when every attempt hit a retryable failure.
	ErrExhaustedRetries = errors.New("exhausted retries")
	// ErrCircuitOpen is returned while the circuit breaker rejects requests.
	ErrCircuitOpen = errors.New("circuit breaker open")

	errRateLimited = errors.New("rate limited")
	errServerError = errors.New("server error")
	errNoResponse  = errors.New("no response")
)

// StatusError is a non-retryable upstream HTTP status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d for %s", e.StatusCode, e.URL)
}

type rateLimitedError struct {
	retryAfter    time.Duration
	hasRetryAfter bool
}

func (e *rateLimitedError) Error() string {
	if e.hasRetryAfter {
		return fmt.Sprintf("rate limited (retry after %s)", e.retryAfter)
	}
	return "rate limited"
}

func (e *rateLimitedError) Unwrap() error { return errRateLimited }

// Client performs GET requests against the upstream API with retries,
// exponential backoff, Retry-After support, optional throttling and an
// optional circuit breaker.
type Client struct {
	httpc     *http.Client
	baseURL   string
	userAgent string
	backoff   BackoffConfig
	limiter   *rate.Limiter
	circuit   *gobreaker.CircuitBreaker
	metrics   *metrics.Collector
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client, filling zero config values with defaults.
func NewClient(cfg ClientConfig, m *metrics.Collector, logger *slog.Logger) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff.InitialInterval = defaultInitialInterval
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		httpc:     cfg.HTTPClient,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		backoff:   cfg.Backoff,
		metrics:   m,
		logger:    logger,
		sleep:     sleepContext,
	}

	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	if cfg.BreakerFailures > 0 {
		timeout := cfg.BreakerTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		threshold := cfg.BreakerFailures
		c.circuit = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "noaa",
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}

	return c
}

// BaseURL returns the upstream root the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Fetch performs a resilient GET of url and decodes the JSON body into T.
func Fetch[T any](ctx context.Context, c *Client, url string) (T, error) {
	var out T

	body, err := c.Get(ctx, url)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode response from %s: %w", url, err)
	}
	return out, nil
}

// Get returns the body of a successful response, retrying as needed.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	if c.circuit == nil {
		return c.getWithRetry(ctx, url)
	}

	result, err := c.circuit.Execute(func() (interface{}, error) {
		return c.getWithRetry(ctx, url)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return body, nil
}

func (c *Client) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	delay := c.backoff.InitialInterval
	maxRetries := c.backoff.MaxRetries
	var lastErr error

	for attempt := 1; ; attempt++ {
		body, err := c.do(ctx, url)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wait := delay
		var rl *rateLimitedError
		switch {
		case errors.As(err, &rl):
			c.metrics.RateLimited()
			if rl.hasRetryAfter {
				wait = rl.retryAfter
			}
		case errors.Is(err, errServerError), errors.Is(err, errNoResponse):
		default:
			return nil, err
		}

		c.metrics.Retry()
		lastErr = err
		if attempt >= maxRetries {
			break
		}

		c.logger.Warn("upstream request failed, retrying",
			"url", url,
			"attempt", attempt,
			"max_retries", maxRetries,
			"wait", wait,
			"error", err,
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		delay *= 2
	}

	return nil, fmt.Errorf("%w after %d attempts for %s: %v", ErrExhaustedRetries, maxRetries, url, lastErr)
}

// do makes a single attempt and classifies the outcome.
func (c *Client) do(ctx context.Context, url string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait canceled: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/geo+json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoResponse, err)
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		d, ok := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &rateLimitedError{retryAfter: d, hasRetryAfter: ok}
	case code == http.StatusInternalServerError,
		code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %d", errServerError, code)
	case code < 200 || code >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: code, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", errNoResponse, err)
	}
	return body, nil
}

// parseRetryAfter accepts the delay-seconds form of the Retry-After header.
func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(secs) || secs < 0 || secs >= maxRetryAfterSeconds {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
