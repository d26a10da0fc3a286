package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainboard/marketcache/pkg/logger"
	"github.com/chainboard/marketcache/pkg/metrics"
)

// ErrUpstream marks any upstream failure: timeout, transport error, non-2xx
// status or a malformed body. The manager treats them all the same way.
var ErrUpstream = errors.New("market: upstream fetch failed")

const (
	defaultFetchTimeout = 6 * time.Second
	defaultMinInterval  = 200 * time.Millisecond
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 500 * time.Millisecond
)

// Fetcher retrieves a raw payload for a fetch spec.
type Fetcher interface {
	Fetch(ctx context.Context, spec FetchSpec) (json.RawMessage, error)
}

// ClientConfig configures the upstream HTTP client.
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration // per-request deadline
	MinInterval  time.Duration // self-throttle between consecutive requests
	MaxAttempts  int           // attempts on 429 responses
	RetryBackoff time.Duration // base delay for exponential backoff
	Clock        func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
}

// Client calls the market-data provider over HTTP. It owns its throttle
// state; construct one per upstream and share it between callers.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	minInterval  time.Duration
	maxAttempts  int
	retryBackoff time.Duration

	mu   sync.Mutex
	next time.Time // earliest instant the next request may be issued

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *zap.Logger
}

// NewClient constructs an upstream client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("market: upstream base url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		minInterval:  minInterval,
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
		now:          now,
		sleep:        sleep,
		log:          logger.WithModule("market.fetcher"),
	}, nil
}

// Fetch performs a throttled GET against {base}/{endpoint}/{chain} with the
// spec's parameters as query string. 429 responses are retried with
// exponential backoff; every other failure is surfaced immediately.
func (c *Client) Fetch(ctx context.Context, spec FetchSpec) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	requestURL, err := c.buildURL(spec)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff: retryBackoff * 2^(attempt-1).
			delay := c.retryBackoff << (attempt - 1)
			c.log.Debug("retrying after rate limit",
				zap.String("endpoint", spec.Endpoint),
				zap.String("chain", spec.Chain),
				zap.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
			}
		}

		if err := c.throttle(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}

		payload, retryable, err := c.doRequest(ctx, requestURL)
		if err == nil {
			metrics.UpstreamRequests.WithLabelValues("success").Inc()
			return payload, nil
		}

		lastErr = err
		if !retryable {
			metrics.UpstreamRequests.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.UpstreamRequests.WithLabelValues("throttled").Inc()
	}

	metrics.UpstreamRequests.WithLabelValues("error").Inc()
	return nil, lastErr
}

func (c *Client) buildURL(spec FetchSpec) (string, error) {
	endpoint := normalise(spec.Endpoint)
	chain := normalise(spec.Chain)
	if endpoint == "" || chain == "" {
		return "", fmt.Errorf("%w: endpoint and chain are required", ErrUpstream)
	}

	u, err := url.Parse(fmt.Sprintf("%s/%s/%s", c.baseURL, endpoint, chain))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if len(spec.Params) > 0 {
		query := u.Query()
		for key, value := range spec.Params {
			query.Set(key, value)
		}
		u.RawQuery = query.Encode()
	}

	return u.String(), nil
}

// throttle reserves the next request slot and waits for it, so bursts of
// callers are spaced at least minInterval apart.
func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	now := c.now()
	slot := c.next
	if slot.Before(now) {
		slot = now
	}
	c.next = slot.Add(c.minInterval)
	c.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		return c.sleep(ctx, wait)
	}
	return nil
}

// doRequest issues one HTTP call. The boolean reports whether the failure is
// retryable (429 only).
func (c *Client) doRequest(ctx context.Context, requestURL string) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("%w: status 429", ErrUpstream)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, false, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}

	payload, err := unwrapEnvelope(body)
	if err != nil {
		return nil, false, err
	}
	return payload, false, nil
}

// unwrapEnvelope extracts the data field from the provider's usual
// {statusCode, data} wrapper, passing unwrapped responses through as-is.
func unwrapEnvelope(body []byte) (json.RawMessage, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: malformed body", ErrUpstream)
	}

	var envelope struct {
		StatusCode *int            `json:"statusCode"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.StatusCode != nil {
		if *envelope.StatusCode < 200 || *envelope.StatusCode > 299 {
			return nil, fmt.Errorf("%w: envelope status %d", ErrUpstream, *envelope.StatusCode)
		}
		if len(envelope.Data) == 0 {
			return nil, fmt.Errorf("%w: envelope missing data", ErrUpstream)
		}
		return envelope.Data, nil
	}

	return json.RawMessage(body), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
