// Package remote is the network data source: a JSON-over-HTTP client for
// the transit API, guarded by a circuit breaker, whose failures are mapped
// onto the shared error taxonomy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/internal/circuit"
	"github.com/bustrack/transitsync/pkg/errors"
	"github.com/bustrack/transitsync/pkg/retry"
	"github.com/bustrack/transitsync/pkg/types"
)

const maxBodyBytes = 8 << 20

// Config represents remote API configuration
type Config struct {
	BaseURL   string         `yaml:"base_url"`
	Timeout   time.Duration  `yaml:"timeout"`
	UserAgent string         `yaml:"user_agent"`
	APIKey    string         `yaml:"api_key"`
	Breaker   circuit.Config `yaml:"breaker"`

	// Retry retries transient failures within one request. MaxAttempts
	// of 0 or 1 disables retrying.
	Retry retry.Config `yaml:"retry"`
}

// DefaultConfig returns the default remote configuration. BaseURL has no
// default and must be configured.
func DefaultConfig() Config {
	return Config{
		Timeout:   15 * time.Second,
		UserAgent: "transitsync/1.0",
		Breaker:   circuit.DefaultConfig(),
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder reports request timings.
func WithRecorder(r types.FetchRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithClock sets the clock used by the breaker and timings.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Client performs JSON requests against the transit API.
type Client struct {
	baseURL   string
	userAgent string
	apiKey    string

	http     *http.Client
	breaker  *circuit.Breaker
	retryer  *retry.Retryer
	clock    clockwork.Clock
	logger   *zap.Logger
	recorder types.FetchRecorder
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.New(errors.CodeInvalidConfig, fmt.Sprintf("invalid remote base url %q", cfg.BaseURL))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := &Client{
		baseURL:   strings.TrimRight(base.String(), "/"),
		userAgent: cfg.UserAgent,
		apiKey:    cfg.APIKey,
		http:      &http.Client{Timeout: cfg.Timeout},
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		c.logger.Warn("Remote circuit breaker changed state",
			zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
	}
	c.breaker = circuit.New("remote", breakerCfg, c.clock)

	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts < 1 {
		retryCfg.MaxAttempts = 1
	}
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.logger.Debug("Retrying remote request",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		}
	}
	c.retryer = retry.New(retryCfg).WithClock(c.clock)

	return c, nil
}

// Breaker exposes the guarding breaker.
func (c *Client) Breaker() *circuit.Breaker {
	return c.breaker
}

// GetJSON fetches path and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, resource, path string, out any) error {
	return c.do(ctx, resource, http.MethodGet, path, nil, out)
}

// PostJSON sends in as the request body and decodes the response into out,
// which may be nil.
func (c *Client) PostJSON(ctx context.Context, resource, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Validation("body", "failed to encode request").WithCause(err)
	}
	return c.do(ctx, resource, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, resource, method, path string, body []byte, out any) error {
	start := c.clock.Now()

	// An open breaker returns ErrOpenState, which is not retryable, so a
	// tripped breaker ends the retry loop at once.
	err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.roundTrip(ctx, method, path, body, out)
		})
	})
	if stderr.Is(err, circuit.ErrOpenState) {
		err = errors.NoConnectivity(err).WithDetail("reason", "circuit open")
	}
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if c.recorder != nil {
		c.recorder.RecordFetch(resource, c.clock.Since(start), err)
	}
	if err != nil {
		c.logger.Debug("Remote request failed",
			zap.String("method", method), zap.String("path", path), zap.Error(err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return errors.Unknown("failed to build request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Classify(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errors.Classify(err)
	}

	switch {
	case resp.StatusCode >= 500:
		return errors.ServerError(resp.StatusCode, string(payload))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errors.APIError(resp.StatusCode, string(payload))
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Classify(err)
	}
	return nil
}
