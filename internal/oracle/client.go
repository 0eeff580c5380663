package oracle

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

	"earshot/internal/fiscal"
	"earshot/internal/services"
)

const defaultHTTPTimeout = 15 * time.Second

// Status is the oracle's answer for one reporting period.
type Status string

const (
	StatusAvailable Status = "available"
	StatusUpcoming  Status = "upcoming"
	StatusNone      Status = "none"
)

// Result is a classified oracle response.
type Result struct {
	Status    Status
	SourceURL string
	EventDate *time.Time
}

// Config captures the runtime settings required to talk to the oracle.
type Config struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// Client calls the transcript-discovery API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *Limiter
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client (used in tests).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLimiter overrides the default rate limiter.
func WithLimiter(limiter *Limiter) Option {
	return func(c *Client) {
		if limiter != nil {
			c.limiter = limiter
		}
	}
}

// NewClient constructs an oracle client.
func NewClient(cfg Config, limiter *Limiter, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:         strings.TrimSpace(cfg.APIKey),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.limiter == nil {
		client.limiter = NewLimiter(1, 1)
	}
	return client
}

type transcriptResponse struct {
	Status    string `json:"status"`
	SourceURL string `json:"source_url"`
	EventDate string `json:"event_date"`
}

// Check queries the oracle for one equity and reporting period. Errors are
// wrapped with the services markers so callers can classify them.
func (c *Client) Check(ctx context.Context, symbol string, period fiscal.Period) (Result, error) {
	var empty Result
	if symbol == "" {
		return empty, services.Wrap(services.ErrValidation, "oracle", "check", "symbol required", nil)
	}
	if c.cfg.BaseURL == "" {
		return empty, services.Wrap(services.ErrConfiguration, "oracle", "check", "base url not configured", nil)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return empty, err
	}

	endpoint := fmt.Sprintf("%s/transcripts/%s?quarter=%s&year=%d",
		c.cfg.BaseURL, url.PathEscape(symbol), url.QueryEscape(string(period.Quarter)), period.Year)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return empty, services.Wrap(services.ErrPermanent, "oracle", "check", "build request", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return empty, services.ClassifyNetworkError("oracle check", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return empty, services.Wrap(services.ErrTransient, "oracle", "check", "read body", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.Retreat()
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return empty, services.Wrap(services.ErrRateLimited, "oracle", "check",
			fmt.Sprintf("rate limited (retry after %s)", retryAfter), nil)
	}
	if marker := services.ClassifyHTTPStatus(resp.StatusCode); marker != nil {
		return empty, services.Wrap(marker, "oracle", "check",
			fmt.Sprintf("http %d: %s", resp.StatusCode, summarize(body)), nil)
	}

	c.limiter.Recover()

	var payload transcriptResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return empty, services.Wrap(services.ErrPermanent, "oracle", "check", "decode response", err)
	}

	result := Result{SourceURL: strings.TrimSpace(payload.SourceURL)}
	switch strings.ToLower(strings.TrimSpace(payload.Status)) {
	case string(StatusAvailable):
		result.Status = StatusAvailable
		if result.SourceURL == "" {
			return empty, services.Wrap(services.ErrPermanent, "oracle", "check", "available without source_url", nil)
		}
	case string(StatusUpcoming):
		result.Status = StatusUpcoming
	case string(StatusNone), "":
		result.Status = StatusNone
	default:
		return empty, services.Wrap(services.ErrPermanent, "oracle", "check",
			fmt.Sprintf("unknown status %q", payload.Status), nil)
	}

	if raw := strings.TrimSpace(payload.EventDate); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			utc := parsed.UTC()
			result.EventDate = &utc
		}
	}

	return result, nil
}

// Download fetches raw transcript bytes from a source URL.
func (c *Client) Download(ctx context.Context, sourceURL string) ([]byte, error) {
	if sourceURL == "" {
		return nil, services.Wrap(services.ErrValidation, "oracle", "download", "source url required", nil)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrPermanent, "oracle", "download", "build request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.ClassifyNetworkError("oracle download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.Retreat()
		return nil, services.Wrap(services.ErrRateLimited, "oracle", "download", "rate limited", nil)
	}
	if marker := services.ClassifyHTTPStatus(resp.StatusCode); marker != nil {
		return nil, services.Wrap(marker, "oracle", "download", fmt.Sprintf("http %d", resp.StatusCode), nil)
	}

	c.limiter.Recover()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "oracle", "download", "read body", err)
	}
	if len(body) == 0 {
		return nil, services.Wrap(services.ErrPermanent, "oracle", "download", "empty document", nil)
	}
	return body, nil
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func summarize(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
