package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"earshot/internal/services"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// AnthropicConfig captures the runtime settings for the Anthropic client.
type AnthropicConfig struct {
	APIKey         string
	BaseURL        string
	Ref            ModelRef
	TimeoutSeconds int
}

// AnthropicClient wraps the Anthropic messages API.
type AnthropicClient struct {
	cfg        AnthropicConfig
	httpClient *http.Client
	retry      retrier
}

// AnthropicOption customizes the client.
type AnthropicOption func(*AnthropicClient)

// WithAnthropicHTTPClient overrides the default HTTP client (used in tests).
func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(c *AnthropicClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithAnthropicSleeper overrides how retry sleeps are performed (used in tests).
func WithAnthropicSleeper(sleeper func(time.Duration)) AnthropicOption {
	return func(c *AnthropicClient) {
		c.retry.sleeper = sleeper
	}
}

// NewAnthropicClient constructs a messages API client.
func NewAnthropicClient(cfg AnthropicConfig, opts ...AnthropicOption) *AnthropicClient {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &AnthropicClient{
		cfg: AnthropicConfig{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			Ref:            cfg.Ref,
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
		retry:      newRetrier(),
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = defaultAnthropicBaseURL
	}
	return client
}

// Ref returns the model reference this client generates with.
func (c *AnthropicClient) Ref() ModelRef {
	return c.cfg.Ref
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate issues a messages call and returns the text with usage counters.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (Result, error) {
	var empty Result
	if strings.TrimSpace(req.Input) == "" {
		return empty, services.Wrap(services.ErrValidation, "llm", "generate", "input required", nil)
	}
	if c.cfg.APIKey == "" {
		return empty, services.Wrap(services.ErrConfiguration, "llm", "generate", "api key required", nil)
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	payload := anthropicRequest{
		Model:     c.cfg.Ref.Model,
		MaxTokens: maxTokens,
		System:    strings.TrimSpace(req.SystemPrompt),
		Messages:  []anthropicMessage{{Role: "user", Content: req.Input}},
	}
	if req.ThinkingEnabled && req.ThinkingBudget > 0 {
		payload.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: req.ThinkingBudget}
	}

	attempts := c.retry.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.sendOnce(ctx, payload)
		if err == nil {
			return result, nil
		}

		delay, shouldRetry := c.retry.delay(ctx, err, attempt, attempts)
		if !shouldRetry {
			return empty, classifyProviderError(err)
		}
		if sleepErr := c.retry.sleep(ctx, delay); sleepErr != nil {
			return empty, sleepErr
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("unknown retry failure")
	}
	return empty, classifyProviderError(fmt.Errorf("generate: failed after %d attempts: %w", attempts, lastErr))
}

func (c *AnthropicClient) sendOnce(ctx context.Context, payload anthropicRequest) (Result, error) {
	var empty Result
	encoded, err := json.Marshal(payload)
	if err != nil {
		return empty, fmt.Errorf("llm request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/messages", bytes.NewReader(encoded))
	if err != nil {
		return empty, fmt.Errorf("llm request: new request: %w", err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return empty, fmt.Errorf("llm request: http error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, fmt.Errorf("llm request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return empty, &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var message anthropicResponse
	if err := json.Unmarshal(body, &message); err != nil {
		return empty, fmt.Errorf("llm request: decode response: %w", err)
	}
	if message.Error != nil {
		return empty, fmt.Errorf("llm request: api error: %s", strings.TrimSpace(message.Error.Message))
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	content := strings.TrimSpace(text.String())
	if content == "" {
		return empty, fmt.Errorf("llm request: empty content (snippet=%s)", summarizeSnippet(string(body)))
	}

	tokensIn := message.Usage.InputTokens
	tokensOut := message.Usage.OutputTokens
	return Result{
		OutputText: content,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		Cost:       costFor(c.cfg.Ref, tokensIn, tokensOut),
	}, nil
}
