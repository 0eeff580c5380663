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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig captures the runtime settings for the OpenAI-compatible
// client. BaseURL may point at any chat-completions gateway (OpenRouter,
// a proxy) that speaks the same schema.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Ref            ModelRef
	TimeoutSeconds int
}

// OpenAIClient wraps the chat completions API.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	retry      retrier
}

// OpenAIOption customizes the client.
type OpenAIOption func(*OpenAIClient)

// WithOpenAIHTTPClient overrides the default HTTP client (used in tests).
func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(c *OpenAIClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithOpenAISleeper overrides how retry sleeps are performed (used in tests).
func WithOpenAISleeper(sleeper func(time.Duration)) OpenAIOption {
	return func(c *OpenAIClient) {
		c.retry.sleeper = sleeper
	}
}

// NewOpenAIClient constructs a chat-completions client.
func NewOpenAIClient(cfg OpenAIConfig, opts ...OpenAIOption) *OpenAIClient {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &OpenAIClient{
		cfg: OpenAIConfig{
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
		client.cfg.BaseURL = defaultOpenAIBaseURL
	}
	return client
}

// Ref returns the model reference this client generates with.
func (c *OpenAIClient) Ref() ModelRef {
	return c.cfg.Ref
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate issues a chat completion and returns the text with usage counters.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (Result, error) {
	var empty Result
	if strings.TrimSpace(req.Input) == "" {
		return empty, services.Wrap(services.ErrValidation, "llm", "generate", "input required", nil)
	}
	if c.cfg.APIKey == "" {
		return empty, services.Wrap(services.ErrConfiguration, "llm", "generate", "api key required", nil)
	}

	messages := make([]chatMessage, 0, 2)
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Input})

	payload := chatCompletionRequest{
		Model:       c.cfg.Ref.Model,
		Messages:    messages,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: 0.7,
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

func (c *OpenAIClient) sendOnce(ctx context.Context, payload chatCompletionRequest) (Result, error) {
	var empty Result
	encoded, err := json.Marshal(payload)
	if err != nil {
		return empty, fmt.Errorf("llm request: encode body: %w", err)
	}
	endpoint := c.cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return empty, fmt.Errorf("llm request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
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

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return empty, fmt.Errorf("llm request: decode response: %w", err)
	}
	if completion.Error != nil {
		return empty, fmt.Errorf("llm request: api error: %s", strings.TrimSpace(completion.Error.Message))
	}
	if len(completion.Choices) == 0 {
		return empty, fmt.Errorf("llm request: empty choices (snippet=%s)", summarizeSnippet(string(body)))
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return empty, fmt.Errorf("llm request: empty content (finish_reason=%q)", completion.Choices[0].FinishReason)
	}

	tokensIn := completion.Usage.PromptTokens
	tokensOut := completion.Usage.CompletionTokens
	return Result{
		OutputText: content,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		Cost:       costFor(c.cfg.Ref, tokensIn, tokensOut),
	}, nil
}

// classifyProviderError tags terminal provider failures with services
// markers. A 429 surviving the retry loop classifies as rate limited; other
// retryable statuses classify transient so the queue layer backs off further.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests {
			return services.Wrap(services.ErrRateLimited, "llm", "generate", "", err)
		}
		if marker := services.ClassifyHTTPStatus(statusErr.StatusCode); marker != nil {
			return services.Wrap(marker, "llm", "generate", "", err)
		}
	}
	return services.Wrap(services.ErrTransient, "llm", "generate", "", err)
}
