// Package llm dispatches text generation to a closed set of language-model
// providers: an OpenAI-compatible chat completions client (which also serves
// OpenRouter-style gateways) and the Anthropic messages API.
//
// Providers return usage counters with every result so callers can record
// token counts and cost. Retryable failures (429, 5xx, timeouts) are retried
// in the client with exponential backoff and Retry-After handling; what
// escapes carries a services marker for classification.
package llm
