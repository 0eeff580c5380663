// Package testsupport provides shared helpers for package tests: temp-dir
// seeded configs and state stores.
package testsupport

import (
	"path/filepath"
	"testing"

	"earshot/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.ContentDir = filepath.Join(base, "content")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Oracle.BaseURL = "https://oracle.test"
	cfg.Oracle.QPS = 100
	cfg.Oracle.Burst = 100
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.Providers = map[string]config.LLMProvider{
		"openai": {APIKey: "sk-test"},
	}
	cfg.Email.Enabled = true
	cfg.Email.SMTPHost = "smtp.test"
	cfg.Email.From = "earshot@example.com"
	cfg.Email.Recipients = []string{"analyst@example.com"}

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithRecipients overrides the notification recipient list.
func WithRecipients(recipients ...string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Email.Recipients = recipients
	}
}

// WithEmailDisabled turns off the email subsystem.
func WithEmailDisabled() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Email.Enabled = false
	}
}
