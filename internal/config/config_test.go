package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"earshot/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
[oracle]
base_url = "https://transcripts.example.com/api/v1"

[llm]
provider = "openai"
model = "gpt-4o-mini"

[llm.providers.openai]
api_key = "sk-test"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("unexpected resolution: exists=%v path=%s", exists, resolved)
	}
	if cfg.Workers.Fetchers != 4 || cfg.Workers.Analyzers != 2 || cfg.Workers.Emailers != 2 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Workers)
	}
	if cfg.Scheduler.TickSeconds != 1 {
		t.Fatalf("unexpected scheduler tick: %d", cfg.Scheduler.TickSeconds)
	}
	if cfg.Oracle.QPS != 2.0 {
		t.Fatalf("unexpected oracle qps: %v", cfg.Oracle.QPS)
	}
	if !filepath.IsAbs(cfg.Paths.DataDir) {
		t.Fatalf("data dir not expanded: %s", cfg.Paths.DataDir)
	}
	if !strings.HasSuffix(cfg.DatabasePath(), "earshot.db") {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath())
	}
}

func TestLoadRejectsUnconfiguredProvider(t *testing.T) {
	path := writeConfig(t, `
[oracle]
base_url = "https://transcripts.example.com/api/v1"

[llm]
provider = "anthropic"
model = "claude-sonnet-4-5"
`)

	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected error for missing provider credentials")
	}
}

func TestLoadRejectsBadEmail(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[email]
enabled = true
smtp_host = "smtp.example.com"
from = "not-an-address"
`)

	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid from address")
	}
}

func TestLoadEnvFallbackForOracleKey(t *testing.T) {
	t.Setenv("EARSHOT_ORACLE_API_KEY", "env-key")
	path := writeConfig(t, minimalConfig)

	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Oracle.APIKey != "env-key" {
		t.Fatalf("expected env fallback, got %q", cfg.Oracle.APIKey)
	}
}

func TestValidateLoggingFormat(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[logging]
format = "yaml"
`)
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected error for unsupported log format")
	}
}
