package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	ContentDir string `toml:"content_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// Oracle contains configuration for the external transcript-discovery API.
type Oracle struct {
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	QPS            float64 `toml:"qps"`
	Burst          int     `toml:"burst"`
}

// LLMProvider holds connection settings for one language-model provider.
type LLMProvider struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// LLM contains shared language-model settings plus per-provider credentials.
type LLM struct {
	Provider        string                 `toml:"provider"`
	Model           string                 `toml:"model"`
	Revision        string                 `toml:"revision"`
	TimeoutSeconds  int                    `toml:"timeout_seconds"`
	MaxOutputTokens int                    `toml:"max_output_tokens"`
	ThinkingEnabled bool                   `toml:"thinking_enabled"`
	ThinkingBudget  int                    `toml:"thinking_budget"`
	Providers       map[string]LLMProvider `toml:"providers"`
}

// Email contains SMTP transport and recipient configuration.
type Email struct {
	Enabled        bool     `toml:"enabled"`
	SMTPHost       string   `toml:"smtp_host"`
	SMTPPort       int      `toml:"smtp_port"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	From           string   `toml:"from"`
	Recipients     []string `toml:"recipients"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Scheduler contains dispatch-loop timing configuration.
type Scheduler struct {
	TickSeconds         int `toml:"tick_seconds"`
	DispatchBatch       int `toml:"dispatch_batch"`
	LeaseSeconds        int `toml:"lease_seconds"`
	ScheduleSyncSeconds int `toml:"schedule_sync_seconds"`
	RetireAfterDays     int `toml:"retire_after_days"`
}

// Workers contains pool sizes and queue lease/backoff settings.
type Workers struct {
	Fetchers             int `toml:"fetchers"`
	Analyzers            int `toml:"analyzers"`
	Emailers             int `toml:"emailers"`
	ClaimBatch           int `toml:"claim_batch"`
	LeaseSeconds         int `toml:"lease_seconds"`
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// Research contains group research coordinator settings.
type Research struct {
	SweepSeconds int `toml:"sweep_seconds"`
}

// Notifications contains configuration for ntfy operational alerts.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Failures       bool   `toml:"failures"`
	Research       bool   `toml:"research"`
	Lifecycle      bool   `toml:"lifecycle"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for earshot.
//
// Configuration sections by subsystem:
//   - Paths: data/content/log directories and admin API bind address
//   - Oracle: transcript-discovery API connection and rate limit
//   - LLM: provider selection, model reference, and per-provider credentials
//   - Email: SMTP transport and the notification recipient list
//   - Scheduler: dispatch tick, claim batch, lease, and retirement windows
//   - Workers: pool sizes and queue claim settings
//   - Research: group research sweep cadence
//   - Notifications: ntfy operational alerts
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Oracle        Oracle        `toml:"oracle"`
	LLM           LLM           `toml:"llm"`
	Email         Email         `toml:"email"`
	Scheduler     Scheduler     `toml:"scheduler"`
	Workers       Workers       `toml:"workers"`
	Research      Research      `toml:"research"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/earshot/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("earshot.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.ContentDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the location of the SQLite state database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "earshot.db")
}

// LogLevel implements logging.LogConfig.
func (c *Config) LogLevel() string { return c.Logging.Level }

// LogFormat implements logging.LogConfig.
func (c *Config) LogFormat() string { return c.Logging.Format }

// LogDirectory implements logging.LogConfig.
func (c *Config) LogDirectory() string { return c.Paths.LogDir }

// ProviderFor returns credentials for the named LLM provider.
func (c *Config) ProviderFor(name string) (LLMProvider, bool) {
	provider, ok := c.LLM.Providers[strings.ToLower(strings.TrimSpace(name))]
	return provider, ok
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
