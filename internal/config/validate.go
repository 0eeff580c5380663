package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateOracle(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateEmail(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.ContentDir) == "" {
		return errors.New("paths.content_dir must be set")
	}
	return nil
}

func (c *Config) validateOracle() error {
	if strings.TrimSpace(c.Oracle.BaseURL) == "" {
		return errors.New("oracle.base_url must be set")
	}
	if c.Oracle.QPS <= 0 {
		return errors.New("oracle.qps must be positive")
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		return errors.New("oracle.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLLM() error {
	if c.LLM.Provider == "" {
		return errors.New("llm.provider must be set")
	}
	if c.LLM.Model == "" {
		return errors.New("llm.model must be set")
	}
	if _, ok := c.LLM.Providers[c.LLM.Provider]; !ok {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/earshot/config.toml"
		}
		return fmt.Errorf("llm.providers.%s is not configured. Edit %s (create with 'earshot config init')", c.LLM.Provider, defaultPath)
	}
	if c.LLM.ThinkingBudget < 0 {
		return errors.New("llm.thinking_budget must not be negative")
	}
	return nil
}

func (c *Config) validateEmail() error {
	if !c.Email.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Email.SMTPHost) == "" {
		return errors.New("email.smtp_host must be set when email is enabled")
	}
	if c.Email.SMTPPort <= 0 || c.Email.SMTPPort > 65535 {
		return errors.New("email.smtp_port must be a valid port")
	}
	if strings.TrimSpace(c.Email.From) == "" {
		return errors.New("email.from must be set when email is enabled")
	}
	if _, err := mail.ParseAddress(c.Email.From); err != nil {
		return fmt.Errorf("email.from is not a valid address: %w", err)
	}
	for _, recipient := range c.Email.Recipients {
		if _, err := mail.ParseAddress(recipient); err != nil {
			return fmt.Errorf("email.recipients entry %q is not a valid address: %w", recipient, err)
		}
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.Fetchers <= 0 {
		return errors.New("workers.fetchers must be positive")
	}
	if c.Workers.Analyzers <= 0 {
		return errors.New("workers.analyzers must be positive")
	}
	if c.Workers.Emailers <= 0 {
		return errors.New("workers.emailers must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
