package config

import (
	"os"
	"strings"
)

// normalize expands paths, applies environment fallbacks, and fills gaps left
// by a partial config file.
func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.ContentDir, err = expandPath(c.Paths.ContentDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}

	if c.Oracle.APIKey == "" {
		c.Oracle.APIKey = strings.TrimSpace(os.Getenv("EARSHOT_ORACLE_API_KEY"))
	}
	if c.Email.Password == "" {
		c.Email.Password = strings.TrimSpace(os.Getenv("EARSHOT_SMTP_PASSWORD"))
	}

	if c.LLM.Providers == nil {
		c.LLM.Providers = map[string]LLMProvider{}
	}
	normalized := make(map[string]LLMProvider, len(c.LLM.Providers))
	for name, provider := range c.LLM.Providers {
		normalized[strings.ToLower(strings.TrimSpace(name))] = provider
	}
	c.LLM.Providers = normalized
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))

	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = defaultSchedulerTickSeconds
	}
	if c.Scheduler.DispatchBatch <= 0 {
		c.Scheduler.DispatchBatch = defaultDispatchBatch
	}
	if c.Scheduler.LeaseSeconds <= 0 {
		c.Scheduler.LeaseSeconds = defaultScheduleLeaseSeconds
	}
	if c.Workers.ClaimBatch <= 0 {
		c.Workers.ClaimBatch = defaultClaimBatch
	}
	if c.Workers.LeaseSeconds <= 0 {
		c.Workers.LeaseSeconds = defaultQueueLeaseSeconds
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}

	return nil
}
