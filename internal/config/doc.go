// Package config loads, normalizes, and validates earshot configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and centralizes every knob the daemon and
// CLI need: data and content directories, oracle and LLM provider
// credentials, SMTP settings, scheduler cadence bounds, and worker counts.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
