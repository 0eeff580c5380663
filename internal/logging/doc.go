// Package logging wraps log/slog with the handlers and conventions used
// across earshot: a human-oriented console handler, a JSON handler for the
// daemon log file, typed attribute helpers, and standardized field names so
// log lines stay greppable across components.
//
// Components never construct slog loggers directly; they receive one from
// the daemon and narrow it with NewComponentLogger or WithContext.
package logging
