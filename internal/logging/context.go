package logging

import (
	"context"
	"log/slog"

	"earshot/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldQueue is the standardized structured logging key for queue names.
	FieldQueue = "queue"
	// FieldMessageID is the standardized structured logging key for queue message identifiers.
	FieldMessageID = "message_id"
	// FieldEquity is the standardized structured logging key for equity symbols.
	FieldEquity = "equity"
	// FieldQuarter is the standardized structured logging key for fiscal quarter labels.
	FieldQuarter = "quarter"
	// FieldYear is the standardized structured logging key for fiscal years.
	FieldYear = "year"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType tags log lines that mark notable lifecycle events.
	FieldEventType = "event_type"
	// FieldErrorHint carries an operator-facing suggestion next to an error.
	FieldErrorHint = "error_hint"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.MessageIDFromContext(ctx); ok {
		fields = append(fields, slog.Int64(FieldMessageID, id))
	}
	if queue, ok := services.QueueFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldQueue, queue))
	}
	if symbol, ok := services.EquityFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldEquity, symbol))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from
// the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
