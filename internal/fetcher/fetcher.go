// Package fetcher consumes transcript_check messages: it asks the oracle
// about one (equity, quarter, year), records what it learned, and advances
// the schedule row's cadence. When a transcript first turns available for a
// tracked equity it emits exactly one analysis_request.
package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"earshot/internal/fiscal"
	"earshot/internal/logging"
	"earshot/internal/oracle"
	"earshot/internal/queue"
	"earshot/internal/scheduler"
	"earshot/internal/services"
	"earshot/internal/store"
)

// Handler processes transcript_check messages.
type Handler struct {
	store  *store.Store
	broker *queue.Broker
	oracle *oracle.Client
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a fetcher handler.
func New(st *store.Store, broker *queue.Broker, client *oracle.Client, logger *slog.Logger) *Handler {
	return &Handler{
		store:  st,
		broker: broker,
		oracle: client,
		logger: logging.NewComponentLogger(logger, "fetcher"),
		now:    time.Now,
	}
}

// SetClock overrides the handler's time source (used in tests).
func (h *Handler) SetClock(now func() time.Time) {
	if now != nil {
		h.now = now
	}
}

// Queue implements worker.Handler.
func (h *Handler) Queue() string {
	return queue.TranscriptCheck
}

// Handle implements worker.Handler.
func (h *Handler) Handle(ctx context.Context, msg *queue.Message) error {
	var payload queue.CheckPayload
	if err := queue.Decode(msg, &payload); err != nil {
		return services.Wrap(services.ErrPermanent, "fetcher", "decode", "", err)
	}

	row, err := h.store.GetScheduleRow(ctx, payload.ScheduleRowID)
	if errors.Is(err, store.ErrNotFound) {
		// The row was pruned after dispatch; nothing to do.
		return nil
	}
	if err != nil {
		return err
	}
	if row.EquityID != payload.EquityID || row.Period() != (fiscal.Period{Quarter: payload.Quarter, Year: payload.Year}) {
		// Stale message from before a schedule rewrite.
		return h.store.ReleaseScheduleLock(ctx, row.ID)
	}

	equity, err := h.store.GetEquity(ctx, row.EquityID)
	if errors.Is(err, store.ErrNotFound) {
		return h.store.ReleaseScheduleLock(ctx, row.ID)
	}
	if err != nil {
		return err
	}

	ctx = services.WithEquity(ctx, equity.Symbol)
	logger := logging.WithContext(ctx, h.logger)
	period := row.Period()

	result, err := h.oracle.Check(ctx, equity.Symbol, period)
	if err != nil {
		return h.handleCheckError(ctx, logger, row, err)
	}

	return h.recordResult(ctx, logger, equity, row, period, result)
}

func (h *Handler) handleCheckError(ctx context.Context, logger *slog.Logger, row *store.ScheduleRow, err error) error {
	now := h.now()
	switch services.Classify(err) {
	case services.OutcomeRateLimited:
		// Release the row untouched and let the queue layer nack with
		// backoff; the bucket has already retreated.
		if releaseErr := h.store.ReleaseScheduleLock(ctx, row.ID); releaseErr != nil {
			logger.Error("release schedule lock failed", logging.Error(releaseErr))
		}
		return err
	case services.OutcomePermanent:
		logger.Warn("oracle permanent error",
			logging.Error(err),
			logging.String(logging.FieldEventType, "oracle_permanent_error"),
			logging.String(logging.FieldErrorHint, "check oracle credentials"),
		)
		return h.store.CompleteScheduleCheck(ctx, row.ID, "error", row.Attempts, scheduler.NextCheckPermanentError(now), nil)
	default:
		attempts := row.Attempts + 1
		next := scheduler.NextCheck(now, oracle.StatusNone, nil, attempts, row.Period())
		logger.Warn("oracle transient error, backing off",
			logging.Error(err),
			logging.Int("attempts", attempts),
			logging.Time("next_check_at", next),
		)
		// last_status intentionally unchanged; the check completed its job.
		return h.store.CompleteScheduleCheck(ctx, row.ID, row.LastStatus, attempts, next, nil)
	}
}

func (h *Handler) recordResult(ctx context.Context, logger *slog.Logger, equity *store.Equity, row *store.ScheduleRow, period fiscal.Period, result oracle.Result) error {
	now := h.now()

	switch result.Status {
	case oracle.StatusAvailable:
		transcript, err := h.store.UpsertTranscript(ctx, equity.ID, period, store.TranscriptAvailable, result.SourceURL, result.EventDate, false)
		if err != nil {
			return err
		}
		fresh, err := h.store.AppendTranscriptEvent(ctx, store.TranscriptEvent{
			EquityID:  equity.ID,
			Quarter:   period.Quarter,
			Year:      period.Year,
			Status:    store.TranscriptAvailable,
			SourceURL: result.SourceURL,
			EventDate: result.EventDate,
			Origin:    store.OriginPoll,
		})
		if err != nil {
			return err
		}
		if fresh {
			logger.Info("transcript available",
				logging.String("source_url", result.SourceURL),
				logging.String(logging.FieldQuarter, string(period.Quarter)),
				logging.Int(logging.FieldYear, period.Year),
				logging.String(logging.FieldEventType, "transcript_available"),
			)
			if err := h.maybeRequestAnalysis(ctx, logger, equity, transcript, period); err != nil {
				return err
			}
		}
		availableAt := now
		return h.store.CompleteScheduleCheck(ctx, row.ID, string(oracle.StatusAvailable), 0,
			scheduler.NextCheck(now, oracle.StatusAvailable, result.EventDate, 0, period), &availableAt)

	case oracle.StatusUpcoming:
		if _, err := h.store.UpsertTranscript(ctx, equity.ID, period, store.TranscriptUpcoming, "", result.EventDate, false); err != nil {
			return err
		}
		if _, err := h.store.AppendTranscriptEvent(ctx, store.TranscriptEvent{
			EquityID:  equity.ID,
			Quarter:   period.Quarter,
			Year:      period.Year,
			Status:    store.TranscriptUpcoming,
			EventDate: result.EventDate,
			Origin:    store.OriginPoll,
		}); err != nil {
			return err
		}
		return h.store.CompleteScheduleCheck(ctx, row.ID, string(oracle.StatusUpcoming), 0,
			scheduler.NextCheck(now, oracle.StatusUpcoming, result.EventDate, 0, period), nil)

	default: // none
		if _, err := h.store.AppendTranscriptEvent(ctx, store.TranscriptEvent{
			EquityID: equity.ID,
			Quarter:  period.Quarter,
			Year:     period.Year,
			Status:   store.TranscriptNone,
			Origin:   store.OriginPoll,
		}); err != nil {
			return err
		}
		return h.store.CompleteScheduleCheck(ctx, row.ID, string(oracle.StatusNone), 0,
			scheduler.NextCheck(now, oracle.StatusNone, nil, 0, period), nil)
	}
}

// maybeRequestAnalysis emits one analysis_request for a newly available
// transcript when the equity is tracked for auto-analysis: on the watchlist,
// or in an active group with the current target quarter.
func (h *Handler) maybeRequestAnalysis(ctx context.Context, logger *slog.Logger, equity *store.Equity, transcript *store.Transcript, period fiscal.Period) error {
	watchlisted, err := h.store.IsWatchlisted(ctx, equity.ID)
	if err != nil {
		return err
	}
	eligible := watchlisted
	if !eligible && period == fiscal.Target(h.now()) {
		groups, err := h.store.ActiveGroupsForEquity(ctx, equity.ID)
		if err != nil {
			return err
		}
		eligible = len(groups) > 0
	}
	if !eligible {
		logger.Debug("transcript stored without auto-analysis")
		return nil
	}

	key := queue.AnalysisKey(transcript.ID, transcript.SourceURL, false)
	job, inserted, err := h.store.InsertAnalysisJob(ctx, transcript.ID, key, false)
	if err != nil {
		return err
	}
	if !inserted {
		// A previous observation of this URL already queued the work.
		logger.Debug("analysis already requested", logging.Int64("job_id", job.ID))
		return nil
	}

	payload := queue.AnalysisPayload{
		TranscriptID:   transcript.ID,
		SourceURL:      transcript.SourceURL,
		Force:          false,
		IdempotencyKey: key,
	}
	if _, err := h.broker.Publish(ctx, queue.AnalysisRequest, payload, 0); err != nil {
		return err
	}
	logger.Info("analysis requested",
		logging.Int64("transcript_id", transcript.ID),
		logging.Int64("job_id", job.ID),
		logging.String(logging.FieldEventType, "analysis_requested"),
	)
	return nil
}
