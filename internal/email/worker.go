package email

import (
	"context"
	"log/slog"
	"time"

	"earshot/internal/config"
	"earshot/internal/logging"
	"earshot/internal/retry"
	"earshot/internal/services"
	"earshot/internal/store"
)

// MaxAttempts is the delivery limit before a row goes dead.
const MaxAttempts = 8

// Worker drains the email outbox.
type Worker struct {
	cfg    *config.Config
	store  *store.Store
	sender Sender
	logger *slog.Logger
	now    func() time.Time
}

// NewWorker constructs an outbox worker.
func NewWorker(cfg *config.Config, st *store.Store, sender Sender, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		store:  st,
		sender: sender,
		logger: logging.NewComponentLogger(logger, "email"),
		now:    time.Now,
	}
}

// Run polls the outbox until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	idle := time.Second * 5
	for {
		processed, err := w.DrainOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("outbox drain failed", logging.Error(err))
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// DrainOnce claims and delivers one batch of due outbox rows.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	lease := time.Duration(w.cfg.Workers.LeaseSeconds) * time.Second
	rows, err := w.store.ClaimOutboxRows(ctx, w.cfg.Workers.ClaimBatch, w.now(), lease)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		w.deliver(ctx, row)
	}
	return len(rows), nil
}

func (w *Worker) deliver(ctx context.Context, row *store.OutboxRow) {
	logger := w.logger.With(
		logging.Int64("outbox_id", row.ID),
		logging.Int64("analysis_id", row.AnalysisID),
		logging.String("recipient", row.Recipient),
	)

	msg, err := w.render(ctx, row)
	if err != nil {
		// A row whose analysis vanished can never send.
		logger.Warn("outbox row unrenderable", logging.Error(err))
		if markErr := w.store.MarkOutboxTerminal(ctx, row.ID, store.OutboxFailed, err.Error()); markErr != nil {
			logger.Error("mark outbox failed errored", logging.Error(markErr))
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.Email.TimeoutSeconds)*time.Second)
	err = w.sender.Send(sendCtx, msg)
	cancel()

	switch {
	case err == nil:
		if markErr := w.store.MarkOutboxSent(ctx, row.ID); markErr != nil {
			logger.Error("mark outbox sent errored", logging.Error(markErr))
			return
		}
		logger.Info("email sent", logging.String(logging.FieldEventType, "email_sent"))
	case services.IsPermanent(err):
		logger.Warn("email rejected permanently", logging.Error(err))
		if markErr := w.store.MarkOutboxTerminal(ctx, row.ID, store.OutboxFailed, err.Error()); markErr != nil {
			logger.Error("mark outbox failed errored", logging.Error(markErr))
		}
	case row.Attempts >= MaxAttempts:
		logger.Error("email delivery exhausted", logging.Error(err), logging.Int("attempts", row.Attempts))
		if markErr := w.store.MarkOutboxTerminal(ctx, row.ID, store.OutboxDead, err.Error()); markErr != nil {
			logger.Error("mark outbox dead errored", logging.Error(markErr))
		}
	default:
		delay := retry.Email.Delay(row.Attempts)
		logger.Warn("email delivery failed, retrying",
			logging.Error(err),
			logging.Int("attempts", row.Attempts),
			logging.Duration("backoff", delay),
		)
		if markErr := w.store.RescheduleOutboxRow(ctx, row.ID, w.now().Add(delay), err.Error()); markErr != nil {
			logger.Error("reschedule outbox errored", logging.Error(markErr))
		}
	}
}

func (w *Worker) render(ctx context.Context, row *store.OutboxRow) (OutboundEmail, error) {
	analysis, err := w.store.GetAnalysis(ctx, row.AnalysisID)
	if err != nil {
		return OutboundEmail{}, err
	}
	transcript, err := w.store.GetTranscript(ctx, analysis.TranscriptID)
	if err != nil {
		return OutboundEmail{}, err
	}
	equity, err := w.store.GetEquity(ctx, transcript.EquityID)
	if err != nil {
		return OutboundEmail{}, err
	}
	return Render(row.Recipient, equity, transcript, analysis)
}
