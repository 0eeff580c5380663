package analysis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"earshot/internal/config"
	"earshot/internal/contentstore"
	"earshot/internal/llm"
	"earshot/internal/logging"
	"earshot/internal/oracle"
	"earshot/internal/queue"
	"earshot/internal/services"
	"earshot/internal/store"
)

// MaxAttempts is the analysis queue's dead-letter threshold.
const MaxAttempts = 6

// Handler processes analysis_request messages.
type Handler struct {
	cfg      *config.Config
	store    *store.Store
	broker   *queue.Broker
	content  *contentstore.Store
	oracle   *oracle.Client
	provider llm.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs an analysis handler.
func New(cfg *config.Config, st *store.Store, broker *queue.Broker, content *contentstore.Store, client *oracle.Client, provider llm.Provider, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    st,
		broker:   broker,
		content:  content,
		oracle:   client,
		provider: provider,
		logger:   logging.NewComponentLogger(logger, "analysis"),
		now:      time.Now,
	}
}

// Queue implements worker.Handler.
func (h *Handler) Queue() string {
	return queue.AnalysisRequest
}

// Handle implements worker.Handler.
func (h *Handler) Handle(ctx context.Context, msg *queue.Message) error {
	var payload queue.AnalysisPayload
	if err := queue.Decode(msg, &payload); err != nil {
		return services.Wrap(services.ErrPermanent, "analysis", "decode", "", err)
	}

	transcript, err := h.store.GetTranscript(ctx, payload.TranscriptID)
	if errors.Is(err, store.ErrNotFound) {
		return services.Wrap(services.ErrPermanent, "analysis", "load", "transcript missing", nil)
	}
	if err != nil {
		return err
	}

	logger := logging.WithContext(ctx, h.logger).With(
		logging.Int64("transcript_id", transcript.ID),
		logging.String(logging.FieldQuarter, string(transcript.Quarter)),
		logging.Int(logging.FieldYear, transcript.Year),
	)

	reserved, err := h.store.TryReserveTranscriptAnalysis(ctx, transcript.ID)
	if err != nil {
		return err
	}
	if !reserved {
		if !payload.Force {
			// Another worker holds the transcript; this request is a no-op.
			logger.Debug("analysis already in flight, skipping")
			return nil
		}
		// A force waits briefly for the holder, then retries via nack.
		reserved, err = h.waitToReserve(ctx, transcript.ID)
		if err != nil {
			return err
		}
		if !reserved {
			return services.Wrap(services.ErrTransient, "analysis", "reserve", "transcript busy", nil)
		}
	}

	result, err := h.analyze(ctx, logger, transcript, payload)
	if err != nil {
		return h.handleFailure(ctx, logger, transcript, payload, msg.Attempts, err)
	}

	if err := h.finish(ctx, logger, transcript, payload, result); err != nil {
		return err
	}
	return nil
}

// waitToReserve polls the reservation with bounded backoff, giving the
// current holder a chance to finish before the message is retried.
func (h *Handler) waitToReserve(ctx context.Context, transcriptID int64) (bool, error) {
	delays := []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}
	for _, delay := range delays {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		reserved, err := h.store.TryReserveTranscriptAnalysis(ctx, transcriptID)
		if err != nil || reserved {
			return reserved, err
		}
	}
	return false, nil
}

func (h *Handler) analyze(ctx context.Context, logger *slog.Logger, transcript *store.Transcript, payload queue.AnalysisPayload) (*store.Analysis, error) {
	text, err := h.transcriptText(ctx, logger, transcript, payload.SourceURL)
	if err != nil {
		return nil, err
	}

	prompt, err := ResolvePrompt(ctx, h.store, transcript.EquityID)
	if err != nil {
		return nil, err
	}

	llmCtx, cancel := context.WithTimeout(ctx, time.Duration(h.cfg.LLM.TimeoutSeconds)*time.Second)
	defer cancel()

	generated, err := h.provider.Generate(llmCtx, llm.Request{
		SystemPrompt:    prompt,
		Input:           text,
		MaxOutputTokens: h.cfg.LLM.MaxOutputTokens,
		ThinkingEnabled: h.cfg.LLM.ThinkingEnabled,
		ThinkingBudget:  h.cfg.LLM.ThinkingBudget,
	})
	if err != nil {
		return nil, err
	}

	ref := h.provider.Ref()
	return &store.Analysis{
		TranscriptID:   transcript.ID,
		IdempotencyKey: payload.IdempotencyKey,
		PromptSnapshot: prompt,
		OutputText:     generated.OutputText,
		ModelProvider:  ref.Provider,
		ModelID:        ref.Model,
		ModelRevision:  ref.Revision,
		TokensIn:       generated.TokensIn,
		TokensOut:      generated.TokensOut,
		Cost:           generated.Cost,
	}, nil
}

// transcriptText returns the extracted transcript text, preferring the
// on-disk cache over a fresh download.
func (h *Handler) transcriptText(ctx context.Context, logger *slog.Logger, transcript *store.Transcript, sourceURL string) (string, error) {
	if sourceURL == "" {
		sourceURL = transcript.SourceURL
	}
	if sourceURL == "" {
		return "", services.Wrap(services.ErrPermanent, "analysis", "fetch", "transcript has no source url", nil)
	}

	key := contentstore.Key(transcript.ID, sourceURL)
	if h.content.Has(key) {
		return h.content.Read(key)
	}

	body, err := h.oracle.Download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	text, err := extractText(body)
	if err != nil {
		return "", err
	}
	path, err := h.content.Write(key, text)
	if err != nil {
		return "", err
	}
	if err := h.store.SetTranscriptContentPath(ctx, transcript.ID, path); err != nil {
		return "", err
	}
	logger.Debug("transcript content cached", logging.String("content_path", path))
	return text, nil
}

func (h *Handler) finish(ctx context.Context, logger *slog.Logger, transcript *store.Transcript, payload queue.AnalysisPayload, analysis *store.Analysis) error {
	stored, inserted, err := h.store.InsertAnalysis(ctx, analysis)
	if err != nil {
		return err
	}
	if !inserted {
		logger.Info("analysis already stored, converging", logging.Int64("analysis_id", stored.ID))
	}
	if err := h.store.FinishTranscriptAnalysis(ctx, transcript.ID, store.AnalysisDone, ""); err != nil {
		return err
	}
	if err := h.store.MarkAnalysisJobByKey(ctx, payload.IdempotencyKey, store.JobDone, ""); err != nil {
		return err
	}

	logger.Info("analysis complete",
		logging.Int64("analysis_id", stored.ID),
		logging.Int64("tokens_in", stored.TokensIn),
		logging.Int64("tokens_out", stored.TokensOut),
		logging.Float64("cost", stored.Cost),
		logging.String(logging.FieldEventType, "analysis_complete"),
	)

	if err := h.queueEmails(ctx, logger, transcript, stored); err != nil {
		return err
	}
	return h.signalResearch(ctx, logger, transcript)
}

// queueEmails inserts one outbox row per recipient for watchlisted equities.
// The (analysis_id, recipient) uniqueness absorbs repeats.
func (h *Handler) queueEmails(ctx context.Context, logger *slog.Logger, transcript *store.Transcript, analysis *store.Analysis) error {
	if !h.cfg.Email.Enabled || len(h.cfg.Email.Recipients) == 0 {
		return nil
	}
	watchlisted, err := h.store.IsWatchlisted(ctx, transcript.EquityID)
	if err != nil {
		return err
	}
	if !watchlisted {
		return nil
	}
	queued := 0
	for _, recipient := range h.cfg.Email.Recipients {
		inserted, err := h.store.InsertOutboxRow(ctx, analysis.ID, recipient)
		if err != nil {
			return err
		}
		if inserted {
			queued++
		}
	}
	if queued > 0 {
		logger.Info("notification emails queued", logging.Int("count", queued))
	}
	return nil
}

// signalResearch tells the coordinator an analysis finished for this
// equity's period.
func (h *Handler) signalResearch(ctx context.Context, logger *slog.Logger, transcript *store.Transcript) error {
	groups, err := h.store.ActiveGroupsForEquity(ctx, transcript.EquityID)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}
	payload := queue.ResearchPayload{
		EquityID: transcript.EquityID,
		Quarter:  transcript.Quarter,
		Year:     transcript.Year,
	}
	if _, err := h.broker.Publish(ctx, queue.GroupResearchRequest, payload, 0); err != nil {
		return err
	}
	logger.Debug("group research signalled", logging.Int("groups", len(groups)))
	return nil
}

func (h *Handler) handleFailure(ctx context.Context, logger *slog.Logger, transcript *store.Transcript, payload queue.AnalysisPayload, attempts int, cause error) error {
	switch services.Classify(cause) {
	case services.OutcomePermanent:
		logger.Warn("analysis failed permanently",
			logging.Error(cause),
			logging.String(logging.FieldEventType, "analysis_permanent_failure"),
		)
		if err := h.store.FinishTranscriptAnalysis(ctx, transcript.ID, store.AnalysisError, cause.Error()); err != nil {
			return err
		}
		if err := h.store.MarkAnalysisJobByKey(ctx, payload.IdempotencyKey, store.JobError, cause.Error()); err != nil {
			return err
		}
		return cause
	default:
		// Release the reservation so a retry (this worker or another) can
		// claim it after the nack delay.
		if err := h.store.ReleaseTranscriptAnalysis(ctx, transcript.ID); err != nil {
			logger.Error("release reservation failed", logging.Error(err))
		}
		if attempts >= MaxAttempts {
			if err := h.store.MarkAnalysisJobByKey(ctx, payload.IdempotencyKey, store.JobDead, cause.Error()); err != nil {
				logger.Error("mark job dead failed", logging.Error(err))
			}
		} else {
			if err := h.store.MarkAnalysisJobByKey(ctx, payload.IdempotencyKey, store.JobPending, cause.Error()); err != nil {
				logger.Error("mark job pending failed", logging.Error(err))
			}
		}
		return cause
	}
}
