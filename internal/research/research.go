// Package research coordinates per-group deep research runs. A run for a
// (group, quarter, year) dispatches only once every current member has an
// available transcript with a completed analysis for that period; a forced
// run skips the fan-in check and works with whichever members are ready.
//
// The coordinator consumes two shapes from the group_research_request queue:
// completion signals carrying an equity id, and dispatched runs carrying a
// run id. A periodic sweep re-evaluates readiness so a lost signal only
// delays a run rather than losing it.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"earshot/internal/config"
	"earshot/internal/fiscal"
	"earshot/internal/llm"
	"earshot/internal/logging"
	"earshot/internal/queue"
	"earshot/internal/services"
	"earshot/internal/store"
)

// DefaultDeepResearchPrompt is used when a group has no prompt of its own.
const DefaultDeepResearchPrompt = `You are an expert equity research analyst.
Using the individual earnings-call analyses provided, write a comparative
research article for this group of companies: common themes, divergences in
performance and outlook, and sector-level takeaways.`

// Coordinator consumes group_research_request messages and runs the sweep.
type Coordinator struct {
	cfg        *config.Config
	store      *store.Store
	broker     *queue.Broker
	provider   llm.Provider
	logger     *slog.Logger
	now        func() time.Time
	onComplete func(groupName, period string)
}

// New constructs a coordinator.
func New(cfg *config.Config, st *store.Store, broker *queue.Broker, provider llm.Provider, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		broker:   broker,
		provider: provider,
		logger:   logging.NewComponentLogger(logger, "research"),
		now:      time.Now,
	}
}

// SetCompletionHook registers a callback fired after a run reaches done,
// used for operator notifications.
func (c *Coordinator) SetCompletionHook(hook func(groupName, period string)) {
	c.onComplete = hook
}

// Queue implements worker.Handler.
func (c *Coordinator) Queue() string {
	return queue.GroupResearchRequest
}

// Handle implements worker.Handler.
func (c *Coordinator) Handle(ctx context.Context, msg *queue.Message) error {
	var payload queue.ResearchPayload
	if err := queue.Decode(msg, &payload); err != nil {
		return services.Wrap(services.ErrPermanent, "research", "decode", "", err)
	}

	if payload.RunID > 0 {
		return c.executeRun(ctx, payload)
	}
	if payload.EquityID > 0 {
		return c.handleCompletion(ctx, payload)
	}
	return services.Wrap(services.ErrPermanent, "research", "handle", "payload names neither run nor equity", nil)
}

// handleCompletion reacts to one finished analysis: every active group
// containing the equity is re-checked for fan-in readiness.
func (c *Coordinator) handleCompletion(ctx context.Context, payload queue.ResearchPayload) error {
	groups, err := c.store.ActiveGroupsForEquity(ctx, payload.EquityID)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if err := c.maybeDispatch(ctx, group, payload.Period()); err != nil {
			return err
		}
	}
	return nil
}

// maybeDispatch creates and enqueues a run when the group is ready and no
// run exists yet for the period.
func (c *Coordinator) maybeDispatch(ctx context.Context, group *store.Group, period fiscal.Period) error {
	readiness, err := c.store.CheckGroupReadiness(ctx, group.ID, period)
	if err != nil {
		return err
	}
	if !readiness.Ready() {
		c.logger.Debug("group not ready",
			logging.Int64("group_id", group.ID),
			logging.Int("ready", readiness.ReadyCount),
			logging.Int("members", readiness.MemberCount),
		)
		return nil
	}

	run, inserted, err := c.store.InsertResearchRun(ctx, group.ID, period)
	if err != nil {
		return err
	}
	if !inserted {
		// A run already exists for this period; done runs stay frozen
		// unless explicitly re-forced.
		return nil
	}

	dispatch := queue.ResearchPayload{
		GroupID: group.ID,
		RunID:   run.ID,
		Quarter: period.Quarter,
		Year:    period.Year,
	}
	if _, err := c.broker.Publish(ctx, queue.GroupResearchRequest, dispatch, 0); err != nil {
		return err
	}
	c.logger.Info("group research dispatched",
		logging.Int64("group_id", group.ID),
		logging.Int64("run_id", run.ID),
		logging.String(logging.FieldQuarter, string(period.Quarter)),
		logging.Int(logging.FieldYear, period.Year),
		logging.String(logging.FieldEventType, "research_dispatched"),
	)
	return nil
}

// executeRun performs the second stage: claim the run, build the prompt from
// member analyses, call the model, and store the article.
func (c *Coordinator) executeRun(ctx context.Context, payload queue.ResearchPayload) error {
	run, err := c.store.GetResearchRun(ctx, payload.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return services.Wrap(services.ErrPermanent, "research", "execute", "run missing", nil)
	}
	if err != nil {
		return err
	}
	group, err := c.store.GetGroup(ctx, run.GroupID)
	if err != nil {
		return err
	}

	prompt := group.DeepResearchPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultDeepResearchPrompt
	}

	claimed, err := c.store.StartResearchRun(ctx, run.ID, prompt, payload.Force)
	if err != nil {
		return err
	}
	if !claimed {
		// Another consumer already took it, or the run is terminal and the
		// request was not forced.
		c.logger.Debug("research run not claimable", logging.Int64("run_id", run.ID))
		return nil
	}

	members, err := c.store.ReadyMemberAnalyses(ctx, run.GroupID, run.Period())
	if err != nil {
		c.failRun(ctx, run.ID, err)
		return err
	}
	if len(members) == 0 {
		err := services.Wrap(services.ErrPermanent, "research", "execute", "no member analyses available", nil)
		c.failRun(ctx, run.ID, err)
		return err
	}

	input := buildResearchInput(group.Name, run.Period(), members)

	llmCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.LLM.TimeoutSeconds)*time.Second)
	defer cancel()
	generated, err := c.provider.Generate(llmCtx, llm.Request{
		SystemPrompt:    prompt,
		Input:           input,
		MaxOutputTokens: c.cfg.LLM.MaxOutputTokens,
		ThinkingEnabled: c.cfg.LLM.ThinkingEnabled,
		ThinkingBudget:  c.cfg.LLM.ThinkingBudget,
	})
	if err != nil {
		if services.IsPermanent(err) {
			c.failRun(ctx, run.ID, err)
			return err
		}
		// Transient: reopen for the retry that follows the nack.
		if reopenErr := c.store.ReopenResearchRun(ctx, run.ID); reopenErr != nil {
			c.logger.Error("reopen run failed", logging.Error(reopenErr))
		}
		return err
	}

	ref := c.provider.Ref()
	if err := c.store.FinishResearchRun(ctx, run.ID, store.ResearchDone, generated.OutputText, ref.Provider, ref.Model, ref.Revision, ""); err != nil {
		return err
	}
	c.logger.Info("group research complete",
		logging.Int64("group_id", run.GroupID),
		logging.Int64("run_id", run.ID),
		logging.Int64("tokens_out", generated.TokensOut),
		logging.String(logging.FieldEventType, "research_complete"),
	)
	if c.onComplete != nil {
		c.onComplete(group.Name, run.Period().String())
	}
	return nil
}

func (c *Coordinator) failRun(ctx context.Context, runID int64, cause error) {
	if err := c.store.FinishResearchRun(ctx, runID, store.ResearchError, "", "", "", "", cause.Error()); err != nil {
		c.logger.Error("mark run error failed", logging.Error(err))
	}
}

// Sweep re-evaluates fan-in for every active group against the current
// target quarter. Run periodically so a lost completion signal only delays
// dispatch.
func (c *Coordinator) Sweep(ctx context.Context) error {
	period := fiscal.Target(c.now())
	groups, err := c.store.ListGroups(ctx, true)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if err := c.maybeDispatch(ctx, group, period); err != nil {
			return err
		}
	}
	return nil
}

// RunSweepLoop drives Sweep on the configured interval.
func (c *Coordinator) RunSweepLoop(ctx context.Context) {
	interval := time.Duration(c.cfg.Research.SweepSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("research sweep failed", logging.Error(err))
			}
		}
	}
}

// Force creates or re-opens a run for the period, skipping the fan-in check,
// and enqueues its execution.
func (c *Coordinator) Force(ctx context.Context, groupID int64, period fiscal.Period) (*store.ResearchRun, error) {
	if _, err := c.store.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	run, inserted, err := c.store.InsertResearchRun(ctx, groupID, period)
	if err != nil {
		return nil, err
	}
	if !inserted {
		if err := c.store.ReopenResearchRun(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	dispatch := queue.ResearchPayload{
		GroupID: groupID,
		RunID:   run.ID,
		Quarter: period.Quarter,
		Year:    period.Year,
		Force:   true,
	}
	if _, err := c.broker.Publish(ctx, queue.GroupResearchRequest, dispatch, 0); err != nil {
		return nil, err
	}
	return c.store.GetResearchRun(ctx, run.ID)
}

func buildResearchInput(groupName string, period fiscal.Period, members []store.MemberAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Group: %s\nPeriod: %s\nCompanies: %d\n", groupName, period, len(members))
	for _, member := range members {
		fmt.Fprintf(&b, "\n=== %s (%s) ===\n%s\n", member.Symbol, member.Name, member.OutputText)
	}
	return b.String()
}
