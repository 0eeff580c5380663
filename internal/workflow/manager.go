// Package workflow owns every background goroutine in the daemon: the
// scheduler loop, the fetcher/analysis/email worker pools, the research
// coordinator and its sweep, and the startup recovery pass. Components
// coordinate only through the store and broker, so stopping the manager and
// starting another process resumes cleanly.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"earshot/internal/analysis"
	"earshot/internal/config"
	"earshot/internal/email"
	"earshot/internal/fetcher"
	"earshot/internal/fiscal"
	"earshot/internal/logging"
	"earshot/internal/notifications"
	"earshot/internal/queue"
	"earshot/internal/research"
	"earshot/internal/retry"
	"earshot/internal/scheduler"
	"earshot/internal/store"
	"earshot/internal/worker"
)

// Manager wires and runs the pipeline's moving parts.
type Manager struct {
	cfg    *config.Config
	store  *store.Store
	broker *queue.Broker
	logger *slog.Logger

	scheduler   *scheduler.Scheduler
	fetcher     *fetcher.Handler
	analyzer    *analysis.Handler
	emailWorker *email.Worker
	coordinator *research.Coordinator
	notifier    notifications.Service

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time
}

// Deps bundles the concrete workers the manager orchestrates.
type Deps struct {
	Scheduler   *scheduler.Scheduler
	Fetcher     *fetcher.Handler
	Analyzer    *analysis.Handler
	EmailWorker *email.Worker
	Coordinator *research.Coordinator
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, st *store.Store, broker *queue.Broker, logger *slog.Logger, deps Deps) *Manager {
	m := &Manager{
		cfg:         cfg,
		store:       st,
		broker:      broker,
		logger:      logging.NewComponentLogger(logger, "workflow"),
		scheduler:   deps.Scheduler,
		fetcher:     deps.Fetcher,
		analyzer:    deps.Analyzer,
		emailWorker: deps.EmailWorker,
		coordinator: deps.Coordinator,
		notifier:    notifications.NewService(cfg),
	}
	if m.coordinator != nil {
		m.coordinator.SetCompletionHook(func(groupName, period string) {
			_ = m.notifier.NotifyResearchComplete(context.Background(), groupName, period)
		})
	}
	return m
}

// Start launches the recovery sweep and all worker goroutines.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("workflow already running")
	}
	if m.scheduler == nil || m.fetcher == nil || m.analyzer == nil || m.emailWorker == nil || m.coordinator == nil {
		return errors.New("workflow components not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.started = time.Now()

	// Repair whatever a previous process left mid-flight before any worker
	// claims new work.
	staleBefore := time.Now().Add(-time.Duration(m.cfg.Workers.LeaseSeconds) * time.Second)
	summary, err := m.store.RunStartupRecovery(runCtx, staleBefore)
	if err != nil {
		m.logger.Error("startup recovery failed", logging.Error(err))
	} else if summary.MessageLocksReleased+summary.StaleAnalysesReleased+summary.OutboxRowsRequeued+summary.ResearchRunsReopened > 0 {
		m.logger.Info("startup recovery complete",
			logging.Int64("message_locks_released", summary.MessageLocksReleased),
			logging.Int64("stale_analyses_released", summary.StaleAnalysesReleased),
			logging.Int64("outbox_rows_requeued", summary.OutboxRowsRequeued),
			logging.Int64("research_runs_reopened", summary.ResearchRunsReopened),
		)
	}

	lease := time.Duration(m.cfg.Workers.LeaseSeconds) * time.Second
	onDeadLetter := func(queueName string, messageID int64) {
		_ = m.notifier.NotifyDeadLetter(context.Background(), queueName, messageID)
	}

	fetchPool := worker.NewPool(m.broker, m.fetcher, m.logger, worker.Config{
		Workers:      m.cfg.Workers.Fetchers,
		ClaimBatch:   m.cfg.Workers.ClaimBatch,
		Lease:        lease,
		Backoff:      retry.Fetch.Delay,
		OnDeadLetter: onDeadLetter,
	})
	analysisPool := worker.NewPool(m.broker, m.analyzer, m.logger, worker.Config{
		Workers:      m.cfg.Workers.Analyzers,
		ClaimBatch:   1, // parallelism is the worker count, not the batch width
		Lease:        lease,
		Backoff:      retry.Analysis.Delay,
		OnDeadLetter: onDeadLetter,
	})
	researchPool := worker.NewPool(m.broker, m.coordinator, m.logger, worker.Config{
		Workers:      1,
		ClaimBatch:   m.cfg.Workers.ClaimBatch,
		Lease:        lease,
		Backoff:      retry.Analysis.Delay,
		OnDeadLetter: onDeadLetter,
	})

	m.spawn(func() { m.scheduler.Run(runCtx) })
	m.spawn(func() { _ = fetchPool.Run(runCtx) })
	m.spawn(func() { _ = analysisPool.Run(runCtx) })
	m.spawn(func() { _ = researchPool.Run(runCtx) })
	m.spawn(func() { m.coordinator.RunSweepLoop(runCtx) })
	for i := 0; i < m.cfg.Workers.Emailers; i++ {
		m.spawn(func() { m.emailWorker.Run(runCtx) })
	}

	m.logger.Info("workflow started",
		logging.Int("fetchers", m.cfg.Workers.Fetchers),
		logging.Int("analyzers", m.cfg.Workers.Analyzers),
		logging.Int("emailers", m.cfg.Workers.Emailers),
	)
	return nil
}

func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Stop cancels all workers and waits up to the shutdown grace period for
// in-flight work to finish. Unfinished leases simply lapse, so another
// process can resume.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()

	grace := time.Duration(m.cfg.Workers.ShutdownGraceSeconds) * time.Second
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("workflow stopped")
	case <-time.After(grace):
		m.logger.Warn("workflow stop timed out, leases will expire",
			logging.Duration("grace", grace),
		)
	}
}

// Running reports whether the manager is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// StatusSummary describes the workflow for the admin surface.
type StatusSummary struct {
	Running    bool
	Since      time.Time
	Scheduler  scheduler.Status
	QueueDepth map[string]int
}

// Status collects the current state.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.Lock()
	running := m.running
	since := m.started
	m.mu.Unlock()

	summary := StatusSummary{
		Running:   running,
		Since:     since,
		Scheduler: m.scheduler.Status(running),
	}
	if depths, err := m.broker.Depths(ctx); err == nil {
		summary.QueueDepth = depths
	}
	return summary
}

// TriggerScheduler forces an immediate dispatch tick.
func (m *Manager) TriggerScheduler(ctx context.Context) (bool, error) {
	return m.scheduler.TriggerNow(ctx)
}

// ForceResearch creates or re-opens a research run, bypassing fan-in.
func (m *Manager) ForceResearch(ctx context.Context, groupID int64, period fiscal.Period) (*store.ResearchRun, error) {
	return m.coordinator.Force(ctx, groupID, period)
}
