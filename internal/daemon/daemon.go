// Package daemon coordinates the background pipeline and enforces
// single-instance execution. It owns the lock file, the workflow manager's
// lifecycle, and the HTTP admin surface the UI and CLI talk to.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"earshot/internal/config"
	"earshot/internal/fiscal"
	"earshot/internal/logging"
	"earshot/internal/notifications"
	"earshot/internal/queue"
	"earshot/internal/store"
	"earshot/internal/workflow"
)

// Daemon ties the store, broker, workflow manager, and admin server together.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	broker   *queue.Broker
	workflow *workflow.Manager
	notifier notifications.Service

	lockPath string
	lock     *flock.Flock

	api *apiServer

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, broker *queue.Broker, logger *slog.Logger, wf *workflow.Manager) (*Daemon, error) {
	if cfg == nil || st == nil || broker == nil || logger == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, broker, logger, and workflow manager")
	}
	lockPath := filepath.Join(cfg.Paths.DataDir, "earshotd.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		broker:   broker,
		workflow: wf,
		notifier: notifications.NewService(cfg),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the instance lock and launches the workflow and admin API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another earshot daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.workflow.Start(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		d.cancel = nil
		return fmt.Errorf("start workflow: %w", err)
	}
	if d.api != nil {
		if err := d.api.start(runCtx); err != nil {
			d.workflow.Stop()
			_ = d.lock.Unlock()
			cancel()
			d.cancel = nil
			return err
		}
	}

	d.running.Store(true)
	d.logger.Info("earshot daemon started", logging.String("lock", d.lockPath))
	_ = d.notifier.NotifyLifecycle(runCtx, "daemon started")
	return nil
}

// Stop halts background processing and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.api != nil {
		d.api.stop()
	}
	d.workflow.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("earshot daemon stopped")
	_ = d.notifier.NotifyLifecycle(context.Background(), "daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Running reports daemon state.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// LockPath returns the instance lock file location.
func (d *Daemon) LockPath() string {
	return d.lockPath
}

// APIAddr returns the admin API listen address, empty when disabled or not
// started.
func (d *Daemon) APIAddr() string {
	if d.api == nil || d.api.listener == nil {
		return ""
	}
	return d.api.listener.Addr().String()
}

// Analyze inserts a durable analysis job for an equity's transcript and
// publishes the matching analysis_request. The period defaults to the
// current fiscal target. force creates a fresh unit of work even when a done
// analysis exists.
func (d *Daemon) Analyze(ctx context.Context, equityID int64, quarter string, year int, force bool) (*store.AnalysisJob, bool, error) {
	period := fiscal.Target(nowUTC())
	if quarter != "" && year > 0 {
		parsed, err := fiscal.ParseQuarter(quarter)
		if err != nil {
			return nil, false, err
		}
		period = fiscal.Period{Quarter: parsed, Year: year}
	}

	transcript, err := d.store.GetTranscriptByPeriod(ctx, equityID, period)
	if errors.Is(err, store.ErrNotFound) {
		// Nothing fetched yet: pull the schedule forward so the next tick
		// polls immediately, and report the miss.
		if _, markErr := d.store.MarkScheduleDueNow(ctx, equityID, period); markErr != nil {
			d.logger.Warn("mark schedule due failed", logging.Error(markErr))
		}
		return nil, false, fmt.Errorf("no transcript recorded for %s: %w", period, err)
	}
	if err != nil {
		return nil, false, err
	}
	if transcript.Status != store.TranscriptAvailable || transcript.SourceURL == "" {
		return nil, false, fmt.Errorf("transcript for %s is not available yet", period)
	}

	key := queue.AnalysisKey(transcript.ID, transcript.SourceURL, false)
	if force {
		analyses, err := d.store.ListAnalysesForTranscript(ctx, transcript.ID)
		if err != nil {
			return nil, false, err
		}
		key = queue.AnalysisKeyForced(transcript.ID, transcript.SourceURL, len(analyses))
	}

	job, inserted, err := d.store.InsertAnalysisJob(ctx, transcript.ID, key, force)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		payload := queue.AnalysisPayload{
			TranscriptID:   transcript.ID,
			SourceURL:      transcript.SourceURL,
			Force:          force,
			IdempotencyKey: key,
		}
		if _, err := d.broker.Publish(ctx, queue.AnalysisRequest, payload, 0); err != nil {
			return nil, false, err
		}
		d.logger.Info("manual analysis queued",
			logging.Int64("transcript_id", transcript.ID),
			logging.Int64("job_id", job.ID),
			logging.Bool("force", force),
		)
	}
	return job, !inserted, nil
}

// ForceArticle creates or re-opens a group research run with force
// semantics.
func (d *Daemon) ForceArticle(ctx context.Context, groupID int64, quarter string, year int) (*store.ResearchRun, error) {
	parsed, err := fiscal.ParseQuarter(quarter)
	if err != nil {
		return nil, err
	}
	if year <= 0 {
		return nil, errors.New("year is required")
	}
	return d.workflow.ForceResearch(ctx, groupID, fiscal.Period{Quarter: parsed, Year: year})
}
