package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"earshot/internal/config"
	"earshot/internal/fiscal"
	"earshot/internal/logging"
	"earshot/internal/queue"
	"earshot/internal/store"
)

// Scheduler materialises schedule rows and dispatches due ones onto the
// transcript_check queue.
type Scheduler struct {
	cfg    *config.Config
	store  *store.Store
	broker *queue.Broker
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	polling      bool
	lastTick     time.Time
	lastSync     time.Time
	lastAdvanced time.Time
}

// New constructs a scheduler.
func New(cfg *config.Config, st *store.Store, broker *queue.Broker, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		store:  st,
		broker: broker,
		logger: logging.NewComponentLogger(logger, "scheduler"),
		now:    time.Now,
	}
}

// SetClock overrides the scheduler's time source (used in tests).
func (s *Scheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Run drives the scheduler until the context is cancelled: a dispatch pass
// every tick, a schedule sync on its own interval, and window advancement
// once per UTC day.
func (s *Scheduler) Run(ctx context.Context) {
	tick := time.Duration(s.cfg.Scheduler.TickSeconds) * time.Second
	syncInterval := time.Duration(s.cfg.Scheduler.ScheduleSyncSeconds) * time.Second

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	// Prime the schedule immediately so a fresh start begins polling
	// without waiting a sync interval.
	if err := s.SyncSchedule(ctx); err != nil {
		s.logger.Error("initial schedule sync failed", logging.Error(err))
	}
	if err := s.AdvanceWindows(ctx); err != nil {
		s.logger.Error("initial window advancement failed", logging.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := s.now()

		if s.consumeTick(ctx) {
			s.logger.Debug("manual tick consumed")
		}

		if now.Sub(s.lastSync) >= syncInterval {
			if err := s.SyncSchedule(ctx); err != nil {
				s.logger.Error("schedule sync failed", logging.Error(err))
			}
		}

		if s.lastAdvanced.IsZero() || now.UTC().Day() != s.lastAdvanced.UTC().Day() {
			if err := s.AdvanceWindows(ctx); err != nil {
				s.logger.Error("window advancement failed", logging.Error(err))
			}
		}

		if _, err := s.DispatchOnce(ctx); err != nil {
			s.logger.Error("dispatch failed", logging.Error(err))
		}
	}
}

// SyncSchedule ensures every tracked equity has a schedule row for the
// current target quarter and prunes rows for untracked equities.
func (s *Scheduler) SyncSchedule(ctx context.Context) error {
	now := s.now()
	target := fiscal.Target(now)

	tracked, err := s.store.TrackedEquityIDs(ctx)
	if err != nil {
		return err
	}

	trackedIDs := make([]int64, 0, len(tracked))
	for equityID, onWatchlist := range tracked {
		trackedIDs = append(trackedIDs, equityID)
		priority := store.PriorityGroup
		if onWatchlist {
			priority = store.PriorityWatchlist
		}
		if err := s.store.UpsertScheduleRow(ctx, equityID, target, priority); err != nil {
			return err
		}
	}

	pruned, err := s.store.DeleteScheduleRowsExcept(ctx, trackedIDs)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.logger.Info("pruned schedule rows for untracked equities", logging.Int64("count", pruned))
	}

	s.mu.Lock()
	s.lastSync = now
	s.mu.Unlock()
	return nil
}

// DispatchOnce claims due schedule rows and publishes one transcript_check
// per row. Returns how many were dispatched.
func (s *Scheduler) DispatchOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.polling {
		s.mu.Unlock()
		return 0, nil
	}
	s.polling = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.polling = false
		s.lastTick = s.now()
		s.mu.Unlock()
	}()

	now := s.now()
	lease := time.Duration(s.cfg.Scheduler.LeaseSeconds) * time.Second
	rows, err := s.store.ClaimDueSchedule(ctx, s.cfg.Scheduler.DispatchBatch, now, lease)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, row := range rows {
		payload := queue.CheckPayload{
			ScheduleRowID: row.ID,
			EquityID:      row.EquityID,
			Quarter:       row.Quarter,
			Year:          row.Year,
			Reason:        "scheduled",
		}
		if _, err := s.broker.Publish(ctx, queue.TranscriptCheck, payload, 0); err != nil {
			// Leave the lock in place; the row resurfaces when the lease
			// lapses and publish can be retried then.
			s.logger.Error("publish transcript_check failed",
				logging.Error(err),
				logging.Int64("schedule_row_id", row.ID),
			)
			continue
		}
		dispatched++
	}

	if dispatched > 0 {
		s.logger.Debug("dispatched transcript checks", logging.Int("count", dispatched))
	}
	return dispatched, nil
}

// AdvanceWindows opens schedule rows for a newly current target quarter and
// soft-retires rows whose quarter has drifted far past.
func (s *Scheduler) AdvanceWindows(ctx context.Context) error {
	now := s.now()
	target := fiscal.Target(now)
	retireAfter := time.Duration(s.cfg.Scheduler.RetireAfterDays) * 24 * time.Hour

	rows, err := s.store.ListScheduleRows(ctx)
	if err != nil {
		return err
	}

	seen := make(map[int64]bool)
	for _, row := range rows {
		period := row.Period()
		if period == target {
			seen[row.EquityID] = true
			continue
		}
		if row.Priority == store.PriorityRetired {
			continue
		}
		if period.Before(target) && row.LastAvailableAt != nil && now.Sub(*row.LastAvailableAt) > retireAfter {
			if err := s.store.RetireScheduleRow(ctx, row.ID, RetiredNextCheck(now)); err != nil {
				return err
			}
			s.logger.Info("retired schedule row",
				logging.Int64("schedule_row_id", row.ID),
				logging.String(logging.FieldQuarter, string(row.Quarter)),
				logging.Int(logging.FieldYear, row.Year),
			)
		}
	}

	tracked, err := s.store.TrackedEquityIDs(ctx)
	if err != nil {
		return err
	}
	opened := 0
	for equityID, onWatchlist := range tracked {
		if seen[equityID] {
			continue
		}
		priority := store.PriorityGroup
		if onWatchlist {
			priority = store.PriorityWatchlist
		}
		if err := s.store.UpsertScheduleRow(ctx, equityID, target, priority); err != nil {
			return err
		}
		opened++
	}
	if opened > 0 {
		s.logger.Info("opened schedule rows for new quarter",
			logging.Int("count", opened),
			logging.String(logging.FieldQuarter, string(target.Quarter)),
			logging.Int(logging.FieldYear, target.Year),
		)
	}

	s.mu.Lock()
	s.lastAdvanced = now
	s.mu.Unlock()
	return nil
}

// TriggerNow publishes a zero-delay scheduler tick. Returns false when a
// dispatch pass is already in flight.
func (s *Scheduler) TriggerNow(ctx context.Context) (bool, error) {
	s.mu.Lock()
	busy := s.polling
	s.mu.Unlock()
	if busy {
		return false, nil
	}
	_, err := s.broker.Publish(ctx, queue.SchedulerTick, queue.TickPayload{Reason: "manual"}, 0)
	return err == nil, err
}

// consumeTick drains pending manual tick messages; one pending tick forces a
// sync before the dispatch pass.
func (s *Scheduler) consumeTick(ctx context.Context) bool {
	msgs, err := s.broker.Claim(ctx, queue.SchedulerTick, 10, time.Minute)
	if err != nil {
		s.logger.Warn("claim scheduler ticks failed", logging.Error(err))
		return false
	}
	if len(msgs) == 0 {
		return false
	}
	for _, msg := range msgs {
		if err := s.broker.Ack(ctx, msg.ID); err != nil {
			s.logger.Warn("ack scheduler tick failed", logging.Error(err))
		}
	}
	if err := s.SyncSchedule(ctx); err != nil {
		s.logger.Error("triggered schedule sync failed", logging.Error(err))
	}
	return true
}

// Status describes the scheduler for the admin surface.
type Status struct {
	Running             bool
	Polling             bool
	PollIntervalSeconds int
	NextPollAt          time.Time
}

// Status reports the current dispatch state.
func (s *Scheduler) Status(running bool) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	tick := time.Duration(s.cfg.Scheduler.TickSeconds) * time.Second
	next := s.lastTick.Add(tick)
	if s.lastTick.IsZero() {
		next = s.now()
	}
	return Status{
		Running:             running,
		Polling:             s.polling,
		PollIntervalSeconds: s.cfg.Scheduler.TickSeconds,
		NextPollAt:          next,
	}
}
