// Package worker runs queue consumer pools. A Pool claims batches from one
// queue, dispatches each message to its Handler, and translates the outcome
// into an ack, a backoff nack, or a dead-letter. Panics in handlers are
// contained and treated as transient failures.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"earshot/internal/logging"
	"earshot/internal/queue"
	"earshot/internal/services"
)

// Handler processes one message. Returning nil acks the message. Errors are
// classified: transient and rate-limited errors nack with backoff (or
// dead-letter on attempt exhaustion); permanent errors ack, on the contract
// that the handler already recorded the failure durably.
type Handler interface {
	Queue() string
	Handle(ctx context.Context, msg *queue.Message) error
}

// Backoff computes the nack delay from the message's attempt count.
type Backoff func(attempts int) time.Duration

// Pool consumes one queue with a fixed number of workers.
type Pool struct {
	broker  *queue.Broker
	handler Handler
	logger  *slog.Logger

	workers      int
	claimBatch   int
	lease        time.Duration
	idleWait     time.Duration
	backoff      Backoff
	onDeadLetter func(queue string, messageID int64)
}

// Config sizes a pool.
type Config struct {
	Workers    int
	ClaimBatch int
	Lease      time.Duration
	IdleWait   time.Duration
	Backoff    Backoff
	// OnDeadLetter fires after a message is moved to the dead-letter
	// table, for operator alerting.
	OnDeadLetter func(queue string, messageID int64)
}

// NewPool constructs a consumer pool.
func NewPool(broker *queue.Broker, handler Handler, logger *slog.Logger, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 15 * time.Minute
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(attempts int) time.Duration { return time.Minute }
	}
	return &Pool{
		broker:       broker,
		handler:      handler,
		logger:       logging.NewComponentLogger(logger, handler.Queue()+"-pool"),
		workers:      cfg.Workers,
		claimBatch:   cfg.ClaimBatch,
		lease:        cfg.Lease,
		idleWait:     cfg.IdleWait,
		backoff:      cfg.Backoff,
		onDeadLetter: cfg.OnDeadLetter,
	}
}

// Run blocks until the context is cancelled, consuming with the configured
// parallelism.
func (p *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		group.Go(func() error {
			p.consumeLoop(groupCtx)
			return nil
		})
	}
	return group.Wait()
}

func (p *Pool) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.broker.Claim(ctx, p.handler.Queue(), p.claimBatch, p.lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claim failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check state database access"),
			)
			p.wait(ctx)
			continue
		}
		if len(msgs) == 0 {
			p.wait(ctx)
			continue
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				// Shutdown mid-batch: unclaimed work resurfaces when the
				// lease lapses.
				return
			}
			p.processOne(ctx, msg)
		}
	}
}

func (p *Pool) processOne(ctx context.Context, msg *queue.Message) {
	msgCtx := services.WithQueue(services.WithMessageID(ctx, msg.ID), msg.Queue)
	msgCtx = services.WithRequestID(msgCtx, uuid.NewString())
	logger := logging.WithContext(msgCtx, p.logger)

	// Keep the lease alive while the handler runs; long external calls can
	// exceed the initial lease.
	heartbeatCtx, stopHeartbeat := context.WithCancel(msgCtx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.extendLoop(heartbeatCtx, msg.ID)
	}()

	err := p.handleSafely(msgCtx, msg)
	stopHeartbeat()
	wg.Wait()

	switch {
	case err == nil:
		if ackErr := p.broker.Ack(msgCtx, msg.ID); ackErr != nil {
			logger.Error("ack failed", logging.Error(ackErr))
		}
	case msgCtx.Err() != nil:
		// Shutdown: leave the message leased; it redelivers after expiry.
		logger.Debug("message interrupted by shutdown")
	case services.IsPermanent(err):
		logger.Warn("permanent failure, acking",
			logging.Error(err),
			logging.String(logging.FieldEventType, "message_permanent_failure"),
		)
		if ackErr := p.broker.Ack(msgCtx, msg.ID); ackErr != nil {
			logger.Error("ack failed", logging.Error(ackErr))
		}
	default:
		delay := p.backoff(msg.Attempts)
		dead, nackErr := p.broker.Nack(msgCtx, msg, delay, err)
		if nackErr != nil {
			logger.Error("nack failed", logging.Error(nackErr))
			return
		}
		if dead {
			logger.Error("message dead-lettered",
				logging.Error(err),
				logging.Int("attempts", msg.Attempts),
				logging.String(logging.FieldEventType, "message_dead_lettered"),
			)
			if p.onDeadLetter != nil {
				p.onDeadLetter(msg.Queue, msg.ID)
			}
		} else {
			logger.Warn("transient failure, retrying",
				logging.Error(err),
				logging.Int("attempts", msg.Attempts),
				logging.Duration("backoff", delay),
			)
		}
	}
}

func (p *Pool) handleSafely(ctx context.Context, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = services.Wrap(services.ErrTransient, p.handler.Queue(), "handle",
				fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	return p.handler.Handle(ctx, msg)
}

func (p *Pool) extendLoop(ctx context.Context, msgID int64) {
	interval := p.lease / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.broker.Extend(ctx, msgID, p.lease); err != nil && ctx.Err() == nil {
				p.logger.Warn("lease extension failed", logging.Error(err), logging.Int64(logging.FieldMessageID, msgID))
			}
		}
	}
}

func (p *Pool) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.idleWait):
	}
}
