package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"earshot/internal/store"
)

// Queue names used by the pipeline.
const (
	TranscriptCheck      = "transcript_check"
	AnalysisRequest      = "analysis_request"
	EmailSend            = "email_send"
	GroupResearchRequest = "group_research_request"
	SchedulerTick        = "scheduler_tick"
)

// DefaultMaxAttempts is the dead-letter threshold for queues without an
// explicit override.
const DefaultMaxAttempts = 6

// Message re-exports the store row so consumers do not import store just for
// the type.
type Message = store.Message

// Broker provides named-queue semantics over the store.
type Broker struct {
	store       *store.Store
	maxAttempts map[string]int
	now         func() time.Time
}

// Option customizes the broker.
type Option func(*Broker)

// WithMaxAttempts overrides the dead-letter threshold for one queue.
func WithMaxAttempts(queue string, attempts int) Option {
	return func(b *Broker) {
		if attempts > 0 {
			b.maxAttempts[queue] = attempts
		}
	}
}

// WithClock overrides the broker's time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker constructs a broker over the given store.
func NewBroker(st *store.Store, opts ...Option) *Broker {
	b := &Broker{
		store:       st,
		maxAttempts: map[string]int{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues a payload on a queue, deliverable after the given delay.
// Payloads are JSON-encoded.
func (b *Broker) Publish(ctx context.Context, queue string, payload any, delay time.Duration) (int64, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	availableAt := b.now()
	if delay > 0 {
		availableAt = availableAt.Add(delay)
	}
	return b.store.InsertMessage(ctx, queue, string(encoded), availableAt)
}

// Claim leases up to batch deliverable messages from one queue.
func (b *Broker) Claim(ctx context.Context, queue string, batch int, lease time.Duration) ([]*Message, error) {
	return b.store.ClaimMessages(ctx, queue, batch, b.now(), lease)
}

// Ack removes a delivered message.
func (b *Broker) Ack(ctx context.Context, id int64) error {
	return b.store.AckMessage(ctx, id)
}

// Nack returns a message for redelivery after backoff. When the message has
// reached its queue's attempt limit it is dead-lettered instead and the
// returned dead flag is true.
func (b *Broker) Nack(ctx context.Context, msg *Message, backoff time.Duration, cause error) (dead bool, err error) {
	limit := b.attemptLimit(msg.Queue)
	if msg.Attempts >= limit {
		detail := ""
		if cause != nil {
			detail = cause.Error()
		}
		if err := b.store.DeadLetterMessage(ctx, msg.ID, detail); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, b.store.NackMessage(ctx, msg.ID, b.now().Add(backoff))
}

// Extend pushes out the visibility lease of a claimed message.
func (b *Broker) Extend(ctx context.Context, id int64, lease time.Duration) error {
	return b.store.ExtendMessageLease(ctx, id, b.now().Add(lease))
}

// Depths returns live message counts per queue.
func (b *Broker) Depths(ctx context.Context) (map[string]int, error) {
	return b.store.QueueDepths(ctx)
}

func (b *Broker) attemptLimit(queue string) int {
	if limit, ok := b.maxAttempts[queue]; ok {
		return limit
	}
	return DefaultMaxAttempts
}

// Decode unmarshals a message payload into out.
func Decode(msg *Message, out any) error {
	if err := json.Unmarshal([]byte(msg.Payload), out); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Queue, err)
	}
	return nil
}
