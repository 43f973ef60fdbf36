// Package eventbus layers correlation tracking and a dead letter queue on
// top of a pluggable pub/sub driver. Events that still fail after the retry
// budget is spent move to a per-topic dead letter queue instead of being
// dropped.
package eventbus

import (
	"context"
	"strconv"
	"time"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/internal/runtime/ids"
	"github.com/wirebus/wirebus/internal/runtime/logging"
	"github.com/wirebus/wirebus/internal/runtime/metadata"
	"github.com/wirebus/wirebus/internal/runtime/metrics"
)

// Defaults applied when Options leaves the retry policy unset.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 100 * time.Millisecond
)

// DLQTopic names the dead letter topic for a source topic.
func DLQTopic(topic string) string {
	return "dlq:" + topic
}

// Event is one published occurrence.
type Event struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Data      any               `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
	Headers   metadata.Metadata `json:"headers,omitempty"`
}

// Handler processes one event. A returned error triggers the retry policy
// and eventually dead lettering.
type Handler func(ctx context.Context, ev Event) error

// Driver moves events between publishers and subscribers and stores dead
// letters.
type Driver interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(topic string, fn func(ctx context.Context, ev Event)) (unsubscribe func(), err error)
	AppendDeadLetter(ctx context.Context, topic string, ev Event) error
	DeadLetters(ctx context.Context, topic string) ([]Event, error)
	PurgeDeadLetters(ctx context.Context, topic string) (int, error)
	Close() error
}

// Options configure an EventBus.
type Options struct {
	// Driver moves the events. Defaults to the in-memory driver.
	Driver Driver
	// MaxRetries is the number of retry attempts before dead lettering.
	MaxRetries int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
	// Logger receives structured event bus logs.
	Logger logging.ServiceLogger
	// Metrics, when set, records dead letter counts per topic.
	Metrics *metrics.DLQMetrics
}

// EventBus publishes events with correlation ids and subscribes handlers
// with retry and dead lettering.
type EventBus struct {
	driver     Driver
	ownsDrv    bool
	maxRetries int
	retryDelay time.Duration
	logger     logging.ServiceLogger
	metrics    *metrics.DLQMetrics
}

// New constructs an EventBus.
func New(opts Options) *EventBus {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	ownsDrv := false
	if opts.Driver == nil {
		opts.Driver = NewMemoryDriver()
		ownsDrv = true
	}
	return &EventBus{
		driver:     opts.Driver,
		ownsDrv:    ownsDrv,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Publish emits data on the topic. A correlation id is generated unless the
// headers already carry one.
func (b *EventBus) Publish(ctx context.Context, topic string, data any, headers metadata.Metadata) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	headers = headers.Clone()
	if headers[metadata.KeyCorrelationID] == "" {
		headers[metadata.KeyCorrelationID] = ids.CreateULID()
	}

	ev := Event{
		ID:        ids.CreateULID(),
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		Headers:   headers,
	}
	return b.driver.Publish(ctx, ev)
}

// Subscribe registers handler for the topic. Handler failures are retried
// with the configured delay; after the budget is spent the event moves to
// the topic's dead letter queue with the failure recorded in its headers.
func (b *EventBus) Subscribe(topic string, handler Handler) (func(), error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	return b.driver.Subscribe(topic, func(ctx context.Context, ev Event) {
		b.dispatch(ctx, topic, ev, handler)
	})
}

func (b *EventBus) dispatch(ctx context.Context, topic string, ev Event, handler Handler) {
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.retryDelay):
			case <-ctx.Done():
				b.deadLetter(ctx, topic, ev, ctx.Err())
				return
			}
		}
		if lastErr = handler(ctx, ev); lastErr == nil {
			return
		}
	}

	b.deadLetter(ctx, topic, ev, lastErr)
}

func (b *EventBus) deadLetter(ctx context.Context, topic string, ev Event, cause error) {
	ev.Headers = ev.Headers.WithAll(metadata.Metadata{
		metadata.KeyRetryCount: strconv.Itoa(b.maxRetries),
		metadata.KeyFailedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		metadata.KeyLastError:  cause.Error(),
	})

	if err := b.driver.AppendDeadLetter(ctx, topic, ev); err != nil {
		b.logger.Error("Dead letter store failed", err, logging.LogFields{
			"topic": topic,
			"event": ev.ID,
		})
		return
	}
	if b.metrics != nil {
		b.metrics.RecordDeadLetter(topic, b.maxRetries)
	}
	b.logger.Info("Event moved to dead letter queue", logging.LogFields{
		"topic": topic,
		"event": ev.ID,
		"error": cause.Error(),
	})
}

// DLQ lists the dead letters accumulated for a topic, oldest first.
func (b *EventBus) DLQ(ctx context.Context, topic string) ([]Event, error) {
	return b.driver.DeadLetters(ctx, topic)
}

// PurgeDLQ drops the dead letters of a topic and returns how many were
// removed.
func (b *EventBus) PurgeDLQ(ctx context.Context, topic string) (int, error) {
	n, err := b.driver.PurgeDeadLetters(ctx, topic)
	if err != nil {
		return 0, err
	}
	if b.metrics != nil && n > 0 {
		b.metrics.RecordPurged(topic, uint64(n))
	}
	return n, nil
}

// Close releases the driver when the bus owns it.
func (b *EventBus) Close() error {
	if b.ownsDrv {
		return b.driver.Close()
	}
	return nil
}
