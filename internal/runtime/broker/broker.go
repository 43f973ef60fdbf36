// Package broker implements the in-process publish/subscribe broker:
// topics, consumer groups, delayed delivery, persistence replay, retry with
// acknowledgment, broadcast, and request/reply correlation. It is independent
// of the wire transports and usable on its own.
package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/internal/runtime/ids"
	"github.com/wirebus/wirebus/internal/runtime/logging"
	"github.com/wirebus/wirebus/internal/runtime/metadata"
	"github.com/wirebus/wirebus/internal/runtime/metrics"
)

// Defaults applied when Options leaves the retry policy unset.
const (
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 100 * time.Millisecond
	DefaultRequestReply = 30 * time.Second
)

// Options configure a Broker.
type Options struct {
	// Persistence queues messages published to topics with no subscribers
	// and replays them in FIFO order when a subscriber appears.
	Persistence bool
	// MaxRetries is the number of retry attempts after a failed delivery.
	MaxRetries int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
	// Logger receives structured broker logs.
	Logger logging.ServiceLogger
	// Metrics, when set, records publish/delivery/retry counters.
	Metrics *metrics.BrokerMetrics
}

// Message is a single delivery to one subscriber. Ack and Nack only affect
// the in-flight retry decision for this delivery; they carry no persisted
// state.
type Message struct {
	ID        string
	Topic     string
	Data      any
	Timestamp time.Time
	Headers   metadata.Metadata

	ackFn  func()
	nackFn func()
}

// Ack marks the delivery as acknowledged, ending its retry loop.
func (m *Message) Ack() {
	if m.ackFn != nil {
		m.ackFn()
	}
}

// Nack marks the delivery as rejected, forcing a retry even when the handler
// returned nil.
func (m *Message) Nack() {
	if m.nackFn != nil {
		m.nackFn()
	}
}

// Handler processes one delivery. Returning an error triggers the retry
// policy.
type Handler func(ctx context.Context, msg *Message) error

// SubscribeOptions tune one subscription.
type SubscribeOptions struct {
	// Group names a consumer group: for each publish, exactly one random
	// member of the group receives the message.
	Group string
	// ManualAck requires an explicit Ack to end the retry loop; a clean
	// handler return alone is not enough.
	ManualAck bool
	// MaxConcurrency caps concurrent handler executions for this
	// subscription (0 = unlimited).
	MaxConcurrency int
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID    string
	Topic string

	handler Handler
	opts    SubscribeOptions
	sem     chan struct{}
}

func (s *Subscription) acquire() {
	if s.sem != nil {
		s.sem <- struct{}{}
	}
}

func (s *Subscription) release() {
	if s.sem != nil {
		<-s.sem
	}
}

type queuedMessage struct {
	msg     *Message
	expires time.Time
}

// Broker is the in-process message broker. All maps are owned by the broker
// and guarded by its mutex; handlers run outside the lock.
type Broker struct {
	opts Options

	mu      sync.Mutex
	subs    map[string][]*Subscription
	subIdx  map[string]string // subscription id -> topic
	queued  map[string][]queuedMessage
	timers  map[*time.Timer]struct{}
	closed  bool
	randSrc *rand.Rand
}

// New constructs a Broker.
func New(opts Options) *Broker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return &Broker{
		opts:    opts,
		subs:    make(map[string][]*Subscription),
		subIdx:  make(map[string]string),
		queued:  make(map[string][]queuedMessage),
		timers:  make(map[*time.Timer]struct{}),
		randSrc: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe registers handler for topic. Messages queued for the topic under
// persistence are replayed in FIFO order before Subscribe returns.
func (b *Broker) Subscribe(topic string, handler Handler, opts SubscribeOptions) (*Subscription, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	sub := &Subscription{
		ID:      ids.CreateULID(),
		Topic:   topic,
		handler: handler,
		opts:    opts,
	}
	if opts.MaxConcurrency > 0 {
		sub.sem = make(chan struct{}, opts.MaxConcurrency)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errspkg.ErrBrokerClosed
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.subIdx[sub.ID] = topic
	replay := b.queued[topic]
	delete(b.queued, topic)
	b.mu.Unlock()

	for _, qm := range replay {
		if !qm.expires.IsZero() && time.Now().After(qm.expires) {
			b.recordDropped(topic)
			continue
		}
		b.deliver(context.Background(), qm.msg, qm.expires)
	}

	return sub, nil
}

// Unsubscribe removes the subscription with the given id.
func (b *Broker) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.subIdx[id]
	if !ok {
		return false
	}
	delete(b.subIdx, id)

	list := b.subs[topic]
	for i, sub := range list {
		if sub.ID == id {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	return true
}

// PublishOptions tune one publish call.
type PublishOptions struct {
	// Delay postpones delivery; Publish returns as soon as the timer is
	// armed.
	Delay time.Duration
	// TTL drops the message if it is still undelivered after this duration
	// (delay included, queued time included).
	TTL time.Duration
	// Headers are attached to every delivery of this message.
	Headers metadata.Metadata
}

// Publish delivers data to the topic's subscribers: one random member per
// consumer group, every ungrouped subscriber in registration order. With no
// subscribers the message is queued when persistence is on, dropped
// otherwise.
func (b *Broker) Publish(ctx context.Context, topic string, data any, opts PublishOptions) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errspkg.ErrBrokerClosed
	}
	b.mu.Unlock()

	msg := &Message{
		ID:        ids.CreateULID(),
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		Headers:   opts.Headers.Clone(),
	}

	var expires time.Time
	if opts.TTL > 0 {
		expires = time.Now().Add(opts.TTL)
	}

	b.recordPublished(topic)

	if opts.Delay > 0 {
		b.scheduleDelayed(ctx, msg, opts.Delay, expires)
		return nil
	}

	b.deliver(ctx, msg, expires)
	return nil
}

func (b *Broker) scheduleDelayed(ctx context.Context, msg *Message, delay time.Duration, expires time.Time) {
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, timer)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		b.deliver(ctx, msg, expires)
	})

	b.mu.Lock()
	b.timers[timer] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) deliver(ctx context.Context, msg *Message, expires time.Time) {
	if !expires.IsZero() && time.Now().After(expires) {
		b.recordDropped(msg.Topic)
		b.opts.Logger.Debug("Dropping expired message", logging.LogFields{
			"topic": msg.Topic,
			"id":    msg.ID,
		})
		return
	}

	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs[msg.Topic]...)
	if len(subs) == 0 {
		if b.opts.Persistence && !b.closed {
			b.queued[msg.Topic] = append(b.queued[msg.Topic], queuedMessage{msg: msg, expires: expires})
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	// Exactly one random member per group, fanout to the ungrouped in
	// registration order.
	groups := make(map[string][]*Subscription)
	var ungrouped []*Subscription
	for _, sub := range subs {
		if sub.opts.Group == "" {
			ungrouped = append(ungrouped, sub)
			continue
		}
		groups[sub.opts.Group] = append(groups[sub.opts.Group], sub)
	}

	for _, sub := range ungrouped {
		b.executeHandler(ctx, sub, msg)
	}
	for _, members := range groups {
		b.mu.Lock()
		pick := members[b.randSrc.Intn(len(members))]
		b.mu.Unlock()
		b.executeHandler(ctx, pick, msg)
	}
}

// executeHandler runs one delivery through the retry loop. The loop ends on
// implicit ack (clean return without Nack, unless the subscription demands a
// manual Ack), on explicit Ack, or when the retry budget is spent. An
// explicit Nack always forces a retry, even on a clean return.
func (b *Broker) executeHandler(ctx context.Context, sub *Subscription, msg *Message) {
	sub.acquire()
	defer sub.release()

	for attempt := 0; attempt <= b.opts.MaxRetries; attempt++ {
		var acked, nacked bool
		delivery := &Message{
			ID:        msg.ID,
			Topic:     msg.Topic,
			Data:      msg.Data,
			Timestamp: msg.Timestamp,
			Headers:   msg.Headers,
			ackFn:     func() { acked = true },
			nackFn:    func() { nacked = true },
		}

		err := sub.handler(ctx, delivery)

		settled := acked && !nacked
		if !settled && err == nil && !nacked && !sub.opts.ManualAck {
			settled = true
		}
		if settled {
			b.recordDelivered(msg.Topic)
			return
		}

		if err != nil {
			b.opts.Logger.Debug("Handler attempt failed", logging.LogFields{
				"topic":   msg.Topic,
				"id":      msg.ID,
				"attempt": attempt,
				"error":   err.Error(),
			})
		}
		if attempt == b.opts.MaxRetries {
			break
		}

		b.recordRetry(msg.Topic)
		select {
		case <-time.After(b.opts.RetryDelay):
		case <-ctx.Done():
			b.recordDropped(msg.Topic)
			return
		}
	}

	// Retry budget exhausted. Dead lettering is the event bus's concern.
	b.recordDropped(msg.Topic)
	b.opts.Logger.Info("Dropping message after retry exhaustion", logging.LogFields{
		"topic":   msg.Topic,
		"id":      msg.ID,
		"retries": b.opts.MaxRetries,
	})
}

// Broadcast delivers data to every subscriber of the topic, grouped or not,
// and returns the subscriber count.
func (b *Broker) Broadcast(ctx context.Context, topic string, data any) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	subs := append([]*Subscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	msg := &Message{
		ID:        ids.CreateULID(),
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
	}
	for _, sub := range subs {
		b.executeHandler(ctx, sub, msg)
	}
	return len(subs)
}

// Request publishes data with an ephemeral reply topic in the headers and
// blocks until a reply lands there or the timeout elapses. The ephemeral
// subscription is removed on every exit path, and a late reply after the
// timeout is a silent no-op.
func (b *Broker) Request(ctx context.Context, topic string, data any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultRequestReply
	}

	id := ids.CreateULID()
	replyTopic := ReplyTopic(id)

	replies := make(chan any, 1)
	sub, err := b.Subscribe(replyTopic, func(ctx context.Context, msg *Message) error {
		select {
		case replies <- msg.Data:
		default: // already resolved
		}
		return nil
	}, SubscribeOptions{})
	if err != nil {
		return nil, err
	}
	defer b.Unsubscribe(sub.ID)

	headers := metadata.Metadata{metadata.KeyReplyTo: replyTopic, metadata.KeyCorrelationID: id}
	if err := b.Publish(ctx, topic, data, PublishOptions{Headers: headers}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, &errspkg.TimeoutError{Pattern: topic, Elapsed: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply publishes data to the reply topic a requester announced in its
// headers.
func (b *Broker) Reply(ctx context.Context, replyTo string, data any) error {
	return b.Publish(ctx, replyTo, data, PublishOptions{})
}

// ReplyTopic names the ephemeral reply topic for a correlation id.
func ReplyTopic(id string) string {
	return "reply:" + id
}

// SubscriberCount reports the number of subscriptions for a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// QueuedCount reports the number of messages queued for a topic under
// persistence.
func (b *Broker) QueuedCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queued[topic])
}

// Close stops delayed timers and rejects further publishes and
// subscriptions. Closing twice is a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	timers := make([]*time.Timer, 0, len(b.timers))
	for timer := range b.timers {
		timers = append(timers, timer)
	}
	b.timers = make(map[*time.Timer]struct{})
	b.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
}

func (b *Broker) recordPublished(topic string) {
	if b.opts.Metrics != nil {
		b.opts.Metrics.RecordPublished(topic)
	}
}

func (b *Broker) recordDelivered(topic string) {
	if b.opts.Metrics != nil {
		b.opts.Metrics.RecordDelivered(topic)
	}
}

func (b *Broker) recordRetry(topic string) {
	if b.opts.Metrics != nil {
		b.opts.Metrics.RecordRetry(topic)
	}
}

func (b *Broker) recordDropped(topic string) {
	if b.opts.Metrics != nil {
		b.opts.Metrics.RecordDropped(topic)
	}
}
