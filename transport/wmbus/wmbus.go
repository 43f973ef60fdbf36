// Package wmbus adapts any Watermill publisher/subscriber pair to the
// wirebus Transport contract. The in-memory, RabbitMQ, and AWS drivers are
// all thin factories over this core: the envelope rides in the message
// payload, correlation happens through the shared pending table, and each
// instance subscribes its own reply topic at connect time.
package wmbus

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/transport"
)

// Factory creates the underlying publisher/subscriber pair. It is invoked at
// Connect so a failure surfaces as a ConnectionError instead of a construction
// panic.
type Factory func(ctx context.Context) (message.Publisher, message.Subscriber, error)

// Options tune a Bus instance.
type Options struct {
	// Driver is the name reported in errors and logs.
	Driver string
	// Prefix namespaces every topic the bus touches.
	Prefix string
	// Timeout is the default request/reply deadline.
	Timeout time.Duration
	// LocalOnly marks a bus whose handlers live in the same process as its
	// senders. Send can then fail fast with ErrNoHandler instead of timing
	// out when no handler matches.
	LocalOnly bool
	// Logger receives structured driver logs.
	Logger transport.LoggerAdapter
}

// Bus implements transport.Transport over a Watermill publisher/subscriber.
type Bus struct {
	opts    Options
	factory Factory

	handlers *transport.HandlerRegistry
	pending  *transport.PendingRequests

	instanceID string
	replyTopic string

	mu        sync.Mutex
	connected bool
	listening map[string]struct{}
	publisher message.Publisher
	subscriber message.Subscriber
	busCtx    context.Context
	busCancel context.CancelFunc
	loops     sync.WaitGroup
}

// New constructs a Bus. The returned transport is disconnected; call Connect
// before Send or Emit.
func New(factory Factory, opts Options) *Bus {
	if opts.Prefix == "" {
		opts.Prefix = transport.DefaultChannelPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = transport.DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = transport.NopLogger{}
	}
	instanceID := transport.NewInstanceID()
	return &Bus{
		opts:       opts,
		factory:    factory,
		handlers:   transport.NewHandlerRegistry(),
		pending:    transport.NewPendingRequests(),
		instanceID: instanceID,
		replyTopic: transport.ReplyChannel(opts.Prefix, instanceID),
		listening:  make(map[string]struct{}),
	}
}

// Connect builds the publisher/subscriber pair and subscribes the instance's
// reply topic. Connecting an already connected bus is a no-op.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}

	pub, sub, err := b.factory(ctx)
	if err != nil {
		return errspkg.NewConnectionError(b.opts.Driver, err)
	}

	busCtx, cancel := context.WithCancel(context.Background())
	replies, err := sub.Subscribe(busCtx, b.replyTopic)
	if err != nil {
		cancel()
		closeQuietly(pub, sub)
		return errspkg.NewConnectionError(b.opts.Driver, err)
	}

	b.publisher = pub
	b.subscriber = sub
	b.busCtx = busCtx
	b.busCancel = cancel
	b.connected = true

	b.loops.Add(1)
	go b.consumeReplies(replies)

	b.opts.Logger.Info("Transport connected", transport.LogFields{
		"driver":      b.opts.Driver,
		"reply_topic": b.replyTopic,
	})
	return nil
}

// Disconnect stops every consume loop, closes the publisher and subscriber,
// and rejects all pending requests before returning.
func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	pub, sub := b.publisher, b.subscriber
	b.publisher, b.subscriber = nil, nil
	b.listening = make(map[string]struct{})
	b.busCancel()
	b.mu.Unlock()

	closeQuietly(pub, sub)
	b.loops.Wait()

	rejected := b.pending.FailAll(errspkg.ErrDisconnected)
	if rejected > 0 {
		b.opts.Logger.Debug("Rejected pending requests on disconnect", transport.LogFields{
			"driver": b.opts.Driver,
			"count":  rejected,
		})
	}
	return nil
}

// Connected reports the connection state.
func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Subscribe registers a local handler; the last registration for a pattern
// key wins.
func (b *Bus) Subscribe(pattern transport.Pattern, handler transport.Handler) {
	b.handlers.Set(pattern, handler)
}

// Unsubscribe removes the handler for the pattern key.
func (b *Bus) Unsubscribe(pattern transport.Pattern) {
	b.handlers.Remove(pattern)
}

// Send publishes the message with a correlation id and the instance reply
// topic, then blocks until the reply arrives or the timeout elapses.
func (b *Bus) Send(ctx context.Context, pattern transport.Pattern, data any) ([]byte, error) {
	b.mu.Lock()
	connected, pub := b.connected, b.publisher
	b.mu.Unlock()
	if !connected {
		return nil, errspkg.ErrNotConnected
	}

	key := pattern.Key()
	if b.opts.LocalOnly {
		if _, ok := b.handlers.Get(key); !ok {
			return nil, errspkg.ErrNoHandler
		}
	}

	msg, err := transport.NewMessage(pattern, data)
	if err != nil {
		return nil, err
	}
	frame, err := transport.EncodeEnvelope(&transport.Envelope{
		Message: *msg,
		ReplyTo: b.replyTopic,
	})
	if err != nil {
		return nil, err
	}

	ch := b.pending.Add(msg.ID)
	wm := message.NewMessage(msg.ID, frame)
	wm.SetContext(ctx)
	if err := pub.Publish(transport.TopicForKey(b.opts.Prefix, key), wm); err != nil {
		b.pending.Remove(msg.ID)
		return nil, err
	}

	return b.pending.Await(ctx, msg.ID, ch, key, b.opts.Timeout)
}

// Emit publishes a fire-and-forget message. It resolves once the publish is
// acknowledged by the bus; no remote handler is awaited, and the absence of
// one is not an error.
func (b *Bus) Emit(ctx context.Context, pattern transport.Pattern, data any) error {
	b.mu.Lock()
	connected, pub := b.connected, b.publisher
	b.mu.Unlock()
	if !connected {
		return errspkg.ErrNotConnected
	}

	msg, err := transport.NewMessage(pattern, data)
	if err != nil {
		return err
	}
	frame, err := transport.EncodeEnvelope(&transport.Envelope{Message: *msg})
	if err != nil {
		return err
	}

	wm := message.NewMessage(msg.ID, frame)
	wm.SetContext(ctx)
	return pub.Publish(transport.TopicForKey(b.opts.Prefix, pattern.Key()), wm)
}

// Listen subscribes every registered handler's topic. Handlers registered
// between construction and Listen are picked up; calling Listen again after
// further registrations subscribes only the topics not yet consumed.
func (b *Bus) Listen(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return errspkg.ErrNotConnected
	}
	sub := b.subscriber
	busCtx := b.busCtx

	type topicKey struct{ topic, key string }
	var newTopics []topicKey
	for _, reg := range b.handlers.Snapshot() {
		key := reg.Pattern.Key()
		topic := transport.TopicForKey(b.opts.Prefix, key)
		if _, ok := b.listening[topic]; ok {
			continue
		}
		b.listening[topic] = struct{}{}
		newTopics = append(newTopics, topicKey{topic: topic, key: key})
	}
	b.mu.Unlock()

	for _, tk := range newTopics {
		messages, err := sub.Subscribe(busCtx, tk.topic)
		if err != nil {
			return err
		}
		b.loops.Add(1)
		go b.consume(tk.topic, messages)
	}
	return nil
}

func (b *Bus) consume(topic string, messages <-chan *message.Message) {
	defer b.loops.Done()
	for wm := range messages {
		env, err := transport.DecodeEnvelope(wm.Payload)
		if err != nil {
			b.opts.Logger.Error("Dropping undecodable frame", err, transport.LogFields{"topic": topic})
			wm.Ack()
			continue
		}

		rep, err := transport.HandleEnvelope(wm.Context(), b.handlers, env)
		if err != nil {
			b.opts.Logger.Error("Handler failed", err, transport.LogFields{
				"topic":   topic,
				"pattern": env.Pattern.Key(),
			})
		}
		if rep != nil {
			b.publishReply(env.ReplyTo, rep)
		}
		// Retry policy lives in the broker layer; the transport always acks.
		wm.Ack()
	}
}

func (b *Bus) publishReply(replyTopic string, rep *transport.Reply) {
	frame, err := transport.EncodeReply(rep)
	if err != nil {
		b.opts.Logger.Error("Failed to encode reply", err, nil)
		return
	}

	b.mu.Lock()
	pub := b.publisher
	b.mu.Unlock()
	if pub == nil {
		return
	}
	if err := pub.Publish(replyTopic, message.NewMessage(rep.ID, frame)); err != nil {
		b.opts.Logger.Error("Failed to publish reply", err, transport.LogFields{"reply_topic": replyTopic})
	}
}

func (b *Bus) consumeReplies(messages <-chan *message.Message) {
	defer b.loops.Done()
	for wm := range messages {
		transport.ResolveReply(b.pending, wm.Payload)
		wm.Ack()
	}
}

// PendingCount reports the number of in-flight requests. Exposed for tests
// and introspection.
func (b *Bus) PendingCount() int {
	return b.pending.Len()
}

func closeQuietly(pub message.Publisher, sub message.Subscriber) {
	if pub != nil {
		_ = pub.Close()
	}
	if sub != nil {
		// The publisher and subscriber may be the same object (gochannel);
		// closing twice is safe for all watermill implementations.
		_ = sub.Close()
	}
}
