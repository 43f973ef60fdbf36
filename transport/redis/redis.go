// Package redis provides a Redis pub/sub transport for wirebus. Request/reply
// rides on plain PUBLISH/SUBSCRIBE: each instance subscribes its own reply
// channel and correlates replies through the shared pending table.
package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/transport"
)

// TransportName is the name used to register this driver.
const TransportName = "redis"

// Client is the subset of the go-redis client the transport uses.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Subscription is the subset of redis.PubSub the consume loops use.
type Subscription interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// SubscribeFunc opens a subscription on a channel. Split from Client because
// redis.PubSub is a concrete type that cannot be faked through an interface
// method on Client.
type SubscribeFunc func(ctx context.Context, channel string) Subscription

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(cfg transport.Config) (Client, SubscribeFunc) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Username: cfg.GetRedisUsername(),
		Password: cfg.GetRedisPassword(),
		DB:       cfg.GetRedisDB(),
	})
	return client, func(ctx context.Context, channel string) Subscription {
		return client.Subscribe(ctx, channel)
	}
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build creates a new Redis transport. The connection is established at
// Connect so dial failures surface as ConnectionErrors.
func Build(ctx context.Context, cfg transport.Config, logger transport.LoggerAdapter) (transport.Transport, error) {
	return New(cfg, logger), nil
}

// Capabilities returns the capabilities of this driver.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// Transport implements transport.Transport over Redis pub/sub.
type Transport struct {
	cfg     transport.Config
	logger  transport.LoggerAdapter
	prefix  string
	timeout time.Duration

	handlers *transport.HandlerRegistry
	pending  *transport.PendingRequests

	instanceID   string
	replyChannel string

	mu        sync.Mutex
	connected bool
	client    Client
	subscribe SubscribeFunc
	subs      map[string]Subscription
	busCtx    context.Context
	busCancel context.CancelFunc
	loops     sync.WaitGroup
}

// New constructs a disconnected Redis transport.
func New(cfg transport.Config, logger transport.LoggerAdapter) *Transport {
	if logger == nil {
		logger = transport.NopLogger{}
	}
	prefix := transport.ChannelPrefix(cfg)
	instanceID := transport.NewInstanceID()
	return &Transport{
		cfg:          cfg,
		logger:       logger,
		prefix:       prefix,
		timeout:      transport.RequestTimeout(cfg),
		handlers:     transport.NewHandlerRegistry(),
		pending:      transport.NewPendingRequests(),
		instanceID:   instanceID,
		replyChannel: transport.ReplyChannel(prefix, instanceID),
		subs:         make(map[string]Subscription),
	}
}

// Connect dials Redis, verifies the connection with PING, and subscribes the
// instance's reply channel. Connecting twice is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	client, subscribe := ClientFactory(t.cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return errspkg.NewConnectionError(TransportName, err)
	}

	busCtx, cancel := context.WithCancel(context.Background())
	replies := subscribe(busCtx, t.replyChannel)

	t.client = client
	t.subscribe = subscribe
	t.busCtx = busCtx
	t.busCancel = cancel
	t.subs[t.replyChannel] = replies
	t.connected = true

	t.loops.Add(1)
	go t.consumeReplies(replies.Channel())

	t.logger.Info("Transport connected", transport.LogFields{
		"driver":        TransportName,
		"reply_channel": t.replyChannel,
	})
	return nil
}

// Disconnect closes every subscription and the client, then rejects all
// pending requests. Disconnecting twice is a no-op.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	client := t.client
	subs := t.subs
	t.client = nil
	t.subs = make(map[string]Subscription)
	t.busCancel()
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	_ = client.Close()
	t.loops.Wait()

	rejected := t.pending.FailAll(errspkg.ErrDisconnected)
	if rejected > 0 {
		t.logger.Debug("Rejected pending requests on disconnect", transport.LogFields{
			"driver": TransportName,
			"count":  rejected,
		})
	}
	return nil
}

// Connected reports the connection state.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Subscribe registers a local handler; the last registration for a pattern
// key wins.
func (t *Transport) Subscribe(pattern transport.Pattern, handler transport.Handler) {
	t.handlers.Set(pattern, handler)
}

// Unsubscribe removes the handler for the pattern key.
func (t *Transport) Unsubscribe(pattern transport.Pattern) {
	t.handlers.Remove(pattern)
}

// Send publishes the message on the pattern's channel and blocks until the
// reply lands on the instance reply channel or the timeout elapses. A missing
// remote handler is indistinguishable from a slow one, so it surfaces as a
// TimeoutError.
func (t *Transport) Send(ctx context.Context, pattern transport.Pattern, data any) ([]byte, error) {
	t.mu.Lock()
	connected, client := t.connected, t.client
	t.mu.Unlock()
	if !connected {
		return nil, errspkg.ErrNotConnected
	}

	key := pattern.Key()
	msg, err := transport.NewMessage(pattern, data)
	if err != nil {
		return nil, err
	}
	frame, err := transport.EncodeEnvelope(&transport.Envelope{
		Message: *msg,
		ReplyTo: t.replyChannel,
	})
	if err != nil {
		return nil, err
	}

	ch := t.pending.Add(msg.ID)
	if err := client.Publish(ctx, transport.TopicForKey(t.prefix, key), frame).Err(); err != nil {
		t.pending.Remove(msg.ID)
		return nil, err
	}

	return t.pending.Await(ctx, msg.ID, ch, key, t.timeout)
}

// Emit publishes a fire-and-forget message. Zero subscribers is not an error.
func (t *Transport) Emit(ctx context.Context, pattern transport.Pattern, data any) error {
	t.mu.Lock()
	connected, client := t.connected, t.client
	t.mu.Unlock()
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

	return client.Publish(ctx, transport.TopicForKey(t.prefix, pattern.Key()), frame).Err()
}

// Listen subscribes every registered handler's channel. Channels already
// consumed by a previous Listen call are skipped.
func (t *Transport) Listen(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return errspkg.ErrNotConnected
	}
	subscribe := t.subscribe
	busCtx := t.busCtx

	var newSubs []Subscription
	var newChannels []string
	for _, reg := range t.handlers.Snapshot() {
		channel := transport.TopicForKey(t.prefix, reg.Pattern.Key())
		if _, ok := t.subs[channel]; ok {
			continue
		}
		sub := subscribe(busCtx, channel)
		t.subs[channel] = sub
		newSubs = append(newSubs, sub)
		newChannels = append(newChannels, channel)
	}
	t.mu.Unlock()

	for i, sub := range newSubs {
		t.loops.Add(1)
		go t.consume(newChannels[i], sub.Channel())
	}
	return nil
}

func (t *Transport) consume(channel string, messages <-chan *redis.Message) {
	defer t.loops.Done()
	for m := range messages {
		env, err := transport.DecodeEnvelope([]byte(m.Payload))
		if err != nil {
			t.logger.Error("Dropping undecodable frame", err, transport.LogFields{"channel": channel})
			continue
		}

		rep, err := transport.HandleEnvelope(t.busCtx, t.handlers, env)
		if err != nil {
			t.logger.Error("Handler failed", err, transport.LogFields{
				"channel": channel,
				"pattern": env.Pattern.Key(),
			})
		}
		if rep != nil {
			t.publishReply(env.ReplyTo, rep)
		}
	}
}

func (t *Transport) publishReply(replyChannel string, rep *transport.Reply) {
	frame, err := transport.EncodeReply(rep)
	if err != nil {
		t.logger.Error("Failed to encode reply", err, nil)
		return
	}

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.Publish(t.busCtx, replyChannel, frame).Err(); err != nil {
		t.logger.Error("Failed to publish reply", err, transport.LogFields{"reply_channel": replyChannel})
	}
}

func (t *Transport) consumeReplies(messages <-chan *redis.Message) {
	defer t.loops.Done()
	for m := range messages {
		transport.ResolveReply(t.pending, []byte(m.Payload))
	}
}

// PendingCount reports the number of in-flight requests.
func (t *Transport) PendingCount() int {
	return t.pending.Len()
}
