// Package nats provides a NATS Core transport for wirebus. Requests ride on
// PublishRequest with the instance reply subject; handler subscriptions join
// the configured queue group so multiple service instances load balance.
package nats

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/transport"
)

// TransportName is the name used to register this driver.
const TransportName = "nats"

// Conn is the subset of nats.Conn the transport uses.
type Conn interface {
	Publish(subject string, data []byte) error
	PublishRequest(subject, reply string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Flush() error
	Close()
}

// ConnFactory allows overriding the connection creation for testing.
var ConnFactory = func(cfg transport.Config) (Conn, error) {
	var opts []nats.Option
	if token := cfg.GetNATSToken(); token != "" {
		opts = append(opts, nats.Token(token))
	}
	return nats.Connect(cfg.GetNATSURL(), opts...)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport. The connection is dialed at Connect so
// failures surface as ConnectionErrors.
func Build(ctx context.Context, cfg transport.Config, logger transport.LoggerAdapter) (transport.Transport, error) {
	return New(cfg, logger), nil
}

// Capabilities returns the capabilities of this driver.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// Transport implements transport.Transport over NATS Core.
type Transport struct {
	cfg     transport.Config
	logger  transport.LoggerAdapter
	prefix  string
	timeout time.Duration
	queue   string

	handlers *transport.HandlerRegistry
	pending  *transport.PendingRequests

	instanceID   string
	replySubject string

	mu        sync.Mutex
	connected bool
	conn      Conn
	subs      map[string]*nats.Subscription
}

// New constructs a disconnected NATS transport.
func New(cfg transport.Config, logger transport.LoggerAdapter) *Transport {
	if logger == nil {
		logger = transport.NopLogger{}
	}
	prefix := transport.ChannelPrefix(cfg)
	instanceID := transport.NewInstanceID()
	queue := ""
	if cfg != nil {
		queue = cfg.GetNATSQueueGroup()
	}
	return &Transport{
		cfg:          cfg,
		logger:       logger,
		prefix:       prefix,
		timeout:      transport.RequestTimeout(cfg),
		queue:        queue,
		handlers:     transport.NewHandlerRegistry(),
		pending:      transport.NewPendingRequests(),
		instanceID:   instanceID,
		replySubject: transport.ReplyChannel(prefix, instanceID),
		subs:         make(map[string]*nats.Subscription),
	}
}

// Connect dials the server and subscribes the instance's reply subject.
// Connecting twice is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	conn, err := ConnFactory(t.cfg)
	if err != nil {
		return errspkg.NewConnectionError(TransportName, err)
	}

	sub, err := conn.Subscribe(t.replySubject, t.handleReply)
	if err != nil {
		conn.Close()
		return errspkg.NewConnectionError(TransportName, err)
	}

	t.conn = conn
	t.subs[t.replySubject] = sub
	t.connected = true

	t.logger.Info("Transport connected", transport.LogFields{
		"driver":        TransportName,
		"reply_subject": t.replySubject,
		"queue_group":   t.queue,
	})
	return nil
}

// Disconnect drains subscriptions, closes the connection, and rejects all
// pending requests. Disconnecting twice is a no-op.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	conn := t.conn
	subs := t.subs
	t.conn = nil
	t.subs = make(map[string]*nats.Subscription)
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	conn.Close()

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

// Send publishes the message with the instance reply subject and blocks until
// the reply arrives or the timeout elapses.
func (t *Transport) Send(ctx context.Context, pattern transport.Pattern, data any) ([]byte, error) {
	t.mu.Lock()
	connected, conn := t.connected, t.conn
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
		ReplyTo: t.replySubject,
	})
	if err != nil {
		return nil, err
	}

	ch := t.pending.Add(msg.ID)
	if err := conn.PublishRequest(transport.TopicForKey(t.prefix, key), t.replySubject, frame); err != nil {
		t.pending.Remove(msg.ID)
		return nil, err
	}

	return t.pending.Await(ctx, msg.ID, ch, key, t.timeout)
}

// Emit publishes a fire-and-forget message.
func (t *Transport) Emit(ctx context.Context, pattern transport.Pattern, data any) error {
	t.mu.Lock()
	connected, conn := t.connected, t.conn
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

	return conn.Publish(transport.TopicForKey(t.prefix, pattern.Key()), frame)
}

// Listen subscribes every registered handler's subject. With a queue group
// configured, instances sharing the group split the load; without one every
// instance receives every message. Subjects already subscribed are skipped.
func (t *Transport) Listen(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errspkg.ErrNotConnected
	}

	for _, reg := range t.handlers.Snapshot() {
		subject := transport.TopicForKey(t.prefix, reg.Pattern.Key())
		if _, ok := t.subs[subject]; ok {
			continue
		}

		var sub *nats.Subscription
		var err error
		if t.queue != "" {
			sub, err = t.conn.QueueSubscribe(subject, t.queue, t.handleDelivery)
		} else {
			sub, err = t.conn.Subscribe(subject, t.handleDelivery)
		}
		if err != nil {
			return err
		}
		t.subs[subject] = sub
	}

	return t.conn.Flush()
}

func (t *Transport) handleDelivery(m *nats.Msg) {
	env, err := transport.DecodeEnvelope(m.Data)
	if err != nil {
		t.logger.Error("Dropping undecodable frame", err, transport.LogFields{"subject": m.Subject})
		return
	}
	// The protocol-level reply subject wins over the envelope field when the
	// sender set both.
	if m.Reply != "" {
		env.ReplyTo = m.Reply
	}

	rep, err := transport.HandleEnvelope(context.Background(), t.handlers, env)
	if err != nil {
		t.logger.Error("Handler failed", err, transport.LogFields{
			"subject": m.Subject,
			"pattern": env.Pattern.Key(),
		})
	}
	if rep == nil {
		return
	}

	frame, err := transport.EncodeReply(rep)
	if err != nil {
		t.logger.Error("Failed to encode reply", err, nil)
		return
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Publish(env.ReplyTo, frame); err != nil {
		t.logger.Error("Failed to publish reply", err, transport.LogFields{"reply_subject": env.ReplyTo})
	}
}

func (t *Transport) handleReply(m *nats.Msg) {
	transport.ResolveReply(t.pending, m.Data)
}

// PendingCount reports the number of in-flight requests.
func (t *Transport) PendingCount() int {
	return t.pending.Len()
}
