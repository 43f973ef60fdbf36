// Package mqtt provides an MQTT transport for wirebus. Request/reply rides on
// plain publish/subscribe at the configured QoS level: each instance
// subscribes its own reply topic and correlates replies through the shared
// pending table. A last-will message can be configured so peers learn about
// ungraceful disconnects.
package mqtt

import (
	"context"
	"errors"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/internal/runtime/ids"
	"github.com/wirebus/wirebus/transport"
)

// TransportName is the name used to register this driver.
const TransportName = "mqtt"

// DefaultQoS is at-least-once delivery, applied when the config leaves the
// QoS level unset.
const DefaultQoS byte = 1

// connectTimeout bounds how long Connect waits for the broker handshake.
const connectTimeout = 10 * time.Second

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(cfg transport.Config) pahomqtt.Client {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.GetMQTTURL()).
		SetClientID(clientID(cfg)).
		SetUsername(cfg.GetMQTTUsername()).
		SetPassword(cfg.GetMQTTPassword()).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if will := cfg.GetMQTTWillTopic(); will != "" {
		opts.SetWill(will, cfg.GetMQTTWillPayload(), qos(cfg), false)
	}
	return pahomqtt.NewClient(opts)
}

func clientID(cfg transport.Config) string {
	if id := cfg.GetMQTTClientID(); id != "" {
		return id
	}
	return "wirebus-" + ids.ShortHex(8)
}

func qos(cfg transport.Config) byte {
	if cfg == nil {
		return DefaultQoS
	}
	if q := cfg.GetMQTTQoS(); q > 0 {
		return q
	}
	return DefaultQoS
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MQTTCapabilities)
}

// Build creates a new MQTT transport. The broker handshake happens at Connect
// so failures surface as ConnectionErrors.
func Build(ctx context.Context, cfg transport.Config, logger transport.LoggerAdapter) (transport.Transport, error) {
	return New(cfg, logger), nil
}

// Capabilities returns the capabilities of this driver.
func Capabilities() transport.Capabilities {
	return transport.MQTTCapabilities
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg     transport.Config
	logger  transport.LoggerAdapter
	prefix  string
	timeout time.Duration
	qos     byte

	handlers *transport.HandlerRegistry
	pending  *transport.PendingRequests

	instanceID string
	replyTopic string

	mu         sync.Mutex
	connected  bool
	client     pahomqtt.Client
	subscribed map[string]struct{}
}

// New constructs a disconnected MQTT transport.
func New(cfg transport.Config, logger transport.LoggerAdapter) *Transport {
	if logger == nil {
		logger = transport.NopLogger{}
	}
	prefix := transport.ChannelPrefix(cfg)
	instanceID := transport.NewInstanceID()
	return &Transport{
		cfg:        cfg,
		logger:     logger,
		prefix:     prefix,
		timeout:    transport.RequestTimeout(cfg),
		qos:        qos(cfg),
		handlers:   transport.NewHandlerRegistry(),
		pending:    transport.NewPendingRequests(),
		instanceID: instanceID,
		replyTopic: transport.ReplyChannel(prefix, instanceID),
		subscribed: make(map[string]struct{}),
	}
}

// Connect performs the broker handshake and subscribes the instance's reply
// topic. Connecting twice is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	client := ClientFactory(t.cfg)
	if err := waitToken(client.Connect()); err != nil {
		return errspkg.NewConnectionError(TransportName, err)
	}

	if err := waitToken(client.Subscribe(t.replyTopic, t.qos, t.handleReply)); err != nil {
		client.Disconnect(0)
		return errspkg.NewConnectionError(TransportName, err)
	}

	t.client = client
	t.connected = true

	t.logger.Info("Transport connected", transport.LogFields{
		"driver":      TransportName,
		"reply_topic": t.replyTopic,
		"qos":         t.qos,
	})
	return nil
}

// Disconnect unsubscribes every topic, closes the client, and rejects all
// pending requests. Disconnecting twice is a no-op.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	client := t.client
	topics := make([]string, 0, len(t.subscribed)+1)
	topics = append(topics, t.replyTopic)
	for topic := range t.subscribed {
		topics = append(topics, topic)
	}
	t.client = nil
	t.subscribed = make(map[string]struct{})
	t.mu.Unlock()

	_ = waitToken(client.Unsubscribe(topics...))
	client.Disconnect(250)

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

// Send publishes the message on the pattern's topic and blocks until the
// reply lands on the instance reply topic or the timeout elapses.
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
		ReplyTo: t.replyTopic,
	})
	if err != nil {
		return nil, err
	}

	ch := t.pending.Add(msg.ID)
	if err := waitToken(client.Publish(transport.TopicForKey(t.prefix, key), t.qos, false, frame)); err != nil {
		t.pending.Remove(msg.ID)
		return nil, err
	}

	return t.pending.Await(ctx, msg.ID, ch, key, t.timeout)
}

// Emit publishes a fire-and-forget message at the configured QoS.
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

	return waitToken(client.Publish(transport.TopicForKey(t.prefix, pattern.Key()), t.qos, false, frame))
}

// Listen subscribes every registered handler's topic. Topics already
// subscribed by a previous Listen call are skipped.
func (t *Transport) Listen(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errspkg.ErrNotConnected
	}

	for _, reg := range t.handlers.Snapshot() {
		topic := transport.TopicForKey(t.prefix, reg.Pattern.Key())
		if _, ok := t.subscribed[topic]; ok {
			continue
		}
		if err := waitToken(t.client.Subscribe(topic, t.qos, t.handleDelivery)); err != nil {
			return err
		}
		t.subscribed[topic] = struct{}{}
	}
	return nil
}

func (t *Transport) handleDelivery(client pahomqtt.Client, m pahomqtt.Message) {
	env, err := transport.DecodeEnvelope(m.Payload())
	if err != nil {
		t.logger.Error("Dropping undecodable frame", err, transport.LogFields{"topic": m.Topic()})
		return
	}

	rep, err := transport.HandleEnvelope(context.Background(), t.handlers, env)
	if err != nil {
		t.logger.Error("Handler failed", err, transport.LogFields{
			"topic":   m.Topic(),
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
	if err := waitToken(client.Publish(env.ReplyTo, t.qos, false, frame)); err != nil {
		t.logger.Error("Failed to publish reply", err, transport.LogFields{"reply_topic": env.ReplyTo})
	}
}

func (t *Transport) handleReply(client pahomqtt.Client, m pahomqtt.Message) {
	transport.ResolveReply(t.pending, m.Payload())
}

// PendingCount reports the number of in-flight requests.
func (t *Transport) PendingCount() int {
	return t.pending.Len()
}

// errTokenTimeout is returned when the broker does not complete an operation
// within the handshake window.
var errTokenTimeout = errors.New("wirebus: mqtt operation timed out")

func waitToken(token pahomqtt.Token) error {
	if !token.WaitTimeout(connectTimeout) {
		return errTokenTimeout
	}
	return token.Error()
}
