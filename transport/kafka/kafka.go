// Package kafka provides an Apache Kafka transport for wirebus. One writer
// serves every publish; each consumed topic gets its own reader joined to the
// configured consumer group. The reply topic is read outside any group so
// every instance sees its own replies. Reply routing and correlation ride in
// message headers.
package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/transport"
)

// TransportName is the name used to register this driver.
const TransportName = "kafka"

// Header keys for reply routing, mirroring the envelope fields.
const (
	HeaderCorrelationID = "correlationId"
	HeaderReplyTo       = "replyTo"
)

// Writer is the subset of kafka.Writer the transport uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of kafka.Reader the consume loops use.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// WriterFactory allows overriding the writer creation for testing.
var WriterFactory = func(cfg transport.Config) Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.GetKafkaBrokers()...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
	}
}

// ReaderFactory allows overriding the reader creation for testing. An empty
// groupID reads the topic without consumer group coordination.
var ReaderFactory = func(cfg transport.Config, topic, groupID string) Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.GetKafkaBrokers(),
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger transport.LoggerAdapter) (transport.Transport, error) {
	return New(cfg, logger), nil
}

// Capabilities returns the capabilities of this driver.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// Transport implements transport.Transport over Kafka.
type Transport struct {
	cfg     transport.Config
	logger  transport.LoggerAdapter
	prefix  string
	timeout time.Duration
	group   string

	handlers *transport.HandlerRegistry
	pending  *transport.PendingRequests

	instanceID string
	replyTopic string

	mu        sync.Mutex
	connected bool
	writer    Writer
	readers   map[string]Reader
	busCtx    context.Context
	busCancel context.CancelFunc
	loops     sync.WaitGroup
}

// New constructs a disconnected Kafka transport.
func New(cfg transport.Config, logger transport.LoggerAdapter) *Transport {
	if logger == nil {
		logger = transport.NopLogger{}
	}
	prefix := transport.ChannelPrefix(cfg)
	instanceID := transport.NewInstanceID()
	group := ""
	if cfg != nil {
		group = cfg.GetKafkaConsumerGroup()
	}
	return &Transport{
		cfg:        cfg,
		logger:     logger,
		prefix:     prefix,
		timeout:    transport.RequestTimeout(cfg),
		group:      group,
		handlers:   transport.NewHandlerRegistry(),
		pending:    transport.NewPendingRequests(),
		instanceID: instanceID,
		replyTopic: transport.ReplyChannel(prefix, instanceID),
		readers:    make(map[string]Reader),
	}
}

// Connect creates the writer and starts consuming the instance's reply topic.
// Connecting twice is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	writer := WriterFactory(t.cfg)
	replyReader := ReaderFactory(t.cfg, t.replyTopic, "")

	busCtx, cancel := context.WithCancel(context.Background())
	t.writer = writer
	t.readers[t.replyTopic] = replyReader
	t.busCtx = busCtx
	t.busCancel = cancel
	t.connected = true

	t.loops.Add(1)
	go t.consumeReplies(busCtx, replyReader)

	t.logger.Info("Transport connected", transport.LogFields{
		"driver":         TransportName,
		"reply_topic":    t.replyTopic,
		"consumer_group": t.group,
	})
	return nil
}

// Disconnect closes the writer and every reader, then rejects all pending
// requests. Disconnecting twice is a no-op.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	writer := t.writer
	readers := t.readers
	t.writer = nil
	t.readers = make(map[string]Reader)
	t.busCancel()
	t.mu.Unlock()

	for _, r := range readers {
		_ = r.Close()
	}
	_ = writer.Close()
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

// Send produces the message with correlation and reply headers, then blocks
// until the reply lands on the instance reply topic or the timeout elapses.
func (t *Transport) Send(ctx context.Context, pattern transport.Pattern, data any) ([]byte, error) {
	t.mu.Lock()
	connected, writer := t.connected, t.writer
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

	km := kafka.Message{
		Topic: transport.TopicForKey(t.prefix, key),
		Key:   []byte(msg.ID),
		Value: frame,
		Headers: []kafka.Header{
			{Key: HeaderCorrelationID, Value: []byte(msg.ID)},
			{Key: HeaderReplyTo, Value: []byte(t.replyTopic)},
		},
	}

	ch := t.pending.Add(msg.ID)
	if err := writer.WriteMessages(ctx, km); err != nil {
		t.pending.Remove(msg.ID)
		return nil, err
	}

	return t.pending.Await(ctx, msg.ID, ch, key, t.timeout)
}

// Emit produces a fire-and-forget message.
func (t *Transport) Emit(ctx context.Context, pattern transport.Pattern, data any) error {
	t.mu.Lock()
	connected, writer := t.connected, t.writer
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

	return writer.WriteMessages(ctx, kafka.Message{
		Topic: transport.TopicForKey(t.prefix, pattern.Key()),
		Key:   []byte(msg.ID),
		Value: frame,
	})
}

// Listen starts a consumer for every registered handler's topic, joined to
// the configured consumer group so instances sharing the group split the
// partitions. Topics already consumed are skipped.
func (t *Transport) Listen(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return errspkg.ErrNotConnected
	}
	busCtx := t.busCtx

	var newReaders []Reader
	for _, reg := range t.handlers.Snapshot() {
		topic := transport.TopicForKey(t.prefix, reg.Pattern.Key())
		if _, ok := t.readers[topic]; ok {
			continue
		}
		r := ReaderFactory(t.cfg, topic, t.group)
		t.readers[topic] = r
		newReaders = append(newReaders, r)
	}
	t.mu.Unlock()

	for _, r := range newReaders {
		t.loops.Add(1)
		go t.consume(busCtx, r)
	}
	return nil
}

func (t *Transport) consume(ctx context.Context, r Reader) {
	defer t.loops.Done()
	for {
		km, err := r.ReadMessage(ctx)
		if err != nil {
			if !isShutdownError(ctx, err) {
				t.logger.Error("Reader failed", err, transport.LogFields{"driver": TransportName})
			}
			return
		}

		env, err := transport.DecodeEnvelope(km.Value)
		if err != nil {
			t.logger.Error("Dropping undecodable frame", err, transport.LogFields{"topic": km.Topic})
			continue
		}
		if replyTo := headerValue(km.Headers, HeaderReplyTo); replyTo != "" {
			env.ReplyTo = replyTo
		}

		rep, err := transport.HandleEnvelope(ctx, t.handlers, env)
		if err != nil {
			t.logger.Error("Handler failed", err, transport.LogFields{
				"topic":   km.Topic,
				"pattern": env.Pattern.Key(),
			})
		}
		if rep != nil {
			t.publishReply(ctx, env.ReplyTo, rep)
		}
	}
}

func (t *Transport) publishReply(ctx context.Context, replyTopic string, rep *transport.Reply) {
	frame, err := transport.EncodeReply(rep)
	if err != nil {
		t.logger.Error("Failed to encode reply", err, nil)
		return
	}

	t.mu.Lock()
	writer := t.writer
	t.mu.Unlock()
	if writer == nil {
		return
	}

	err = writer.WriteMessages(ctx, kafka.Message{
		Topic: replyTopic,
		Key:   []byte(rep.ID),
		Value: frame,
		Headers: []kafka.Header{
			{Key: HeaderCorrelationID, Value: []byte(rep.ID)},
		},
	})
	if err != nil {
		t.logger.Error("Failed to publish reply", err, transport.LogFields{"reply_topic": replyTopic})
	}
}

func (t *Transport) consumeReplies(ctx context.Context, r Reader) {
	defer t.loops.Done()
	for {
		km, err := r.ReadMessage(ctx)
		if err != nil {
			if !isShutdownError(ctx, err) {
				t.logger.Error("Reply reader failed", err, transport.LogFields{"driver": TransportName})
			}
			return
		}
		transport.ResolveReply(t.pending, km.Value)
	}
}

// PendingCount reports the number of in-flight requests.
func (t *Transport) PendingCount() int {
	return t.pending.Len()
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func isShutdownError(ctx context.Context, err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}
