package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/internal/runtime/jsoncodec"
	"github.com/wirebus/wirebus/transport"
)

type mockConfig struct {
	timeout  time.Duration
	clientID string
	qos      byte
}

func (m *mockConfig) GetDriver() string                { return TransportName }
func (m *mockConfig) GetChannelPrefix() string         { return "" }
func (m *mockConfig) GetRequestTimeout() time.Duration { return m.timeout }
func (m *mockConfig) GetRedisAddr() string             { return "" }
func (m *mockConfig) GetRedisUsername() string         { return "" }
func (m *mockConfig) GetRedisPassword() string         { return "" }
func (m *mockConfig) GetRedisDB() int                  { return 0 }
func (m *mockConfig) GetNATSURL() string               { return "" }
func (m *mockConfig) GetNATSToken() string             { return "" }
func (m *mockConfig) GetNATSQueueGroup() string        { return "" }
func (m *mockConfig) GetMQTTURL() string               { return "tcp://localhost:1883" }
func (m *mockConfig) GetMQTTClientID() string          { return m.clientID }
func (m *mockConfig) GetMQTTUsername() string          { return "" }
func (m *mockConfig) GetMQTTPassword() string          { return "" }
func (m *mockConfig) GetMQTTQoS() byte                 { return m.qos }
func (m *mockConfig) GetMQTTWillTopic() string         { return "" }
func (m *mockConfig) GetMQTTWillPayload() string       { return "" }
func (m *mockConfig) GetKafkaBrokers() []string        { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string    { return "" }
func (m *mockConfig) GetGRPCTarget() string            { return "" }
func (m *mockConfig) GetGRPCListenAddr() string        { return "" }
func (m *mockConfig) GetRabbitMQURL() string           { return "" }
func (m *mockConfig) GetAWSRegion() string             { return "" }
func (m *mockConfig) GetAWSAccountID() string          { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string        { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string    { return "" }
func (m *mockConfig) GetAWSEndpoint() string           { return "" }

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                       { return true }
func (t *doneToken) WaitTimeout(d time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *doneToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
	qos     byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return m.qos }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeBroker routes published messages to all subscribed handlers in-process.
type fakeBroker struct {
	mu         sync.Mutex
	routes     map[string][]pahomqtt.MessageHandler
	published  []byte
	lastQoS    byte
	connectErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{routes: make(map[string][]pahomqtt.MessageHandler)}
}

func (b *fakeBroker) install(t *testing.T) {
	t.Helper()
	original := ClientFactory
	ClientFactory = func(cfg transport.Config) pahomqtt.Client {
		return &fakeClient{broker: b}
	}
	t.Cleanup(func() { ClientFactory = original })
}

func (b *fakeBroker) publish(topic string, qos byte, payload []byte) {
	b.mu.Lock()
	handlers := append([]pahomqtt.MessageHandler(nil), b.routes[topic]...)
	b.published = payload
	b.lastQoS = qos
	b.mu.Unlock()

	msg := &fakeMessage{topic: topic, payload: payload, qos: qos}
	for _, h := range handlers {
		// Paho always hands the handler a non-nil client; mirror that so
		// reply publishes route back through the broker.
		go h(&fakeClient{broker: b}, msg)
	}
}

type fakeClient struct {
	broker *fakeBroker
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }

func (c *fakeClient) Connect() pahomqtt.Token {
	return &doneToken{err: c.broker.connectErr}
}

func (c *fakeClient) Disconnect(quiesce uint) {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.broker.publish(topic, qos, payload.([]byte))
	return &doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.broker.mu.Lock()
	c.broker.routes[topic] = append(c.broker.routes[topic], callback)
	c.broker.mu.Unlock()
	return &doneToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for topic := range filters {
		c.Subscribe(topic, filters[topic], callback)
	}
	return &doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.broker.mu.Lock()
	for _, topic := range topics {
		delete(c.broker.routes, topic)
	}
	c.broker.mu.Unlock()
	return &doneToken{}
}

func (c *fakeClient) AddRoute(topic string, callback pahomqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func connected(t *testing.T, broker *fakeBroker, cfg *mockConfig) *Transport {
	t.Helper()
	tr := New(cfg, transport.NopLogger{})
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func TestDriverIsRegistered(t *testing.T) {
	assert.True(t, transport.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "mqtt", caps.Name)
	assert.True(t, caps.SupportsQoS)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.MQTTCapabilities, Capabilities())
}

func TestQoSDefaults(t *testing.T) {
	assert.Equal(t, DefaultQoS, qos(&mockConfig{}))
	assert.Equal(t, byte(2), qos(&mockConfig{qos: 2}))
	assert.Equal(t, DefaultQoS, qos(nil))
}

func TestClientIDFallsBackToGenerated(t *testing.T) {
	assert.Equal(t, "svc-1", clientID(&mockConfig{clientID: "svc-1"}))

	generated := clientID(&mockConfig{})
	assert.True(t, strings.HasPrefix(generated, "wirebus-"))
	assert.NotEqual(t, generated, clientID(&mockConfig{}))
}

func TestSendRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	broker.install(t)

	server := connected(t, broker, &mockConfig{timeout: time.Second})
	client := connected(t, broker, &mockConfig{timeout: time.Second})

	server.Subscribe(transport.Cmd("echo"), func(ctx context.Context, msg *transport.Message, mctx transport.MessageContext) ([]byte, error) {
		return msg.Data, nil
	})
	require.NoError(t, server.Listen(context.Background()))

	out, err := client.Send(context.Background(), transport.Cmd("echo"), "ping")
	require.NoError(t, err)

	var echoed string
	require.NoError(t, jsoncodec.Unmarshal(out, &echoed))
	assert.Equal(t, "ping", echoed)
	assert.Zero(t, client.PendingCount())
}

func TestSendTimesOutWithoutHandler(t *testing.T) {
	broker := newFakeBroker()
	broker.install(t)

	client := connected(t, broker, &mockConfig{timeout: 50 * time.Millisecond})

	_, err := client.Send(context.Background(), transport.Cmd("missing"), nil)
	require.Error(t, err)
	assert.True(t, errspkg.IsTimeout(err))
}

func TestEmitUsesConfiguredQoS(t *testing.T) {
	broker := newFakeBroker()
	broker.install(t)

	client := connected(t, broker, &mockConfig{timeout: time.Second, qos: 2})
	require.NoError(t, client.Emit(context.Background(), transport.Event("tick"), nil))

	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.Equal(t, byte(2), broker.lastQoS)
}

func TestEmitReachesSubscriber(t *testing.T) {
	broker := newFakeBroker()
	broker.install(t)

	server := connected(t, broker, &mockConfig{timeout: time.Second})
	client := connected(t, broker, &mockConfig{timeout: time.Second})

	received := make(chan []byte, 1)
	server.Subscribe(transport.Event("sensor.reading"), func(ctx context.Context, msg *transport.Message, mctx transport.MessageContext) ([]byte, error) {
		received <- msg.Data
		return nil, nil
	})
	require.NoError(t, server.Listen(context.Background()))

	require.NoError(t, client.Emit(context.Background(), transport.Event("sensor.reading"), 21.5))

	select {
	case data := <-received:
		var v float64
		require.NoError(t, jsoncodec.Unmarshal(data, &v))
		assert.Equal(t, 21.5, v)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNotConnected(t *testing.T) {
	tr := New(&mockConfig{}, transport.NopLogger{})

	_, err := tr.Send(context.Background(), transport.Cmd("x"), nil)
	assert.ErrorIs(t, err, errspkg.ErrNotConnected)
	assert.ErrorIs(t, tr.Emit(context.Background(), transport.Event("x"), nil), errspkg.ErrNotConnected)
	assert.ErrorIs(t, tr.Listen(context.Background()), errspkg.ErrNotConnected)
}

func TestConnectHandshakeFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.connectErr = errors.New("connection refused")
	broker.install(t)

	tr := New(&mockConfig{}, transport.NopLogger{})
	err := tr.Connect(context.Background())
	require.Error(t, err)

	var connErr *errspkg.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, TransportName, connErr.Driver)
	assert.False(t, tr.Connected())
}

func TestDisconnectRejectsPending(t *testing.T) {
	broker := newFakeBroker()
	broker.install(t)

	client := connected(t, broker, &mockConfig{timeout: 10 * time.Second})

	errs := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), transport.Cmd("slow"), nil)
		errs <- err
	}()

	require.Eventually(t, func() bool { return client.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, client.Disconnect(context.Background()))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errspkg.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("pending send not rejected")
	}
}
