package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/transport"
)

type memoryConfig struct{}

func (m *memoryConfig) GetDriver() string                { return TransportName }
func (m *memoryConfig) GetChannelPrefix() string         { return "" }
func (m *memoryConfig) GetRequestTimeout() time.Duration { return time.Second }
func (m *memoryConfig) GetRedisAddr() string             { return "" }
func (m *memoryConfig) GetRedisUsername() string         { return "" }
func (m *memoryConfig) GetRedisPassword() string         { return "" }
func (m *memoryConfig) GetRedisDB() int                  { return 0 }
func (m *memoryConfig) GetNATSURL() string               { return "" }
func (m *memoryConfig) GetNATSToken() string             { return "" }
func (m *memoryConfig) GetNATSQueueGroup() string        { return "" }
func (m *memoryConfig) GetMQTTURL() string               { return "" }
func (m *memoryConfig) GetMQTTClientID() string          { return "" }
func (m *memoryConfig) GetMQTTUsername() string          { return "" }
func (m *memoryConfig) GetMQTTPassword() string          { return "" }
func (m *memoryConfig) GetMQTTQoS() byte                 { return 0 }
func (m *memoryConfig) GetMQTTWillTopic() string         { return "" }
func (m *memoryConfig) GetMQTTWillPayload() string       { return "" }
func (m *memoryConfig) GetKafkaBrokers() []string        { return nil }
func (m *memoryConfig) GetKafkaConsumerGroup() string    { return "" }
func (m *memoryConfig) GetGRPCTarget() string            { return "" }
func (m *memoryConfig) GetGRPCListenAddr() string        { return "" }
func (m *memoryConfig) GetRabbitMQURL() string           { return "" }
func (m *memoryConfig) GetAWSRegion() string             { return "" }
func (m *memoryConfig) GetAWSAccountID() string          { return "" }
func (m *memoryConfig) GetAWSAccessKeyID() string        { return "" }
func (m *memoryConfig) GetAWSSecretAccessKey() string    { return "" }
func (m *memoryConfig) GetAWSEndpoint() string           { return "" }

func TestRegister(t *testing.T) {
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "memory", caps.Name)
	assert.True(t, caps.DetectsMissingHandler)
	assert.False(t, caps.RequiresReplyChannel)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.MemoryCapabilities, Capabilities())
}

func TestRoundTrip(t *testing.T) {
	tr, err := Build(context.Background(), &memoryConfig{}, transport.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	tr.Subscribe(transport.Cmd("greet"), func(ctx context.Context, msg *transport.Message, mctx transport.MessageContext) ([]byte, error) {
		return []byte(`"hello"`), nil
	})
	require.NoError(t, tr.Listen(context.Background()))

	reply, err := tr.Send(context.Background(), transport.Cmd("greet"), "world")
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(reply))
}

func TestSendNoHandlerFailsFast(t *testing.T) {
	tr, err := Build(context.Background(), &memoryConfig{}, transport.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	_, err = tr.Send(context.Background(), transport.Cmd("missing"), nil)
	assert.ErrorIs(t, err, errspkg.ErrNoHandler)
}

func TestEmitNoHandlerIsSilent(t *testing.T) {
	tr, err := Build(context.Background(), &memoryConfig{}, transport.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	assert.NoError(t, tr.Emit(context.Background(), transport.Event("nobody"), nil))
}
