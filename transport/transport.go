// Package transport defines the core interfaces and types for wirebus
// transports. Each driver implementation (redis, nats, mqtt, kafka, grpc,
// etc.) lives in its own sub-package and registers itself with the driver
// registry.
package transport

import (
	"context"
	"time"
)

// Transport is the uniform contract every wire driver satisfies. A transport
// pairs a local handler registry with a protocol-specific delivery mechanism
// for request/reply (Send) and fire-and-forget (Emit) messages.
type Transport interface {
	// Connect establishes the underlying link. Calling Connect on an already
	// connected transport is a no-op. A failure is reported as a
	// ConnectionError and leaves the transport disconnected.
	Connect(ctx context.Context) error

	// Disconnect releases the link and rejects every pending request with a
	// disconnection error before returning. Disconnecting an already
	// disconnected transport is a no-op.
	Disconnect(ctx context.Context) error

	// Send performs a request/reply call: it publishes the message together
	// with a fresh correlation id and blocks until a matching reply arrives
	// or the timeout elapses. Concurrent outstanding calls are supported;
	// replies are routed by correlation id, never by pattern.
	Send(ctx context.Context, pattern Pattern, data any) ([]byte, error)

	// Emit publishes a fire-and-forget message. It resolves once the
	// underlying publish is acknowledged at the transport level and never
	// waits for a remote handler.
	Emit(ctx context.Context, pattern Pattern, data any) error

	// Subscribe registers a local handler for the pattern's derived key.
	// The last registration for a key wins.
	Subscribe(pattern Pattern, handler Handler)

	// Unsubscribe removes the handler for the pattern's derived key.
	Unsubscribe(pattern Pattern)

	// Listen translates every registered handler into a driver-specific
	// subscription. Handlers registered after construction but before
	// Listen are picked up.
	Listen(ctx context.Context) error

	// Connected reports whether Connect has succeeded and Disconnect has
	// not been called since.
	Connected() bool
}

// Builder is the function signature for creating a transport from config.
// Each driver package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, logger LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by drivers. This interface
// lets each driver access only the config it needs without depending on the
// full config package.
type Config interface {
	// GetDriver returns the driver name.
	GetDriver() string
	// GetChannelPrefix returns the namespace prefix for topics and subjects.
	GetChannelPrefix() string
	// GetRequestTimeout returns the default request/reply deadline.
	GetRequestTimeout() time.Duration

	// Redis
	GetRedisAddr() string
	GetRedisUsername() string
	GetRedisPassword() string
	GetRedisDB() int

	// NATS
	GetNATSURL() string
	GetNATSToken() string
	GetNATSQueueGroup() string

	// MQTT
	GetMQTTURL() string
	GetMQTTClientID() string
	GetMQTTUsername() string
	GetMQTTPassword() string
	GetMQTTQoS() byte
	GetMQTTWillTopic() string
	GetMQTTWillPayload() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// gRPC
	GetGRPCTarget() string
	GetGRPCListenAddr() string

	// RabbitMQ
	GetRabbitMQURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// DefaultRequestTimeout applies when the config leaves the request/reply
// deadline unset.
const DefaultRequestTimeout = 30 * time.Second

// DefaultChannelPrefix namespaces topics when the config leaves it unset.
const DefaultChannelPrefix = "wirebus"

// RequestTimeout resolves the effective request timeout for a config.
func RequestTimeout(cfg Config) time.Duration {
	if cfg == nil {
		return DefaultRequestTimeout
	}
	if d := cfg.GetRequestTimeout(); d > 0 {
		return d
	}
	return DefaultRequestTimeout
}

// ChannelPrefix resolves the effective topic prefix for a config.
func ChannelPrefix(cfg Config) string {
	if cfg == nil {
		return DefaultChannelPrefix
	}
	if p := cfg.GetChannelPrefix(); p != "" {
		return p
	}
	return DefaultChannelPrefix
}

// CapabilitiesProvider is implemented by drivers that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
