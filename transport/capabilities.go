package transport

// Capabilities describes the features supported by a transport driver. Use
// this to introspect what delivery mechanics are available at runtime.
type Capabilities struct {
	// RequiresReplyChannel indicates request/reply is implemented over a
	// shared bus and needs the per-instance reply channel subscribed at
	// connect time. False for drivers whose protocol pairs calls and
	// replies natively (in-memory dispatch, gRPC).
	RequiresReplyChannel bool

	// SupportsQueueGroups indicates handler subscriptions can be load
	// balanced across service instances (NATS queue groups, Kafka consumer
	// groups).
	SupportsQueueGroups bool

	// SupportsOrdering indicates the driver guarantees delivery order
	// within one topic/partition.
	SupportsOrdering bool

	// SupportsAck indicates the driver supports explicit message
	// acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the driver supports negative acknowledgment
	// (redelivery).
	SupportsNack bool

	// SupportsQoS indicates the driver exposes per-message quality of
	// service levels.
	SupportsQoS bool

	// DetectsMissingHandler indicates Send fails fast when no handler is
	// registered for the pattern instead of timing out. Only possible when
	// the handler registry and the delivery mechanism live in one process.
	DetectsMissingHandler bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited or
	// unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the driver.
	Name string
}

// SupportsReliableDelivery returns true if the driver supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in drivers.
var (
	// MemoryCapabilities for the in-process loopback driver.
	MemoryCapabilities = Capabilities{
		Name:                  "memory",
		RequiresReplyChannel:  false,
		SupportsQueueGroups:   false,
		SupportsOrdering:      true,
		SupportsAck:           true,
		SupportsNack:          true,
		DetectsMissingHandler: true,
	}

	// RedisCapabilities for the Redis pub/sub driver.
	RedisCapabilities = Capabilities{
		Name:                 "redis",
		RequiresReplyChannel: true,
		SupportsQueueGroups:  false,
		SupportsOrdering:     true,
		MaxMessageSize:       536870912, // 512MB Redis string limit
	}

	// NATSCapabilities for the NATS Core driver.
	NATSCapabilities = Capabilities{
		Name:                 "nats",
		RequiresReplyChannel: true,
		SupportsQueueGroups:  true,
		SupportsOrdering:     false,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// MQTTCapabilities for the MQTT driver.
	MQTTCapabilities = Capabilities{
		Name:                 "mqtt",
		RequiresReplyChannel: true,
		SupportsQueueGroups:  false,
		SupportsOrdering:     true,
		SupportsQoS:          true,
		MaxMessageSize:       268435455, // MQTT spec maximum
	}

	// KafkaCapabilities for the Apache Kafka driver.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		RequiresReplyChannel: true,
		SupportsQueueGroups:  true,
		SupportsOrdering:     true,
		SupportsAck:          true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// GRPCCapabilities for the gRPC driver.
	GRPCCapabilities = Capabilities{
		Name:                  "grpc",
		RequiresReplyChannel:  false,
		SupportsQueueGroups:   false,
		SupportsOrdering:      true,
		DetectsMissingHandler: true,
		MaxMessageSize:        4194304, // Default 4MB
	}

	// RabbitMQCapabilities for the RabbitMQ/AMQP driver.
	RabbitMQCapabilities = Capabilities{
		Name:                 "rabbitmq",
		RequiresReplyChannel: true,
		SupportsQueueGroups:  true,
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsNack:         true,
	}

	// AWSCapabilities for the AWS SNS/SQS driver.
	AWSCapabilities = Capabilities{
		Name:                 "aws",
		RequiresReplyChannel: true,
		SupportsQueueGroups:  true,
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsNack:         true,
		MaxMessageSize:       262144, // 256KB
	}
)

// GetCapabilities returns the capabilities for a driver by name. Uses the
// registry to look up capabilities registered by each driver package.
// Returns a zero Capabilities struct if the driver is unknown.
func GetCapabilities(driverName string) Capabilities {
	return DefaultRegistry.GetCapabilities(driverName)
}
