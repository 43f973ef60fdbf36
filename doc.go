// Package wirebus is a transport-agnostic messaging toolkit for Go
// microservices. It pairs a uniform request/reply and publish/subscribe
// contract with pluggable wire drivers (in-memory, Redis, NATS, MQTT, Kafka,
// gRPC, RabbitMQ, AWS SNS/SQS), an in-process message broker, wildcard topic
// routing, a service registry with heartbeat expiry, and an event bus with a
// dead letter queue.
//
// The two user-facing roles are ClientProxy and Microservice. A client sends
// commands and emits events; a microservice registers handlers and listens.
// Both read the target driver from Config and resolve it by name through the
// transport registry, so switching from Redis to NATS is a config change, not
// a code change. Import the drivers you deploy with:
//
//	import _ "github.com/wirebus/wirebus/transport/transports" // all drivers
//
// or pick them individually:
//
//	import _ "github.com/wirebus/wirebus/transport/redis"
//
// # Transports
//
// Every driver satisfies the same Transport contract: Connect, Send
// (request/reply with correlation ids and timeouts), Emit (fire-and-forget),
// Subscribe/Listen (handler side), and Disconnect (which rejects all pending
// requests). Driver differences are surfaced through Capabilities rather
// than behavioral drift.
//
// # Broker, exchange, registry, event bus
//
// The Broker is an in-process pub/sub hub with consumer groups, delayed
// delivery, persistence replay, ack/nack retry, broadcast, and request/reply.
// TopicExchange layers AMQP-style wildcard routing ("*" and "#") over it.
// ServiceRegistry tracks named instances with heartbeats and TTL expiry and
// picks endpoints through a LoadBalancer. EventBus adds correlation ids and
// a per-topic dead letter queue, backed by memory or Redis.
//
// Observability is built in: structured logging via ServiceLogger,
// OpenTelemetry spans around every client call and handler, and Prometheus
// counters for broker traffic and dead letters.
package wirebus
