// Package rabbitmq provides a RabbitMQ/AMQP transport for wirebus.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/wirebus/wirebus/transport"
	"github.com/wirebus/wirebus/transport/wmbus"
)

// TransportName is the name used to register this driver.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register registers the RabbitMQ driver with the default registry.
// This should be called from an init() function in an importing package,
// or explicitly before using the driver.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport. The AMQP connection itself is
// established lazily at Connect so dial failures surface as ConnectionErrors.
func Build(ctx context.Context, cfg transport.Config, logger transport.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()

	factory := func(ctx context.Context) (message.Publisher, message.Subscriber, error) {
		amqpConfig := amqp.NewDurablePubSubConfig(
			url,
			amqp.GenerateQueueNameTopicName,
		)

		conn, err := ConnectionFactory(amqp.ConnectionConfig{
			AmqpURI:   url,
			TLSConfig: nil,
			Reconnect: amqp.DefaultReconnectConfig(),
		}, logger)
		if err != nil {
			return nil, nil, err
		}

		publisher, err := PublisherFactory(amqpConfig, logger, conn)
		if err != nil {
			return nil, nil, err
		}

		subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
		if err != nil {
			return nil, nil, err
		}

		return publisher, subscriber, nil
	}

	return wmbus.New(factory, wmbus.Options{
		Driver:  TransportName,
		Prefix:  transport.ChannelPrefix(cfg),
		Timeout: transport.RequestTimeout(cfg),
		Logger:  logger,
	}), nil
}

// Capabilities returns the capabilities of this driver.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
