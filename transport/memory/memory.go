// Package memory provides an in-process loopback transport for wirebus.
// This driver is useful for testing and single-process deployments.
package memory

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/wirebus/wirebus/transport"
	"github.com/wirebus/wirebus/transport/wmbus"
)

// TransportName is the name used to register this driver.
const TransportName = "memory"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a new in-memory transport. Handlers and senders share one
// process, so Send fails fast with ErrNoHandler when no handler matches the
// pattern instead of timing out.
func Build(ctx context.Context, cfg transport.Config, logger transport.LoggerAdapter) (transport.Transport, error) {
	return wmbus.New(
		func(ctx context.Context) (message.Publisher, message.Subscriber, error) {
			pub, sub := Factory(gochannel.Config{}, logger)
			return pub, sub, nil
		},
		wmbus.Options{
			Driver:    TransportName,
			Prefix:    transport.ChannelPrefix(cfg),
			Timeout:   transport.RequestTimeout(cfg),
			LocalOnly: true,
			Logger:    logger,
		},
	), nil
}

// Capabilities returns the capabilities of this driver.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}
