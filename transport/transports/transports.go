// Package transports imports all built-in drivers for auto-registration.
// Import this package to have every driver registered with the default
// registry.
package transports

import (
	// Side-effect registration for init-registered drivers.
	_ "github.com/wirebus/wirebus/transport/awsbus"
	_ "github.com/wirebus/wirebus/transport/grpc"
	_ "github.com/wirebus/wirebus/transport/kafka"
	_ "github.com/wirebus/wirebus/transport/memory"
	_ "github.com/wirebus/wirebus/transport/mqtt"
	_ "github.com/wirebus/wirebus/transport/nats"
	_ "github.com/wirebus/wirebus/transport/redis"

	"github.com/wirebus/wirebus/transport/rabbitmq"
)

func init() {
	rabbitmq.Register()
}
