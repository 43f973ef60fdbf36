// Package runtime wires transports, configuration, and logging into the two
// user-facing roles: a client proxy issuing requests and a microservice
// serving handlers.
package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/wirebus/wirebus/internal/runtime/config"
	loggingpkg "github.com/wirebus/wirebus/internal/runtime/logging"
	transportpkg "github.com/wirebus/wirebus/transport"
)

const tracerName = "github.com/wirebus/wirebus"

// ClientOptions configure a ClientProxy.
type ClientOptions struct {
	// Config selects and configures the driver. Required unless Transport
	// is set.
	Config *configpkg.Config
	// Logger receives structured client logs.
	Logger loggingpkg.ServiceLogger
	// Transport overrides the driver lookup, mainly for tests.
	Transport transportpkg.Transport
}

// ClientProxy pairs a transport with request defaults. Every Send and Emit
// is wrapped in a trace span.
type ClientProxy struct {
	transport transportpkg.Transport
	logger    loggingpkg.ServiceLogger
	tracer    trace.Tracer
	driver    string
}

// NewClient builds a ClientProxy, resolving the driver by name through the
// transport registry.
func NewClient(ctx context.Context, opts ClientOptions) (*ClientProxy, error) {
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	tr := opts.Transport
	driver := "custom"
	if tr == nil {
		if err := configpkg.ValidateConfig(opts.Config); err != nil {
			return nil, err
		}
		built, err := transportpkg.Build(ctx, opts.Config, loggingpkg.NewWatermillAdapter(logger))
		if err != nil {
			return nil, err
		}
		tr = built
		driver = opts.Config.GetDriver()
	}

	return &ClientProxy{
		transport: tr,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		driver:    driver,
	}, nil
}

// Connect establishes the underlying transport link.
func (c *ClientProxy) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Send performs a request/reply call and returns the raw reply payload.
func (c *ClientProxy) Send(ctx context.Context, pattern transportpkg.Pattern, data any) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "wirebus.client.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", pattern.Key()),
			attribute.String("messaging.system", c.driver),
		))
	defer span.End()

	reply, err := c.transport.Send(ctx, pattern, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return reply, nil
}

// Emit publishes a fire-and-forget message.
func (c *ClientProxy) Emit(ctx context.Context, pattern transportpkg.Pattern, data any) error {
	ctx, span := c.tracer.Start(ctx, "wirebus.client.emit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", pattern.Key()),
			attribute.String("messaging.system", c.driver),
		))
	defer span.End()

	if err := c.transport.Emit(ctx, pattern, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Connected reports the transport link state.
func (c *ClientProxy) Connected() bool {
	return c.transport.Connected()
}

// Close disconnects the transport, rejecting any pending requests.
func (c *ClientProxy) Close(ctx context.Context) error {
	return c.transport.Disconnect(ctx)
}
