package runtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/wirebus/wirebus/internal/runtime/config"
	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	loggingpkg "github.com/wirebus/wirebus/internal/runtime/logging"
	transportpkg "github.com/wirebus/wirebus/transport"
)

// HandlerRegistration pairs a message pattern with its handler. Handlers are
// collected explicitly through Handle, never through global registration
// maps.
type HandlerRegistration struct {
	Pattern transportpkg.Pattern
	Handler transportpkg.Handler
}

// MicroserviceOptions configure a Microservice.
type MicroserviceOptions struct {
	// Name identifies the service in logs.
	Name string
	// Config selects and configures the driver. Required unless Transport
	// is set.
	Config *configpkg.Config
	// Logger receives structured service logs.
	Logger loggingpkg.ServiceLogger
	// Transport overrides the driver lookup, mainly for tests.
	Transport transportpkg.Transport
}

// Microservice serves handlers over a transport. Register handlers with
// Handle, then call Start.
type Microservice struct {
	instanceID string
	transport  transportpkg.Transport
	logger     loggingpkg.ServiceLogger
	tracer     trace.Tracer

	mu       sync.Mutex
	handlers []HandlerRegistration
	started  bool
}

// NewMicroservice builds a Microservice, resolving the driver by name
// through the transport registry.
func NewMicroservice(ctx context.Context, opts MicroserviceOptions) (*Microservice, error) {
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	if opts.Name != "" {
		logger = logger.With(loggingpkg.LogFields{"service": opts.Name})
	}

	tr := opts.Transport
	if tr == nil {
		if err := configpkg.ValidateConfig(opts.Config); err != nil {
			return nil, err
		}
		built, err := transportpkg.Build(ctx, opts.Config, loggingpkg.NewWatermillAdapter(logger))
		if err != nil {
			return nil, err
		}
		tr = built
	}

	return &Microservice{
		instanceID: uuid.NewString(),
		transport:  tr,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// InstanceID identifies this service process.
func (m *Microservice) InstanceID() string {
	return m.instanceID
}

// Handle registers a handler for the pattern. Registrations after Start are
// rejected.
func (m *Microservice) Handle(pattern transportpkg.Pattern, handler transportpkg.Handler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if len(pattern) == 0 {
		return errspkg.ErrPatternRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errspkg.ErrAlreadyStarted
	}
	m.handlers = append(m.handlers, HandlerRegistration{Pattern: pattern, Handler: m.traced(pattern, handler)})
	return nil
}

func (m *Microservice) traced(pattern transportpkg.Pattern, handler transportpkg.Handler) transportpkg.Handler {
	key := pattern.Key()
	return func(ctx context.Context, msg *transportpkg.Message, mctx transportpkg.MessageContext) ([]byte, error) {
		ctx, span := m.tracer.Start(ctx, "wirebus.service.handle",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", key),
				attribute.String("messaging.message.id", msg.ID),
			))
		defer span.End()

		reply, err := handler(ctx, msg, mctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return reply, err
	}
}

// Handlers returns the current registrations.
func (m *Microservice) Handlers() []HandlerRegistration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HandlerRegistration(nil), m.handlers...)
}

// Start connects the transport, subscribes every registered handler, and
// begins listening. Starting twice is an error.
func (m *Microservice) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errspkg.ErrAlreadyStarted
	}
	m.started = true
	handlers := append([]HandlerRegistration(nil), m.handlers...)
	m.mu.Unlock()

	if err := m.transport.Connect(ctx); err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return err
	}
	for _, reg := range handlers {
		m.transport.Subscribe(reg.Pattern, reg.Handler)
	}
	if err := m.transport.Listen(ctx); err != nil {
		_ = m.transport.Disconnect(ctx)
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return err
	}

	m.logger.Info("Microservice started", loggingpkg.LogFields{
		"instance": m.instanceID,
		"handlers": len(handlers),
	})
	return nil
}

// Stop disconnects the transport, failing any in-flight requests.
func (m *Microservice) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	m.logger.Info("Microservice stopping", loggingpkg.LogFields{
		"instance": m.instanceID,
	})
	return m.transport.Disconnect(ctx)
}
