package wirebus

import (
	runtimepkg "github.com/wirebus/wirebus/internal/runtime"
	brokerpkg "github.com/wirebus/wirebus/internal/runtime/broker"
	configpkg "github.com/wirebus/wirebus/internal/runtime/config"
	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	eventbuspkg "github.com/wirebus/wirebus/internal/runtime/eventbus"
	idspkg "github.com/wirebus/wirebus/internal/runtime/ids"
	jsoncodec "github.com/wirebus/wirebus/internal/runtime/jsoncodec"
	loggingpkg "github.com/wirebus/wirebus/internal/runtime/logging"
	metadatapkg "github.com/wirebus/wirebus/internal/runtime/metadata"
	metricspkg "github.com/wirebus/wirebus/internal/runtime/metrics"
	registrypkg "github.com/wirebus/wirebus/internal/runtime/registry"
	transportpkg "github.com/wirebus/wirebus/transport"
)

type (
	Config = configpkg.Config

	// Client and microservice roles
	ClientProxy         = runtimepkg.ClientProxy
	ClientOptions       = runtimepkg.ClientOptions
	Microservice        = runtimepkg.Microservice
	MicroserviceOptions = runtimepkg.MicroserviceOptions
	HandlerRegistration = runtimepkg.HandlerRegistration

	// Transport contract
	Transport         = transportpkg.Transport
	TransportBuilder  = transportpkg.Builder
	TransportConfig   = transportpkg.Config
	TransportRegistry = transportpkg.Registry
	Capabilities      = transportpkg.Capabilities
	Pattern           = transportpkg.Pattern
	Message           = transportpkg.Message
	MessageContext    = transportpkg.MessageContext
	Handler           = transportpkg.Handler

	// In-process broker
	Broker                 = brokerpkg.Broker
	BrokerOptions          = brokerpkg.Options
	BrokerMessage          = brokerpkg.Message
	BrokerHandler          = brokerpkg.Handler
	BrokerSubscription     = brokerpkg.Subscription
	BrokerSubscribeOptions = brokerpkg.SubscribeOptions
	BrokerPublishOptions   = brokerpkg.PublishOptions
	TopicExchange          = brokerpkg.TopicExchange

	// Service registry
	ServiceRegistry = registrypkg.ServiceRegistry
	RegistryOptions = registrypkg.Options
	RegistryDriver  = registrypkg.Driver
	RegistryEvent   = registrypkg.Event
	ServiceInstance = registrypkg.ServiceInstance
	LoadBalancer    = registrypkg.LoadBalancer
	Strategy        = registrypkg.Strategy

	// Event bus
	EventBus        = eventbuspkg.EventBus
	EventBusOptions = eventbuspkg.Options
	EventBusDriver  = eventbuspkg.Driver
	Event           = eventbuspkg.Event
	EventHandler    = eventbuspkg.Handler

	// Metrics
	BrokerMetrics   = metricspkg.BrokerMetrics
	DLQMetrics      = metricspkg.DLQMetrics
	DLQTopicMetrics = metricspkg.DLQTopicMetrics
	DLQSnapshot     = metricspkg.DLQSnapshot

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Error types
	ConnectionError = errspkg.ConnectionError
	TimeoutError    = errspkg.TimeoutError
	HandlerError    = errspkg.HandlerError
)

var (
	NewClient       = runtimepkg.NewClient
	NewMicroservice = runtimepkg.NewMicroservice
	ValidateConfig  = configpkg.ValidateConfig

	NewBroker        = brokerpkg.New
	NewTopicExchange = brokerpkg.NewTopicExchange
	MatchTopic       = brokerpkg.MatchTopic

	NewServiceRegistry     = registrypkg.New
	NewLoadBalancer        = registrypkg.NewLoadBalancer
	NewMemoryRegistry      = registrypkg.NewMemoryDriver
	NewRedisRegistryDriver = registrypkg.NewRedisDriver

	NewEventBus          = eventbuspkg.New
	NewMemoryEventDriver = eventbuspkg.NewMemoryDriver
	NewRedisEventDriver  = eventbuspkg.NewRedisDriver

	NewBrokerMetrics = metricspkg.NewBrokerMetrics
	NewDLQMetrics    = metricspkg.NewDLQMetrics

	// Pattern constructors
	Cmd          = transportpkg.Cmd
	EventPattern = transportpkg.Event

	// Transport registry
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrNotConnected        = errspkg.ErrNotConnected
	ErrNoHandler           = errspkg.ErrNoHandler
	ErrDisconnected        = errspkg.ErrDisconnected
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrPatternRequired     = errspkg.ErrPatternRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrTransportRequired   = errspkg.ErrTransportRequired
	ErrBrokerClosed        = errspkg.ErrBrokerClosed
	ErrInstanceNotFound    = errspkg.ErrInstanceNotFound
	ErrNoInstances         = errspkg.ErrNoInstances
	ErrServiceNameRequired = errspkg.ErrServiceNameRequired
	ErrRegistryClosed      = errspkg.ErrRegistryClosed
	ErrAlreadyStarted      = errspkg.ErrAlreadyStarted
	IsTimeout              = errspkg.IsTimeout

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Registry health states.
const (
	HealthHealthy   = registrypkg.HealthHealthy
	HealthUnhealthy = registrypkg.HealthUnhealthy
)

// Load balancing strategies.
const (
	StrategyRoundRobin       = registrypkg.RoundRobin
	StrategyRandom           = registrypkg.Random
	StrategyLeastConnections = registrypkg.LeastConnections
)

// Registry event types.
const (
	EventRegistered   = registrypkg.EventRegistered
	EventDeregistered = registrypkg.EventDeregistered
	EventExpired      = registrypkg.EventExpired
)

// Metadata keys for standard header fields.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyReplyTo       = metadatapkg.KeyReplyTo
	MetadataKeyRetryCount    = metadatapkg.KeyRetryCount
	MetadataKeyFailedAt      = metadatapkg.KeyFailedAt
	MetadataKeyLastError     = metadatapkg.KeyLastError
	MetadataKeyTraceID       = metadatapkg.KeyTraceID
	MetadataKeySpanID        = metadatapkg.KeySpanID
)
