// Package registry implements service instance registration with
// heartbeat-based expiry, discovery with pluggable load balancing, and
// change notification. Drivers back the registry with in-memory state or
// Redis.
package registry

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/internal/runtime/ids"
	"github.com/wirebus/wirebus/internal/runtime/logging"
	"github.com/wirebus/wirebus/internal/runtime/metadata"
)

// Defaults applied when Options leaves the timing policy unset.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultTTL               = 15 * time.Second
)

// Health states of a registered instance.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// ServiceInstance is one registered endpoint of a named service.
type ServiceInstance struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Metadata      metadata.Metadata `json:"metadata,omitempty"`
	Health        Health            `json:"health"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
}

// Address formats the instance endpoint as host:port.
func (s ServiceInstance) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// EventType classifies a registry change.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventDeregistered EventType = "deregistered"
	EventExpired      EventType = "expired"
)

// Event is a registry change delivered to watchers.
type Event struct {
	Type     EventType
	Instance ServiceInstance
}

// WatchFunc receives registry change events.
type WatchFunc func(Event)

// Driver stores instances and notifies watchers. Implementations purge any
// instance whose heartbeat age exceeds the configured TTL.
type Driver interface {
	Save(ctx context.Context, inst ServiceInstance) error
	Heartbeat(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, reason EventType) error
	List(ctx context.Context, name string) ([]ServiceInstance, error)
	Watch(name string, fn WatchFunc) (unsubscribe func())
	Close() error
}

// Options configure a ServiceRegistry.
type Options struct {
	// Driver stores the instances. Defaults to the in-memory driver.
	Driver Driver
	// HeartbeatInterval is the period of the liveness reports each
	// registered instance sends to the driver.
	HeartbeatInterval time.Duration
	// TTL is the heartbeat age after which the driver expires an instance.
	TTL time.Duration
	// Strategy picks instances during Discover.
	Strategy Strategy
	// Logger receives structured registry logs.
	Logger logging.ServiceLogger
}

// ServiceRegistry registers local instances, keeps their heartbeats alive,
// and discovers instances by name through the load balancer.
type ServiceRegistry struct {
	driver   Driver
	ownsDrv  bool
	interval time.Duration
	lb       *LoadBalancer
	logger   logging.ServiceLogger

	mu     sync.Mutex
	stops  map[string]chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// New constructs a ServiceRegistry.
func New(opts Options) *ServiceRegistry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	ownsDrv := false
	if opts.Driver == nil {
		opts.Driver = NewMemoryDriver(opts.TTL)
		ownsDrv = true
	}
	return &ServiceRegistry{
		driver:   opts.Driver,
		ownsDrv:  ownsDrv,
		interval: opts.HeartbeatInterval,
		lb:       NewLoadBalancer(opts.Strategy),
		logger:   opts.Logger,
		stops:    make(map[string]chan struct{}),
	}
}

// Register stores a new instance of the named service and starts its
// heartbeat loop. The generated instance id is "{name}-{8 hex chars}".
func (r *ServiceRegistry) Register(ctx context.Context, name, host string, port int, md metadata.Metadata) (*ServiceInstance, error) {
	if name == "" {
		return nil, errspkg.ErrServiceNameRequired
	}

	now := time.Now()
	inst := ServiceInstance{
		ID:            name + "-" + ids.ShortHex(4),
		Name:          name,
		Host:          host,
		Port:          port,
		Metadata:      md.Clone(),
		Health:        HealthHealthy,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errspkg.ErrRegistryClosed
	}
	stop := make(chan struct{})
	r.stops[inst.ID] = stop
	r.mu.Unlock()

	if err := r.driver.Save(ctx, inst); err != nil {
		r.mu.Lock()
		delete(r.stops, inst.ID)
		r.mu.Unlock()
		return nil, err
	}

	r.wg.Add(1)
	go r.heartbeatLoop(inst.ID, stop)

	r.logger.Debug("Registered service instance", logging.LogFields{
		"service":  name,
		"instance": inst.ID,
	})
	return &inst, nil
}

func (r *ServiceRegistry) heartbeatLoop(id string, stop chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			err := r.driver.Heartbeat(ctx, id)
			cancel()
			if err != nil {
				r.logger.Error("Heartbeat failed", err, logging.LogFields{
					"instance": id,
				})
			}
		}
	}
}

// Deregister stops the heartbeat loop and removes the instance.
func (r *ServiceRegistry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	stop, ok := r.stops[id]
	if ok {
		delete(r.stops, id)
	}
	r.mu.Unlock()
	if !ok {
		return errspkg.ErrInstanceNotFound
	}

	close(stop)
	return r.driver.Remove(ctx, id, EventDeregistered)
}

// Discover returns one instance of the named service, chosen by the load
// balancing strategy.
func (r *ServiceRegistry) Discover(ctx context.Context, name string) (*ServiceInstance, error) {
	instances, err := r.driver.List(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.lb.Select(name, instances)
}

// Instances returns every live instance of the named service.
func (r *ServiceRegistry) Instances(ctx context.Context, name string) ([]ServiceInstance, error) {
	return r.driver.List(ctx, name)
}

// Watch registers fn for change events of the named service and returns the
// unsubscribe closure.
func (r *ServiceRegistry) Watch(name string, fn WatchFunc) func() {
	return r.driver.Watch(name, fn)
}

// Close deregisters every locally registered instance and, when the registry
// owns its driver, closes it.
func (r *ServiceRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stops := r.stops
	r.stops = make(map[string]chan struct{})
	r.mu.Unlock()

	var firstErr error
	for id, stop := range stops {
		close(stop)
		if err := r.driver.Remove(ctx, id, EventDeregistered); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.wg.Wait()

	if r.ownsDrv {
		if err := r.driver.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
