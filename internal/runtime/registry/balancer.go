package registry

import (
	"math/rand"
	"sync"
	"time"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
)

// Strategy names a load balancing policy.
type Strategy string

const (
	RoundRobin Strategy = "round-robin"
	Random     Strategy = "random"
	// LeastConnections degrades to round-robin: no connection tracking
	// exists, and the degradation is kept rather than silently picking a
	// different policy.
	LeastConnections Strategy = "least-connections"
)

// LoadBalancer picks one instance from a discovery result. Round-robin keeps
// a rotating index per service name.
type LoadBalancer struct {
	strategy Strategy

	mu      sync.Mutex
	cursors map[string]int
	randSrc *rand.Rand
}

// NewLoadBalancer constructs a LoadBalancer. An empty strategy defaults to
// round-robin.
func NewLoadBalancer(strategy Strategy) *LoadBalancer {
	if strategy == "" {
		strategy = RoundRobin
	}
	return &LoadBalancer{
		strategy: strategy,
		cursors:  make(map[string]int),
		randSrc:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select returns one instance per the configured strategy, or ErrNoInstances
// when the list is empty.
func (lb *LoadBalancer) Select(name string, instances []ServiceInstance) (*ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errspkg.ErrNoInstances
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	var pick ServiceInstance
	switch lb.strategy {
	case Random:
		pick = instances[lb.randSrc.Intn(len(instances))]
	default: // round-robin, least-connections
		idx := lb.cursors[name] % len(instances)
		lb.cursors[name] = idx + 1
		pick = instances[idx]
	}
	return &pick, nil
}
