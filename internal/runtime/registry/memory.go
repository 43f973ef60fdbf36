package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
)

// expiryCheckDivisor sets how often the expiry loop runs relative to the TTL.
const expiryCheckDivisor = 4

// MemoryDriver keeps instances in process memory and expires them when their
// heartbeat age exceeds the TTL.
type MemoryDriver struct {
	ttl time.Duration

	mu        sync.Mutex
	instances map[string]ServiceInstance
	watchers  map[string]map[int]WatchFunc
	nextWatch int
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryDriver constructs a MemoryDriver with the given TTL and starts
// its expiry loop.
func NewMemoryDriver(ttl time.Duration) *MemoryDriver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	d := &MemoryDriver{
		ttl:       ttl,
		instances: make(map[string]ServiceInstance),
		watchers:  make(map[string]map[int]WatchFunc),
		done:      make(chan struct{}),
	}
	go d.expiryLoop()
	return d
}

func (d *MemoryDriver) expiryLoop() {
	interval := d.ttl / expiryCheckDivisor
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.expireStale()
		}
	}
}

func (d *MemoryDriver) expireStale() {
	cutoff := time.Now().Add(-d.ttl)

	d.mu.Lock()
	var expired []ServiceInstance
	for id, inst := range d.instances {
		if inst.LastHeartbeat.Before(cutoff) {
			delete(d.instances, id)
			expired = append(expired, inst)
		}
	}
	d.mu.Unlock()

	for _, inst := range expired {
		d.notify(Event{Type: EventExpired, Instance: inst})
	}
}

// Save stores the instance and notifies watchers of the registration.
func (d *MemoryDriver) Save(ctx context.Context, inst ServiceInstance) error {
	d.mu.Lock()
	d.instances[inst.ID] = inst
	d.mu.Unlock()

	d.notify(Event{Type: EventRegistered, Instance: inst})
	return nil
}

// Heartbeat refreshes the instance's liveness timestamp.
func (d *MemoryDriver) Heartbeat(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, ok := d.instances[id]
	if !ok {
		return errspkg.ErrInstanceNotFound
	}
	inst.LastHeartbeat = time.Now()
	d.instances[id] = inst
	return nil
}

// Remove deletes the instance and notifies watchers with the given reason.
func (d *MemoryDriver) Remove(ctx context.Context, id string, reason EventType) error {
	d.mu.Lock()
	inst, ok := d.instances[id]
	if ok {
		delete(d.instances, id)
	}
	d.mu.Unlock()
	if !ok {
		return errspkg.ErrInstanceNotFound
	}

	d.notify(Event{Type: reason, Instance: inst})
	return nil
}

// List returns the live instances of the named service, ordered by
// registration time.
func (d *MemoryDriver) List(ctx context.Context, name string) ([]ServiceInstance, error) {
	cutoff := time.Now().Add(-d.ttl)

	d.mu.Lock()
	var out []ServiceInstance
	for _, inst := range d.instances {
		if inst.Name == name && !inst.LastHeartbeat.Before(cutoff) {
			out = append(out, inst)
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}

// Watch registers fn for change events of the named service.
func (d *MemoryDriver) Watch(name string, fn WatchFunc) func() {
	d.mu.Lock()
	if d.watchers[name] == nil {
		d.watchers[name] = make(map[int]WatchFunc)
	}
	id := d.nextWatch
	d.nextWatch++
	d.watchers[name][id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.watchers[name], id)
		if len(d.watchers[name]) == 0 {
			delete(d.watchers, name)
		}
	}
}

func (d *MemoryDriver) notify(ev Event) {
	d.mu.Lock()
	fns := make([]WatchFunc, 0, len(d.watchers[ev.Instance.Name]))
	for _, fn := range d.watchers[ev.Instance.Name] {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Close stops the expiry loop.
func (d *MemoryDriver) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return nil
}
