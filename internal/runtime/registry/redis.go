package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
)

const redisKeyPrefix = "wirebus:services:"

// RedisCommands is the subset of the go-redis client the driver uses.
type RedisCommands interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
	Close() error
}

// RedisClientFactory builds the go-redis client for the driver. Overridable
// in tests.
var RedisClientFactory = func(addr, password string, db int) RedisCommands {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// RedisDriver stores instances as JSON values under TTL keys, so Redis
// itself expires instances whose heartbeats stop. Watchers are driven by a
// polling loop that diffs the instance set.
type RedisDriver struct {
	client RedisCommands
	ttl    time.Duration

	mu        sync.Mutex
	watchers  map[string]map[int]WatchFunc
	known     map[string]map[string]ServiceInstance // name -> id -> instance
	nextWatch int
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedisDriverAt connects a RedisDriver to the given Redis address.
func NewRedisDriverAt(addr, password string, db int, ttl time.Duration) *RedisDriver {
	return NewRedisDriver(RedisClientFactory(addr, password, db), ttl)
}

// NewRedisDriver constructs a RedisDriver over the given client.
func NewRedisDriver(client RedisCommands, ttl time.Duration) *RedisDriver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisDriver{
		client:   client,
		ttl:      ttl,
		watchers: make(map[string]map[int]WatchFunc),
		known:    make(map[string]map[string]ServiceInstance),
		done:     make(chan struct{}),
	}
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

// Save stores the instance under a TTL key and notifies watchers.
func (d *RedisDriver) Save(ctx context.Context, inst ServiceInstance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if err := d.client.Set(ctx, redisKey(inst.ID), payload, d.ttl).Err(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.known[inst.Name] == nil {
		d.known[inst.Name] = make(map[string]ServiceInstance)
	}
	d.known[inst.Name][inst.ID] = inst
	d.mu.Unlock()

	d.notify(Event{Type: EventRegistered, Instance: inst})
	return nil
}

// Heartbeat rewrites the instance with a fresh timestamp, resetting the key
// TTL.
func (d *RedisDriver) Heartbeat(ctx context.Context, id string) error {
	raw, err := d.client.Get(ctx, redisKey(id)).Result()
	if err == redis.Nil {
		return errspkg.ErrInstanceNotFound
	}
	if err != nil {
		return err
	}

	var inst ServiceInstance
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return err
	}
	inst.LastHeartbeat = time.Now()

	payload, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return d.client.Set(ctx, redisKey(id), payload, d.ttl).Err()
}

// Remove deletes the instance key and notifies watchers with the given
// reason.
func (d *RedisDriver) Remove(ctx context.Context, id string, reason EventType) error {
	raw, err := d.client.Get(ctx, redisKey(id)).Result()
	if err == redis.Nil {
		return errspkg.ErrInstanceNotFound
	}
	if err != nil {
		return err
	}
	if err := d.client.Del(ctx, redisKey(id)).Err(); err != nil {
		return err
	}

	var inst ServiceInstance
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.known[inst.Name], id)
	d.mu.Unlock()

	d.notify(Event{Type: reason, Instance: inst})
	return nil
}

// List fetches the live instances of the named service. Instance ids embed
// the service name, so a key prefix scan finds them.
func (d *RedisDriver) List(ctx context.Context, name string) ([]ServiceInstance, error) {
	keys, err := d.client.Keys(ctx, redisKeyPrefix+name+"-*").Result()
	if err != nil {
		return nil, err
	}

	out := make([]ServiceInstance, 0, len(keys))
	for _, key := range keys {
		raw, err := d.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // expired between scan and fetch
		}
		if err != nil {
			return nil, err
		}
		var inst ServiceInstance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			return nil, err
		}
		if inst.Name == name {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Watch registers fn for change events of the named service. The first
// watcher for a name starts the polling loop that surfaces expiries.
func (d *RedisDriver) Watch(name string, fn WatchFunc) func() {
	d.mu.Lock()
	first := len(d.watchers[name]) == 0
	if d.watchers[name] == nil {
		d.watchers[name] = make(map[int]WatchFunc)
	}
	id := d.nextWatch
	d.nextWatch++
	d.watchers[name][id] = fn
	d.mu.Unlock()

	if first {
		d.wg.Add(1)
		go d.pollLoop(name)
	}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.watchers[name], id)
	}
}

func (d *RedisDriver) pollLoop(name string) {
	defer d.wg.Done()

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
			d.pollOnce(name)
		}
	}
}

// pollOnce diffs the stored instance set against the last snapshot. Ids that
// vanished without a local Remove are reported as expired.
func (d *RedisDriver) pollOnce(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.ttl)
	current, err := d.List(ctx, name)
	cancel()
	if err != nil {
		return
	}

	currentByID := make(map[string]ServiceInstance, len(current))
	for _, inst := range current {
		currentByID[inst.ID] = inst
	}

	d.mu.Lock()
	prev := d.known[name]
	var gone []ServiceInstance
	for id, inst := range prev {
		if _, ok := currentByID[id]; !ok {
			gone = append(gone, inst)
		}
	}
	d.known[name] = currentByID
	d.mu.Unlock()

	for _, inst := range gone {
		d.notify(Event{Type: EventExpired, Instance: inst})
	}
}

func (d *RedisDriver) notify(ev Event) {
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

// Close stops polling and closes the underlying client.
func (d *RedisDriver) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
	return d.client.Close()
}
