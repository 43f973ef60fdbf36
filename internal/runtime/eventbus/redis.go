package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisDLQPrefix = "wirebus:dlq:"

// RedisCommands is the subset of the go-redis client the driver uses.
type RedisCommands interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// RedisSubscription is the live pub/sub stream for one topic.
type RedisSubscription interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// RedisSubscribeFunc opens a pub/sub subscription on a channel.
type RedisSubscribeFunc func(ctx context.Context, channel string) RedisSubscription

// RedisClientFactory builds the go-redis client and its subscribe function.
// Overridable in tests.
var RedisClientFactory = func(addr, password string, db int) (RedisCommands, RedisSubscribeFunc) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	subscribe := func(ctx context.Context, channel string) RedisSubscription {
		return client.Subscribe(ctx, channel)
	}
	return client, subscribe
}

// RedisDriver delivers events over Redis pub/sub and keeps dead letters in a
// Redis list per topic.
type RedisDriver struct {
	client    RedisCommands
	subscribe RedisSubscribeFunc

	mu        sync.Mutex
	subs      map[*redisSub]struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type redisSub struct {
	stream RedisSubscription
}

// NewRedisDriverAt connects a RedisDriver to the given Redis address.
func NewRedisDriverAt(addr, password string, db int) *RedisDriver {
	client, subscribe := RedisClientFactory(addr, password, db)
	return NewRedisDriver(client, subscribe)
}

// NewRedisDriver constructs a RedisDriver over the given client.
func NewRedisDriver(client RedisCommands, subscribe RedisSubscribeFunc) *RedisDriver {
	return &RedisDriver{
		client:    client,
		subscribe: subscribe,
		subs:      make(map[*redisSub]struct{}),
		done:      make(chan struct{}),
	}
}

func redisDLQKey(topic string) string {
	return redisDLQPrefix + topic
}

// Publish emits the JSON-encoded event on the topic channel.
func (d *RedisDriver) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return d.client.Publish(ctx, ev.Topic, payload).Err()
}

// Subscribe opens a pub/sub stream for the topic and pumps decoded events
// into fn until unsubscribed.
func (d *RedisDriver) Subscribe(topic string, fn func(ctx context.Context, ev Event)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := d.subscribe(ctx, topic)
	sub := &redisSub{stream: stream}

	d.mu.Lock()
	d.subs[sub] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ch := stream.Channel()
		for {
			select {
			case <-d.done:
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					continue
				}
				fn(ctx, ev)
			}
		}
	}()

	return func() {
		cancel()
		_ = stream.Close()
		d.mu.Lock()
		delete(d.subs, sub)
		d.mu.Unlock()
	}, nil
}

// AppendDeadLetter pushes the JSON-encoded event onto the topic's dead
// letter list.
func (d *RedisDriver) AppendDeadLetter(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return d.client.LPush(ctx, redisDLQKey(topic), payload).Err()
}

// DeadLetters returns the topic's dead letters, oldest first. LPush stores
// newest at the head, so the list is read back in reverse.
func (d *RedisDriver) DeadLetters(ctx context.Context, topic string) ([]Event, error) {
	raws, err := d.client.LRange(ctx, redisDLQKey(topic), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var ev Event
		if err := json.Unmarshal([]byte(raws[i]), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// PurgeDeadLetters deletes the topic's dead letter list.
func (d *RedisDriver) PurgeDeadLetters(ctx context.Context, topic string) (int, error) {
	n, err := d.client.LLen(ctx, redisDLQKey(topic)).Result()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := d.client.Del(ctx, redisDLQKey(topic)).Err(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close stops every subscription stream and closes the client.
func (d *RedisDriver) Close() error {
	d.closeOnce.Do(func() { close(d.done) })

	d.mu.Lock()
	for sub := range d.subs {
		_ = sub.stream.Close()
	}
	d.subs = make(map[*redisSub]struct{})
	d.mu.Unlock()

	d.wg.Wait()
	return d.client.Close()
}
