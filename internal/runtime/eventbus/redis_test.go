package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebus/wirebus/internal/runtime/metadata"
)

// fakeRedisBus emulates pub/sub channels and lists in memory.
type fakeRedisBus struct {
	mu    sync.Mutex
	subs  map[string][]*fakeRedisStream
	lists map[string][]string
}

func newFakeRedisBus() *fakeRedisBus {
	return &fakeRedisBus{
		subs:  make(map[string][]*fakeRedisStream),
		lists: make(map[string][]string),
	}
}

type fakeRedisStream struct {
	ch     chan *goredis.Message
	once   sync.Once
	closed chan struct{}
}

func (s *fakeRedisStream) Channel(opts ...goredis.ChannelOption) <-chan *goredis.Message {
	return s.ch
}

func (s *fakeRedisStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (f *fakeRedisBus) Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd {
	payload, _ := message.([]byte)

	f.mu.Lock()
	streams := append([]*fakeRedisStream(nil), f.subs[channel]...)
	f.mu.Unlock()

	for _, stream := range streams {
		select {
		case stream.ch <- &goredis.Message{Channel: channel, Payload: string(payload)}:
		case <-stream.closed:
		}
	}
	cmd := goredis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(streams)))
	return cmd
}

func (f *fakeRedisBus) LPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, v := range values {
		raw, _ := v.([]byte)
		f.lists[key] = append([]string{string(raw)}, f.lists[key]...)
	}
	cmd := goredis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeRedisBus) LRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := goredis.NewStringSliceCmd(ctx)
	cmd.SetVal(append([]string(nil), f.lists[key]...))
	return cmd
}

func (f *fakeRedisBus) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for _, key := range keys {
		if _, ok := f.lists[key]; ok {
			delete(f.lists, key)
			n++
		}
	}
	cmd := goredis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedisBus) LLen(ctx context.Context, key string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := goredis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeRedisBus) Close() error { return nil }

func (f *fakeRedisBus) subscribeFunc() RedisSubscribeFunc {
	return func(ctx context.Context, channel string) RedisSubscription {
		stream := &fakeRedisStream{
			ch:     make(chan *goredis.Message, 16),
			closed: make(chan struct{}),
		}
		f.mu.Lock()
		f.subs[channel] = append(f.subs[channel], stream)
		f.mu.Unlock()
		return stream
	}
}

func newRedisTestBus(t *testing.T, opts Options) (*EventBus, *fakeRedisBus) {
	t.Helper()
	fake := newFakeRedisBus()
	driver := NewRedisDriver(fake, fake.subscribeFunc())
	opts.Driver = driver
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	b := New(opts)
	t.Cleanup(func() { _ = driver.Close() })
	return b, fake
}

func TestRedisDriverDeliversEvents(t *testing.T) {
	b, _ := newRedisTestBus(t, Options{})

	got := make(chan Event, 1)
	unsubscribe, err := b.Subscribe("user.created", func(ctx context.Context, ev Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "user.created", "alice", metadata.Metadata{
		metadata.KeyCorrelationID: "corr-9",
	}))

	select {
	case ev := <-got:
		assert.Equal(t, "alice", ev.Data)
		assert.Equal(t, "corr-9", ev.Headers[metadata.KeyCorrelationID])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRedisDriverDeadLetterRoundTrip(t *testing.T) {
	b, fake := newRedisTestBus(t, Options{MaxRetries: 1})

	done := make(chan struct{}, 4)
	unsubscribe, err := b.Subscribe("payments", func(ctx context.Context, ev Event) error {
		done <- struct{}{}
		return errors.New("broken")
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "payments", "p-1", nil))
	<-done
	<-done // retry attempt

	require.Eventually(t, func() bool {
		letters, err := b.DLQ(context.Background(), "payments")
		return err == nil && len(letters) == 1
	}, time.Second, 5*time.Millisecond)

	letters, err := b.DLQ(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, "p-1", letters[0].Data)
	assert.Equal(t, "broken", letters[0].Headers[metadata.KeyLastError])

	// stored as JSON in the list
	fake.mu.Lock()
	raw := fake.lists[redisDLQKey("payments")]
	fake.mu.Unlock()
	require.Len(t, raw, 1)
	var stored Event
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &stored))
	assert.Equal(t, "payments", stored.Topic)

	n, err := b.PurgeDLQ(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisDriverUnsubscribeStopsDelivery(t *testing.T) {
	b, _ := newRedisTestBus(t, Options{})

	got := make(chan Event, 2)
	unsubscribe, err := b.Subscribe("topic", func(ctx context.Context, ev Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "topic", "one", nil))
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("first event not delivered")
	}

	unsubscribe()
	require.NoError(t, b.Publish(context.Background(), "topic", "two", nil))

	select {
	case ev := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %v", ev.Data)
	case <-time.After(50 * time.Millisecond):
	}
}
