package eventbus

import (
	"context"
	"sync"

	"github.com/wirebus/wirebus/internal/runtime/broker"
)

// MemoryDriver delivers events through an in-process broker and keeps dead
// letters in a per-topic slice.
type MemoryDriver struct {
	broker *broker.Broker

	mu  sync.Mutex
	dlq map[string][]Event
}

// NewMemoryDriver constructs a MemoryDriver with its own broker.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		broker: broker.New(broker.Options{MaxRetries: 1}),
		dlq:    make(map[string][]Event),
	}
}

// Publish hands the event to the broker.
func (d *MemoryDriver) Publish(ctx context.Context, ev Event) error {
	return d.broker.Publish(ctx, ev.Topic, ev, broker.PublishOptions{Headers: ev.Headers})
}

// Subscribe registers fn for the topic. Retry is the event bus's concern, so
// the broker handler never reports an error.
func (d *MemoryDriver) Subscribe(topic string, fn func(ctx context.Context, ev Event)) (func(), error) {
	sub, err := d.broker.Subscribe(topic, func(ctx context.Context, msg *broker.Message) error {
		if ev, ok := msg.Data.(Event); ok {
			fn(ctx, ev)
		}
		return nil
	}, broker.SubscribeOptions{})
	if err != nil {
		return nil, err
	}
	return func() { d.broker.Unsubscribe(sub.ID) }, nil
}

// AppendDeadLetter stores the event in the topic's dead letter slice.
func (d *MemoryDriver) AppendDeadLetter(ctx context.Context, topic string, ev Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dlq[topic] = append(d.dlq[topic], ev)
	return nil
}

// DeadLetters returns a copy of the topic's dead letters, oldest first.
func (d *MemoryDriver) DeadLetters(ctx context.Context, topic string) ([]Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.dlq[topic]...), nil
}

// PurgeDeadLetters drops the topic's dead letters.
func (d *MemoryDriver) PurgeDeadLetters(ctx context.Context, topic string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.dlq[topic])
	delete(d.dlq, topic)
	return n, nil
}

// Close shuts the underlying broker down.
func (d *MemoryDriver) Close() error {
	d.broker.Close()
	return nil
}
