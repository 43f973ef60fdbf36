package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/internal/runtime/metadata"
	"github.com/wirebus/wirebus/internal/runtime/metrics"
)

func newTestBus(t *testing.T, opts Options) *EventBus {
	t.Helper()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	b := New(opts)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishDeliversEvent(t *testing.T) {
	b := newTestBus(t, Options{})

	got := make(chan Event, 1)
	unsubscribe, err := b.Subscribe("user.created", func(ctx context.Context, ev Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "user.created", "alice", nil))

	select {
	case ev := <-got:
		assert.Equal(t, "alice", ev.Data)
		assert.Equal(t, "user.created", ev.Topic)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishGeneratesCorrelationID(t *testing.T) {
	b := newTestBus(t, Options{})

	got := make(chan Event, 2)
	unsubscribe, err := b.Subscribe("audit", func(ctx context.Context, ev Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "audit", 1, nil))
	require.NoError(t, b.Publish(context.Background(), "audit", 2, metadata.Metadata{
		metadata.KeyCorrelationID: "corr-123",
	}))

	first := <-got
	second := <-got
	assert.NotEmpty(t, first.Headers[metadata.KeyCorrelationID])
	assert.Equal(t, "corr-123", second.Headers[metadata.KeyCorrelationID])
}

func TestPublishValidation(t *testing.T) {
	b := newTestBus(t, Options{})

	assert.ErrorIs(t, b.Publish(context.Background(), "", "x", nil), errspkg.ErrTopicRequired)

	_, err := b.Subscribe("", func(ctx context.Context, ev Event) error { return nil })
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)

	_, err = b.Subscribe("topic", nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
}

func TestFailingHandlerRetriesThenDeadLetters(t *testing.T) {
	b := newTestBus(t, Options{MaxRetries: 2})

	var attempts atomic.Int64
	unsubscribe, err := b.Subscribe("payments", func(ctx context.Context, ev Event) error {
		attempts.Add(1)
		return errors.New("downstream unavailable")
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "payments", "p-1", nil))

	assert.Equal(t, int64(3), attempts.Load())

	letters, err := b.DLQ(context.Background(), "payments")
	require.NoError(t, err)
	require.Len(t, letters, 1)

	dead := letters[0]
	assert.Equal(t, "p-1", dead.Data)
	assert.Equal(t, "2", dead.Headers[metadata.KeyRetryCount])
	assert.Equal(t, "downstream unavailable", dead.Headers[metadata.KeyLastError])
	assert.NotEmpty(t, dead.Headers[metadata.KeyFailedAt])
}

func TestRecoveringHandlerAvoidsDeadLetter(t *testing.T) {
	b := newTestBus(t, Options{MaxRetries: 3})

	var attempts atomic.Int64
	unsubscribe, err := b.Subscribe("orders", func(ctx context.Context, ev Event) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "orders", "o-1", nil))

	assert.Equal(t, int64(3), attempts.Load())
	letters, err := b.DLQ(context.Background(), "orders")
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestDeadLettersAccumulateInOrder(t *testing.T) {
	b := newTestBus(t, Options{MaxRetries: 1})

	unsubscribe, err := b.Subscribe("jobs", func(ctx context.Context, ev Event) error {
		return errors.New("always fails")
	})
	require.NoError(t, err)
	defer unsubscribe()

	for _, data := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(context.Background(), "jobs", data, nil))
	}

	letters, err := b.DLQ(context.Background(), "jobs")
	require.NoError(t, err)
	require.Len(t, letters, 3)
	assert.Equal(t, "a", letters[0].Data)
	assert.Equal(t, "c", letters[2].Data)
}

func TestPurgeDLQ(t *testing.T) {
	b := newTestBus(t, Options{MaxRetries: 1})

	unsubscribe, err := b.Subscribe("jobs", func(ctx context.Context, ev Event) error {
		return errors.New("always fails")
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "jobs", "x", nil))

	n, err := b.PurgeDLQ(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	letters, err := b.DLQ(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Empty(t, letters)

	n, err = b.PurgeDLQ(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeadLetterMetricsRecorded(t *testing.T) {
	m := metrics.NewDLQMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())
	b := newTestBus(t, Options{MaxRetries: 1, Metrics: m})

	unsubscribe, err := b.Subscribe("payments", func(ctx context.Context, ev Event) error {
		return errors.New("still broken")
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "payments", "x", nil))
	require.NoError(t, b.Publish(context.Background(), "payments", "y", nil))

	snap := m.Snapshot()
	require.Contains(t, snap.TopicMetrics, "payments")
	assert.Equal(t, uint64(2), snap.TopicMetrics["payments"].MessagesReceived)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, Options{})

	var count atomic.Int64
	unsubscribe, err := b.Subscribe("topic", func(ctx context.Context, ev Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "topic", "one", nil))
	unsubscribe()
	require.NoError(t, b.Publish(context.Background(), "topic", "two", nil))

	assert.Equal(t, int64(1), count.Load())
}
