package broker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"orders.created", "orders.created", true},
		{"orders.created", "orders.updated", false},
		{"orders.*", "orders.created", true},
		{"orders.*", "orders.created.eu", false},
		{"orders.*.eu", "orders.created.eu", true},
		{"orders.#", "orders.created", true},
		{"orders.#", "orders.created.eu.west", true},
		{"orders.#", "orders", true},
		{"#", "anything.at.all", true},
		{"*.created", "orders.created", true},
		{"*.created", "created", false},
		{"orders.#.eu", "orders.created.eu", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+"/"+tc.topic, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchTopic(tc.pattern, tc.topic))
		})
	}
}

func TestExchangeRoutesToMatchingBindings(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Close()
	ex := NewTopicExchange(b)

	var wildcard, exact, other atomic.Int64
	_, err := ex.Bind("orders.*", func(ctx context.Context, msg *Message) error {
		wildcard.Add(1)
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	_, err = ex.Bind("orders.created", func(ctx context.Context, msg *Message) error {
		exact.Add(1)
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	_, err = ex.Bind("payments.#", func(ctx context.Context, msg *Message) error {
		other.Add(1)
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)

	matched, err := ex.Publish(context.Background(), "orders.created", "o", PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, matched)
	assert.Equal(t, int64(1), wildcard.Load())
	assert.Equal(t, int64(1), exact.Load())
	assert.Zero(t, other.Load())
}

func TestExchangePublishWithoutMatches(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Close()
	ex := NewTopicExchange(b)

	matched, err := ex.Publish(context.Background(), "unbound.topic", "x", PublishOptions{})
	require.NoError(t, err)
	assert.Zero(t, matched)
}

func TestExchangeValidation(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Close()
	ex := NewTopicExchange(b)

	_, err := ex.Bind("", func(ctx context.Context, msg *Message) error { return nil }, SubscribeOptions{})
	assert.ErrorIs(t, err, errspkg.ErrPatternRequired)

	_, err = ex.Publish(context.Background(), "", "x", PublishOptions{})
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestExchangeUnbind(t *testing.T) {
	b := newTestBroker(Options{})
	defer b.Close()
	ex := NewTopicExchange(b)

	var count atomic.Int64
	sub, err := ex.Bind("logs.#", func(ctx context.Context, msg *Message) error {
		count.Add(1)
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)

	matched, err := ex.Publish(context.Background(), "logs.app.error", "x", PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, matched)

	assert.True(t, ex.Unbind(sub.ID))
	assert.False(t, ex.Unbind(sub.ID))

	matched, err = ex.Publish(context.Background(), "logs.app.error", "x", PublishOptions{})
	require.NoError(t, err)
	assert.Zero(t, matched)
	assert.Equal(t, int64(1), count.Load())
}
