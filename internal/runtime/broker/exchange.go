package broker

import (
	"context"
	"strings"
	"sync"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
)

// TopicExchange routes published messages to bound patterns with AMQP-style
// wildcards over dot-separated topics: "*" matches exactly one segment, "#"
// matches zero or more trailing segments.
type TopicExchange struct {
	broker *Broker

	mu       sync.Mutex
	bindings map[string][]string // pattern -> subscription ids
}

// NewTopicExchange wraps a broker with wildcard routing.
func NewTopicExchange(b *Broker) *TopicExchange {
	return &TopicExchange{
		broker:   b,
		bindings: make(map[string][]string),
	}
}

// Bind subscribes handler under a wildcard pattern.
func (e *TopicExchange) Bind(pattern string, handler Handler, opts SubscribeOptions) (*Subscription, error) {
	if pattern == "" {
		return nil, errspkg.ErrPatternRequired
	}

	sub, err := e.broker.Subscribe(pattern, handler, opts)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.bindings[pattern] = append(e.bindings[pattern], sub.ID)
	e.mu.Unlock()
	return sub, nil
}

// Unbind removes a binding by subscription id.
func (e *TopicExchange) Unbind(id string) bool {
	if !e.broker.Unsubscribe(id) {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for pattern, subIDs := range e.bindings {
		for i, subID := range subIDs {
			if subID == id {
				e.bindings[pattern] = append(subIDs[:i], subIDs[i+1:]...)
				if len(e.bindings[pattern]) == 0 {
					delete(e.bindings, pattern)
				}
				return true
			}
		}
	}
	return true
}

// Publish routes data to every bound pattern matching topic. It returns the
// number of matched patterns.
func (e *TopicExchange) Publish(ctx context.Context, topic string, data any, opts PublishOptions) (int, error) {
	if topic == "" {
		return 0, errspkg.ErrTopicRequired
	}

	e.mu.Lock()
	patterns := make([]string, 0, len(e.bindings))
	for pattern := range e.bindings {
		if MatchTopic(pattern, topic) {
			patterns = append(patterns, pattern)
		}
	}
	e.mu.Unlock()

	for _, pattern := range patterns {
		if err := e.broker.Publish(ctx, pattern, data, opts); err != nil {
			return 0, err
		}
	}
	return len(patterns), nil
}

// MatchTopic reports whether a dot-separated topic matches a wildcard
// pattern. "*" consumes exactly one segment; "#" consumes the rest of the
// topic and is only meaningful as the final segment.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")

	for i, p := range ps {
		if p == "#" {
			return i == len(ps)-1
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
