package transport

import (
	"context"
	"strings"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/internal/runtime/ids"
)

// Shared plumbing for bus-backed drivers (Redis, NATS, MQTT, Kafka, and the
// watermill-backed ones). Request/reply over a shared bus hinges on one rule:
// every transport instance owns a reply channel no other instance subscribes
// to, so replies route back to the process that issued the request.

// NewInstanceID mints the per-transport-instance id used to build the reply
// channel name.
func NewInstanceID() string {
	return strings.ToLower(ids.CreateULID())
}

// ReplyChannel names the dedicated reply channel for a transport instance.
func ReplyChannel(prefix, instanceID string) string {
	return prefix + ".reply." + instanceID
}

// TopicForKey maps a derived pattern key onto a bus topic. The ":" in the
// key namespace separator is not a legal topic character on every bus
// (Kafka in particular), so it is folded into the dotted form.
func TopicForKey(prefix, key string) string {
	return prefix + "." + strings.ReplaceAll(key, ":", ".")
}

// HandleEnvelope dispatches a decoded envelope against the local handler
// registry. It returns the reply frame to publish on env.ReplyTo, or nil if
// the delivery needs no reply: fire-and-forget envelopes have no ReplyTo,
// and a failed handler produces no reply either. Bus drivers do not forward
// handler errors to the caller, whose call simply times out.
func HandleEnvelope(ctx context.Context, reg *HandlerRegistry, env *Envelope) (*Reply, error) {
	handler, ok := reg.Get(env.Pattern.Key())
	if !ok {
		return nil, errspkg.ErrNoHandler
	}

	out, err := handler(ctx, &env.Message, env.DeliveryContext())
	if err != nil {
		return nil, &errspkg.HandlerError{Topic: env.Pattern.Key(), Err: err}
	}
	if env.ReplyTo == "" {
		return nil, nil
	}
	return &Reply{ID: env.ID, Data: out}, nil
}

// ResolveReply settles the pending entry for a decoded reply frame. A frame
// whose correlation id is unknown (late reply after timeout, or a reply for
// another instance) is dropped silently.
func ResolveReply(pending *PendingRequests, frame []byte) {
	rep, err := DecodeReply(frame)
	if err != nil {
		return
	}
	pending.Resolve(rep.ID, rep.Data)
}
