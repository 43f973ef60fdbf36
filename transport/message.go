package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wirebus/wirebus/internal/runtime/ids"
	"github.com/wirebus/wirebus/internal/runtime/jsoncodec"
	"github.com/wirebus/wirebus/internal/runtime/metadata"
)

// Message is the immutable payload created at send/emit time. The ID doubles
// as the correlation id for request/reply calls; it is unique within the
// process, which is all reply routing requires.
type Message struct {
	Pattern   Pattern         `json:"pattern"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage marshals data and stamps a fresh id and timestamp.
func NewMessage(pattern Pattern, data any) (*Message, error) {
	payload, err := jsoncodec.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Pattern:   pattern,
		Data:      payload,
		ID:        ids.CreateULID(),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// MessageContext is the delivery metadata passed to a handler alongside the
// message. ReplyTo is only set for request/reply deliveries.
type MessageContext struct {
	Pattern   Pattern
	ID        string
	Timestamp time.Time
	ReplyTo   string
	Headers   metadata.Metadata
}

// Handler processes a delivered message. The returned bytes become the reply
// payload for request/reply deliveries and are ignored for events.
type Handler func(ctx context.Context, msg *Message, mctx MessageContext) ([]byte, error)

// Envelope is the wire frame bus drivers publish: the message plus reply
// routing. ReplyTo names the sender's dedicated reply channel so the reply
// finds its way back to the originating process instance.
type Envelope struct {
	Message
	ReplyTo string            `json:"replyTo,omitempty"`
	Headers metadata.Metadata `json:"headers,omitempty"`
}

// Reply is the wire frame carried on a reply channel. ID echoes the
// correlation id of the originating message.
type Reply struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope frames an envelope for the wire.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return jsoncodec.Marshal(env)
}

// DecodeEnvelope parses a wire frame produced by EncodeEnvelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// EncodeReply frames a reply for the wire.
func EncodeReply(rep *Reply) ([]byte, error) {
	return jsoncodec.Marshal(rep)
}

// DecodeReply parses a wire frame produced by EncodeReply.
func DecodeReply(data []byte) (*Reply, error) {
	var rep Reply
	if err := jsoncodec.Unmarshal(data, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// DeliveryContext builds the MessageContext for a decoded envelope.
func (e *Envelope) DeliveryContext() MessageContext {
	return MessageContext{
		Pattern:   e.Pattern,
		ID:        e.ID,
		Timestamp: time.UnixMilli(e.Timestamp),
		ReplyTo:   e.ReplyTo,
		Headers:   e.Headers,
	}
}
