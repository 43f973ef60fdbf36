package transport

import (
	"fmt"

	"github.com/wirebus/wirebus/internal/runtime/jsoncodec"
)

// Pattern is a routing key for handler dispatch. Exactly one of the "cmd" or
// "event" keys is the primary discriminator; any extra keys are carried along
// but never affect routing.
type Pattern map[string]any

// Cmd builds a command pattern for request/reply calls.
func Cmd(name string) Pattern {
	return Pattern{"cmd": name}
}

// Event builds an event pattern for fire-and-forget messages.
func Event(name string) Pattern {
	return Pattern{"event": name}
}

// Key derives the routing key for the pattern. The derivation is a pure
// function of the discriminator: patterns with equal "cmd" (or equal "event")
// values map to the same key regardless of extra keys. The "cmd:" and
// "event:" prefixes keep the two namespaces collision-free. A pattern with
// neither discriminator falls back to its full canonical serialization.
func (p Pattern) Key() string {
	if v, ok := p["cmd"]; ok {
		return "cmd:" + stringify(v)
	}
	if v, ok := p["event"]; ok {
		return "event:" + stringify(v)
	}
	// ConfigStd sorts map keys, so the serialization is deterministic.
	data, err := jsoncodec.Marshal(map[string]any(p))
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(p))
	}
	return string(data)
}

// IsEvent reports whether the pattern routes through the event namespace.
func (p Pattern) IsEvent() bool {
	_, cmd := p["cmd"]
	_, event := p["event"]
	return event && !cmd
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
