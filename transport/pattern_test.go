package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatternKeyCmd(t *testing.T) {
	assert.Equal(t, "cmd:sum", Cmd("sum").Key())
	assert.Equal(t, "cmd:sum", Pattern{"cmd": "sum", "extra": 1}.Key())
	assert.Equal(t, "cmd:sum", Pattern{"cmd": "sum", "role": "admin", "v": 2}.Key())
}

func TestPatternKeyEvent(t *testing.T) {
	assert.Equal(t, "event:user.created", Event("user.created").Key())
	assert.Equal(t, "event:user.created", Pattern{"event": "user.created", "source": "api"}.Key())
}

func TestPatternKeyNamespacesDoNotCollide(t *testing.T) {
	assert.NotEqual(t, Cmd("x").Key(), Event("x").Key())
}

func TestPatternKeyCmdWinsOverEvent(t *testing.T) {
	p := Pattern{"cmd": "a", "event": "b"}
	assert.Equal(t, "cmd:a", p.Key())
}

func TestPatternKeyNonStringDiscriminator(t *testing.T) {
	assert.Equal(t, "cmd:42", Pattern{"cmd": 42}.Key())
}

func TestPatternKeyFallbackDeterministic(t *testing.T) {
	a := Pattern{"service": "billing", "op": "charge"}
	b := Pattern{"op": "charge", "service": "billing"}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEmpty(t, a.Key())
}

func TestPatternKeyIdempotent(t *testing.T) {
	p := Cmd("sum")
	assert.Equal(t, p.Key(), p.Key())
}

func TestIsEvent(t *testing.T) {
	assert.True(t, Event("x").IsEvent())
	assert.False(t, Cmd("x").IsEvent())
	assert.False(t, Pattern{"cmd": "a", "event": "b"}.IsEvent())
	assert.False(t, Pattern{"other": 1}.IsEvent())
}
