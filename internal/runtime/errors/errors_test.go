package errors

import (
	sterrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionError(t *testing.T) {
	cause := sterrors.New("dial tcp: refused")
	err := NewConnectionError("redis", cause)

	assert.Contains(t, err.Error(), "redis")
	assert.Contains(t, err.Error(), "refused")
	assert.ErrorIs(t, err, cause)

	var ce *ConnectionError
	require.True(t, sterrors.As(err, &ce))
	assert.Equal(t, "redis", ce.Driver)
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Pattern: "cmd:sum", Elapsed: 5 * time.Second}

	assert.Contains(t, err.Error(), "cmd:sum")
	assert.True(t, IsTimeout(err))
	assert.False(t, IsTimeout(ErrNotConnected))
	assert.False(t, IsTimeout(nil))
}

func TestHandlerErrorUnwrap(t *testing.T) {
	cause := sterrors.New("boom")
	err := &HandlerError{Topic: "orders.created", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "orders.created")
}
