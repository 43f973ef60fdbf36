package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	transportpkg "github.com/wirebus/wirebus/transport"
)

func nopHandler(ctx context.Context, msg *transportpkg.Message, mctx transportpkg.MessageContext) ([]byte, error) {
	return nil, nil
}

func TestMicroserviceHandleValidation(t *testing.T) {
	service, err := NewMicroservice(context.Background(), MicroserviceOptions{Config: memoryConfig()})
	require.NoError(t, err)

	assert.ErrorIs(t, service.Handle(transportpkg.Cmd("x"), nil), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, service.Handle(transportpkg.Pattern{}, nopHandler), errspkg.ErrPatternRequired)
	assert.NoError(t, service.Handle(transportpkg.Cmd("x"), nopHandler))
	assert.Len(t, service.Handlers(), 1)
}

func TestMicroserviceStartTwice(t *testing.T) {
	ctx := context.Background()
	service, err := NewMicroservice(ctx, MicroserviceOptions{Config: memoryConfig()})
	require.NoError(t, err)

	require.NoError(t, service.Start(ctx))
	defer func() { _ = service.Stop(ctx) }()

	assert.ErrorIs(t, service.Start(ctx), errspkg.ErrAlreadyStarted)
}

func TestMicroserviceRejectsHandleAfterStart(t *testing.T) {
	ctx := context.Background()
	service, err := NewMicroservice(ctx, MicroserviceOptions{Config: memoryConfig()})
	require.NoError(t, err)

	require.NoError(t, service.Start(ctx))
	defer func() { _ = service.Stop(ctx) }()

	assert.ErrorIs(t, service.Handle(transportpkg.Cmd("late"), nopHandler), errspkg.ErrAlreadyStarted)
}

func TestMicroserviceStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	service, err := NewMicroservice(ctx, MicroserviceOptions{Config: memoryConfig()})
	require.NoError(t, err)

	require.NoError(t, service.Start(ctx))
	require.NoError(t, service.Stop(ctx))
	require.NoError(t, service.Stop(ctx))
}

func TestMicroserviceInstanceIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	a, err := NewMicroservice(ctx, MicroserviceOptions{Config: memoryConfig()})
	require.NoError(t, err)
	b, err := NewMicroservice(ctx, MicroserviceOptions{Config: memoryConfig()})
	require.NoError(t, err)

	assert.NotEmpty(t, a.InstanceID())
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())
}
