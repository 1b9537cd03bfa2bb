package demo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edup2p/caprpc/rpc"
)

func TestEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := rpc.NewLocalClient(NewEcho())
	defer c.Release()

	s, err := Echo(ctx, c, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	_, err = Count(ctx, c, CounterNext)
	assert.True(t, rpc.IsUnimplemented(err))
}

func TestCounter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := rpc.NewLocalClient(NewCounter())
	defer c.Release()

	for want := uint64(1); want <= 3; want++ {
		n, err := Count(ctx, c, CounterNext)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := Count(ctx, c, CounterGet)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	n, err = Count(ctx, c, CounterReset)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	_, err = Count(ctx, c, rpc.Method{InterfaceID: CounterInterface, MethodID: 9})
	assert.True(t, rpc.IsUnimplemented(err))
}
