package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func echoFactory(_ context.Context, call *Call) error {
	e := NewLocalClient(echoServer())
	defer e.Release()

	res, err := call.AllocResults()
	if err != nil {
		return err
	}

	return res.SetCap(e)
}

func TestLocalCallOrdering(t *testing.T) {
	ctx := testCtx(t)
	r := newRecorder()
	c := NewLocalClient(r)

	const n = 100

	answers := make([]*Answer, n)
	for i := range answers {
		answers[i] = c.Call(ctx, echoMethod, textParams(fmt.Sprint(i)))
	}

	expected := make([]string, n)
	for i, ans := range answers {
		res, err := ans.Wait(ctx)
		require.NoError(t, err)

		s, err := res.Text()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), s)

		expected[i] = fmt.Sprint(i)
		ans.Release()
	}

	assert.Equal(t, expected, r.Seen(), "calls were not handled in the order they were made")

	c.Release()
	assert.Eventually(t, func() bool {
		return isClosed(r.shutdown)
	}, assertEventuallyTimeout, assertEventuallyTick)
}

func TestLocalShutdownWaitsForCalls(t *testing.T) {
	ctx := testCtx(t)
	b := newBlocker(1)
	c := NewLocalClient(b)

	ans := c.Call(ctx, blockMethod, nil)
	defer ans.Release()
	<-b.started

	c.Release()

	assert.Never(t, func() bool {
		return isClosed(b.shutdown)
	}, 20*time.Millisecond, assertEventuallyTick, "server shut down while a call was running")

	close(b.release)

	_, err := ans.Wait(ctx)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return isClosed(b.shutdown)
	}, assertEventuallyTimeout, assertEventuallyTick)
}

func TestLocalReleaseCancels(t *testing.T) {
	ctx := testCtx(t)
	b := newBlocker(1)
	c := NewLocalClient(b)
	defer c.Release()

	ans := c.Call(ctx, blockMethod, nil)
	<-b.started

	ans.Release()

	select {
	case <-b.canceled:
	case <-ctx.Done():
		t.Fatal("call was not canceled")
	}
}

func TestReleasedClient(t *testing.T) {
	ctx := testCtx(t)
	c := NewLocalClient(echoServer())
	c.Release()
	c.Release()

	assert.False(t, c.IsValid())

	_, err := callText(ctx, c, echoMethod, "x")
	assert.ErrorIs(t, err, ErrReleased)

	dup := c.AddRef()
	assert.Equal(t, KindBroken, dup.Kind())
}

func TestNullClient(t *testing.T) {
	var c *Client

	assert.Equal(t, KindNull, c.Kind())
	assert.False(t, c.IsValid())
	assert.Nil(t, c.AddRef())

	_, err := callText(testCtx(t), c, echoMethod, "x")
	assert.ErrorIs(t, err, ErrNullCapability)
}

func TestServerPanicBecomesException(t *testing.T) {
	c := NewLocalClient(ServerFunc(func(context.Context, *Call) error {
		panic("boom")
	}))
	defer c.Release()

	_, err := callText(testCtx(t), c, echoMethod, "x")

	var ex *Exception
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, Failed, ex.Type)
	assert.Contains(t, ex.Reason, "boom")
}

func TestMethodsUnimplemented(t *testing.T) {
	c := NewLocalClient(Methods{echoMethod: echo})
	defer c.Release()

	s, err := callText(testCtx(t), c, echoMethod, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", s)

	_, err = callText(testCtx(t), c, Method{InterfaceID: 1, MethodID: 9}, "hi")
	assert.True(t, IsUnimplemented(err))
}

func TestLocalPipeline(t *testing.T) {
	ctx := testCtx(t)
	gate := make(chan struct{})

	factory := NewLocalClient(ServerFunc(func(ctx context.Context, call *Call) error {
		<-gate
		return echoFactory(ctx, call)
	}))
	defer factory.Release()

	ans := factory.Call(ctx, newEchoMethod, nil)
	p := ans.PipelineClient()
	assert.Equal(t, KindPromise, p.Kind())

	first := p.Call(ctx, echoMethod, textParams("one"))
	second := p.Call(ctx, echoMethod, textParams("two"))

	close(gate)

	for want, a := range map[string]*Answer{"one": first, "two": second} {
		res, err := a.Wait(ctx)
		require.NoError(t, err)
		s, err := res.Text()
		require.NoError(t, err)
		assert.Equal(t, want, s)
		a.Release()
	}

	assert.Equal(t, KindLocal, p.Kind())

	ans.Release()
	s, err := callText(ctx, p, echoMethod, "after")
	require.NoError(t, err)
	assert.Equal(t, "after", s)

	p.Release()
}

func TestPipelineOnFailedAnswer(t *testing.T) {
	ctx := testCtx(t)
	c := NewLocalClient(ServerFunc(func(context.Context, *Call) error {
		return Errorf("nope")
	}))
	defer c.Release()

	ans := c.Call(ctx, newEchoMethod, nil)
	defer ans.Release()

	p := ans.PipelineClient()
	defer p.Release()

	_, err := callText(ctx, p, echoMethod, "x")
	assert.EqualError(t, err, "nope")
}
