package ez_test

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edup2p/caprpc/ez"
	"github.com/edup2p/caprpc/rpc"
	"github.com/edup2p/caprpc/server/demo"
)

// Test constants
const assertEventuallyTick time.Duration = 1 * time.Millisecond
const assertEventuallyTimeout time.Duration = 2000 * assertEventuallyTick

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newServer(t *testing.T, opts *ez.ServerOptions) *ez.Server {
	s, err := ez.NewServer(opts)
	require.NoError(t, err)
	demo.Register(s)
	t.Cleanup(s.Close)
	return s
}

// serveTCP runs s on a loopback listener and returns its address.
func serveTCP(t *testing.T, s *ez.Server) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, l)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return l.Addr().String()
}

func dial(t *testing.T, addr string) *ez.Client {
	c, err := ez.Dial(testCtx(t), addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialTCP(t *testing.T) {
	ctx := testCtx(t)
	s := newServer(t, nil)
	addr := serveTCP(t, s)

	c := dial(t, "capnp://"+addr+"/"+demo.EchoName)
	assert.Equal(t, demo.EchoName, c.Ref().Name)

	echo, err := c.Restore(ctx)
	require.NoError(t, err)
	defer echo.Release()

	got, err := demo.Echo(ctx, echo, "over tcp")
	require.NoError(t, err)
	assert.Equal(t, "over tcp", got)

	counter, err := c.ImportCap(ctx, demo.CounterName)
	require.NoError(t, err)
	defer counter.Release()

	n, err := demo.Count(ctx, counter, demo.CounterNext)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	assert.Eventually(t, func() bool {
		return s.NumConns() == 1
	}, assertEventuallyTimeout, assertEventuallyTick)

	assert.ElementsMatch(t, []string{demo.CounterName, demo.EchoName}, s.Names())
}

func TestBareHostPort(t *testing.T) {
	ctx := testCtx(t)
	addr := serveTCP(t, newServer(t, nil))

	c := dial(t, addr)

	_, err := c.ImportCap(ctx, "nothing-here")
	assert.True(t, rpc.IsUnknownObject(err), "got %v", err)

	echo, err := c.ImportCap(ctx, demo.EchoName)
	require.NoError(t, err)
	defer echo.Release()

	got, err := demo.Echo(ctx, echo, "still fine")
	require.NoError(t, err)
	assert.Equal(t, "still fine", got)
}

func TestHTTPUpgrade(t *testing.T) {
	ctx := testCtx(t)
	s := newServer(t, nil)

	hs := httptest.NewServer(s.HTTPHandler())
	defer hs.Close()

	c := dial(t, hs.URL+"/"+demo.EchoName)

	echo, err := c.Restore(ctx)
	require.NoError(t, err)
	defer echo.Release()

	got, err := demo.Echo(ctx, echo, "upgraded")
	require.NoError(t, err)
	assert.Equal(t, "upgraded", got)
}

func TestWebsocket(t *testing.T) {
	ctx := testCtx(t)
	s := newServer(t, nil)

	hs := httptest.NewServer(s.WebsocketHandler())
	defer hs.Close()

	c := dial(t, "ws"+strings.TrimPrefix(hs.URL, "http")+"/"+demo.CounterName)

	counter, err := c.Restore(ctx)
	require.NoError(t, err)
	defer counter.Release()

	for want := uint64(1); want <= 3; want++ {
		n, err := demo.Count(ctx, counter, demo.CounterNext)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestNewClientCallback(t *testing.T) {
	ctx := testCtx(t)
	s := newServer(t, nil)
	addr := serveTCP(t, s)

	c := dial(t, addr)

	local, id, err := c.NewClient(demo.NewEcho())
	require.NoError(t, err)

	st, err := c.Conn().Stats(ctx)
	require.NoError(t, err)
	assert.Contains(t, st.Exports, id)

	local.Release()

	assert.Eventually(t, func() bool {
		st, err := c.Conn().Stats(ctx)
		return err == nil && len(st.Exports) == 0
	}, assertEventuallyTimeout, assertEventuallyTick)
}

func TestAllowList(t *testing.T) {
	ctx := testCtx(t)
	s := newServer(t, &ez.ServerOptions{
		AllowPrefixes: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	})
	addr := serveTCP(t, s)

	c := dial(t, addr)

	_, err := c.ImportCap(ctx, demo.EchoName)
	assert.True(t, rpc.IsDisconnected(err), "got %v", err)
	assert.Equal(t, 0, s.NumConns())
}

func TestAcceptor(t *testing.T) {
	ctx := testCtx(t)
	s := newServer(t, nil)

	a, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	accepted := make(chan *rpc.Conn, 1)
	go func() {
		c, err := a.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	c := dial(t, fmt.Sprintf("capnp://%s/%s", a.Addr(), demo.EchoName))

	var sc *rpc.Conn
	select {
	case sc = <-accepted:
	case <-ctx.Done():
		t.Fatal("nothing accepted")
	}

	echo, err := c.Restore(ctx)
	require.NoError(t, err)
	echo.Release()

	require.NoError(t, c.Close())

	select {
	case <-sc.Done():
	case <-ctx.Done():
		t.Fatal("server side did not notice the close")
	}
	assert.True(t, rpc.IsDisconnected(sc.Err()))
}

func TestServeStopsOnCancel(t *testing.T) {
	s := newServer(t, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, l)
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}
