package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edup2p/caprpc/types/transport"
)

// Test constants
const assertEventuallyTick time.Duration = 1 * time.Millisecond
const assertEventuallyTimeout time.Duration = 2000 * assertEventuallyTick

var (
	echoMethod     = Method{InterfaceID: 0xa1e0, MethodID: 0}
	newEchoMethod  = Method{InterfaceID: 0xa1e3, MethodID: 0}
	callbackMethod = Method{InterfaceID: 0xa1e4, MethodID: 0}
	blockMethod    = Method{InterfaceID: 0xa1e5, MethodID: 0}
)

func echo(_ context.Context, call *Call) error {
	s, err := call.Args().Text()
	if err != nil {
		return err
	}

	res, err := call.AllocResults()
	if err != nil {
		return err
	}

	return res.SetText(s)
}

func echoServer() Server {
	return Methods{echoMethod: echo}
}

// mirrorServer returns the capability it was given.
func mirrorServer() Server {
	return Methods{callbackMethod: func(_ context.Context, call *Call) error {
		cb, err := call.Args().ContentCap()
		if err != nil {
			return err
		}
		defer cb.Release()

		res, err := call.AllocResults()
		if err != nil {
			return err
		}
		return res.SetCap(cb)
	}}
}

// recorder keeps the arguments of its calls, in the order they were handled.
type recorder struct {
	mu   sync.Mutex
	seen []string

	shutdown chan struct{}
}

func newRecorder() *recorder {
	return &recorder{shutdown: make(chan struct{})}
}

func (r *recorder) HandleCall(ctx context.Context, call *Call) error {
	s, err := call.Args().Text()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()

	return echo(ctx, call)
}

func (r *recorder) Shutdown() {
	close(r.shutdown)
}

func (r *recorder) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

// blocker holds every call until release is closed, or the call is canceled.
type blocker struct {
	started  chan struct{}
	release  chan struct{}
	canceled chan struct{}

	shutdown chan struct{}
}

func newBlocker(calls int) *blocker {
	return &blocker{
		started:  make(chan struct{}, calls),
		release:  make(chan struct{}),
		canceled: make(chan struct{}, calls),
		shutdown: make(chan struct{}),
	}
}

func (b *blocker) HandleCall(ctx context.Context, call *Call) error {
	call.Go()
	b.started <- struct{}{}

	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		b.canceled <- struct{}{}
		return ctx.Err()
	}
}

func (b *blocker) Shutdown() {
	close(b.shutdown)
}

func textParams(s string) ParamsFunc {
	return func(p *Payload) error {
		return p.SetText(s)
	}
}

func callText(ctx context.Context, c *Client, m Method, s string) (string, error) {
	ans := c.Call(ctx, m, textParams(s))
	defer ans.Release()

	res, err := ans.Wait(ctx)
	if err != nil {
		return "", err
	}

	return res.Text()
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newPair connects a client and a server conn over an in-memory pipe.
func newPair(t *testing.T, serverOpts *Options) (client, server *Conn) {
	a, b := transport.Pipe()

	server = NewConn(b, serverOpts)
	client = NewConn(a, &Options{ID: "client"})

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return client, server
}

func stats(t *testing.T, c *Conn) Stats {
	s, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return s
}
