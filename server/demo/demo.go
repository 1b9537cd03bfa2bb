// Package demo has small servers for trying out connections: an echo and a counter.
package demo

import (
	"context"
	"fmt"
	"sync"

	"capnproto.org/go/capnp/v3"

	"github.com/edup2p/caprpc/ez"
	"github.com/edup2p/caprpc/rpc"
)

const (
	EchoInterface    uint64 = 0xc4a1e7d0e5c0a001
	CounterInterface uint64 = 0xc4a1e7d0e5c0a002
)

var (
	EchoMethod = rpc.Method{InterfaceID: EchoInterface, MethodID: 0}

	CounterNext  = rpc.Method{InterfaceID: CounterInterface, MethodID: 0}
	CounterGet   = rpc.Method{InterfaceID: CounterInterface, MethodID: 1}
	CounterReset = rpc.Method{InterfaceID: CounterInterface, MethodID: 2}
)

// Names the demo objects are registered under.
const (
	EchoName    = "echo"
	CounterName = "counter"
)

var counterSize = capnp.ObjectSize{DataSize: 8}

// Register adds a fresh echo and counter to s.
func Register(s *ez.Server) {
	s.Register(EchoName, NewEcho())
	s.Register(CounterName, NewCounter())
}

func NewEcho() rpc.Server {
	return rpc.Methods{EchoMethod: echo}
}

// echo returns its params text unchanged.
func echo(_ context.Context, call *rpc.Call) error {
	s, err := call.Args().Text()
	if err != nil {
		return fmt.Errorf("could not read params: %w", err)
	}

	res, err := call.AllocResults()
	if err != nil {
		return err
	}

	return res.SetText(s)
}

// Counter counts the calls to next. Its value is shared by every client of the same instance.
type Counter struct {
	mu sync.Mutex
	n  uint64
}

func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) HandleCall(_ context.Context, call *rpc.Call) error {
	c.mu.Lock()
	switch call.Method {
	case CounterNext:
		c.n++
	case CounterGet:
	case CounterReset:
		c.n = 0
	default:
		c.mu.Unlock()
		return rpc.Unimplementedf("counter has no method %v", call.Method)
	}
	n := c.n
	c.mu.Unlock()

	res, err := call.AllocResults()
	if err != nil {
		return err
	}

	st, err := res.NewStruct(counterSize)
	if err != nil {
		return err
	}
	st.SetUint64(0, n)

	return nil
}

// Echo calls EchoMethod on c.
func Echo(ctx context.Context, c *rpc.Client, s string) (string, error) {
	ans := c.Call(ctx, EchoMethod, func(p *rpc.Payload) error {
		return p.SetText(s)
	})
	defer ans.Release()

	res, err := ans.Wait(ctx)
	if err != nil {
		return "", err
	}

	return res.Text()
}

// Count calls one of the counter methods on c, and returns the value it reports.
func Count(ctx context.Context, c *rpc.Client, m rpc.Method) (uint64, error) {
	ans := c.Call(ctx, m, nil)
	defer ans.Release()

	res, err := ans.Wait(ctx)
	if err != nil {
		return 0, err
	}

	return res.Struct().Uint64(0), nil
}
