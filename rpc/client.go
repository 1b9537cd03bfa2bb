package rpc

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Kind tells where calls on a client are executed.
type Kind uint8

const (
	// KindNull is the kind of a nil client.
	KindNull Kind = iota
	// KindLocal clients dispatch to a server in this process.
	KindLocal
	// KindRemote clients dispatch over a connection.
	KindRemote
	// KindPromise clients queue calls until the capability they stand for is known.
	KindPromise
	// KindBroken clients fail every call.
	KindBroken
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindPromise:
		return "promise"
	case KindBroken:
		return "broken"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Method identifies a method of an interface.
type Method struct {
	InterfaceID uint64
	MethodID    uint16
}

func (m Method) String() string {
	return fmt.Sprintf("@%#016x.%d", m.InterfaceID, m.MethodID)
}

// ParamsFunc fills in the parameters of a call. It may run on another goroutine than the caller,
// after Call returns.
type ParamsFunc func(*Payload) error

// clientHook is the shared state behind all handles to one capability.
type clientHook interface {
	// send starts a call that originates in this process.
	send(ctx context.Context, m Method, params ParamsFunc) *Answer

	// recv delivers a call whose parameters were already built elsewhere, usually received from a peer.
	recv(ctx context.Context, call *Call)

	addRef()
	release()

	kind() Kind
	String() string
}

// Client is a handle to a capability.
//
// Every handle is released independently, the capability itself goes away once all handles to it are.
// A nil *Client is the null capability.
type Client struct {
	hook     clientHook
	released atomic.Bool

	// onRelease runs once when this particular handle is released
	onRelease func()
}

func newClient(h clientHook) *Client {
	return &Client{hook: h}
}

// Call invokes m on the capability. The returned Answer must be released.
func (c *Client) Call(ctx context.Context, m Method, params ParamsFunc) *Answer {
	switch {
	case c == nil:
		return failedAnswer(m, ErrNullCapability)
	case c.released.Load():
		return failedAnswer(m, ErrReleased)
	}

	return c.hook.send(ctx, m, params)
}

// AddRef returns a new handle to the same capability.
func (c *Client) AddRef() *Client {
	if c == nil {
		return nil
	}

	if c.released.Load() {
		return ErrorClient(ErrReleased)
	}

	c.hook.addRef()
	return newClient(c.hook)
}

// Release drops this handle. Calling it more than once does nothing.
func (c *Client) Release() {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}

	if c.onRelease != nil {
		c.onRelease()
	}

	c.hook.release()
}

func (c *Client) Kind() Kind {
	if c == nil {
		return KindNull
	}

	return c.hook.kind()
}

// IsValid is false for the null capability and released handles.
func (c *Client) IsValid() bool {
	return c != nil && !c.released.Load()
}

// IsSame reports whether c and other are handles to the same capability.
func (c *Client) IsSame(other *Client) bool {
	if c == nil || other == nil {
		return c == other
	}

	return c.hook == other.hook
}

func (c *Client) String() string {
	if c == nil {
		return "<null>"
	}

	s := c.hook.String()
	if c.released.Load() {
		s += " (released)"
	}
	return s
}

// ErrorClient returns a client whose calls all fail with err.
func ErrorClient(err error) *Client {
	return newClient(&errorHook{err})
}

type errorHook struct {
	err error
}

func (h *errorHook) send(_ context.Context, m Method, _ ParamsFunc) *Answer {
	return failedAnswer(m, h.err)
}

func (h *errorHook) recv(_ context.Context, call *Call) {
	call.finish(h.err)
}

func (*errorHook) addRef()  {}
func (*errorHook) release() {}

func (*errorHook) kind() Kind {
	return KindBroken
}

func (h *errorHook) String() string {
	return "broken(" + h.err.Error() + ")"
}
