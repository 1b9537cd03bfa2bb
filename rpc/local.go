package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Server implements the methods of a capability.
//
// HandleCall is called for one call at a time, in the order calls were made.
// Call Go on the Call to let the next one start while the current handler keeps running.
type Server interface {
	HandleCall(ctx context.Context, call *Call) error
}

// ServerFunc adapts a function to the Server interface.
type ServerFunc func(ctx context.Context, call *Call) error

func (f ServerFunc) HandleCall(ctx context.Context, call *Call) error {
	return f(ctx, call)
}

// Shutdowner is implemented by servers that want to know when their last client is gone.
// Shutdown is called after every accepted call has been handled.
type Shutdowner interface {
	Shutdown()
}

// Methods is a Server that dispatches on the method, and reports unimplemented for anything it does not have.
type Methods map[Method]ServerFunc

func (ms Methods) HandleCall(ctx context.Context, call *Call) error {
	f, ok := ms[call.Method]
	if !ok {
		return Unimplementedf("method %v not implemented", call.Method)
	}

	return f(ctx, call)
}

// Call is a call as seen by a Server.
type Call struct {
	Method Method

	args    *Payload
	results *Payload
	ret     returner

	finished bool
	unblock  func()
}

type returner interface {
	allocResults() (*Payload, error)
	// returnCall takes ownership of results.
	returnCall(results *Payload, err error)
}

func newCall(m Method, args *Payload, ret returner) *Call {
	return &Call{Method: m, args: args, ret: ret}
}

// Args are the call parameters, valid until the handler returns.
func (c *Call) Args() *Payload {
	return c.args
}

// AllocResults returns the payload to write the results into. It is allocated on first use.
func (c *Call) AllocResults() (*Payload, error) {
	if c.results != nil {
		return c.results, nil
	}

	p, err := c.ret.allocResults()
	if err != nil {
		return nil, fmt.Errorf("could not allocate results: %w", err)
	}
	c.results = p

	return p, nil
}

// Go lets the server start on its next call before this handler returns.
func (c *Call) Go() {
	if c.unblock != nil {
		c.unblock()
	}
}

// finish releases the parameters and hands the results to the returner.
func (c *Call) finish(err error) {
	if c.finished {
		return
	}
	c.finished = true

	c.args.Release()
	c.args = nil

	res := c.results
	c.results = nil

	if err != nil {
		res.Release()
		res = nil
	}

	c.ret.returnCall(res, err)
}

// answerReturner resolves an in-process Answer.
type answerReturner struct {
	ans    *Answer
	cancel context.CancelFunc
}

func (r answerReturner) allocResults() (*Payload, error) {
	return NewPayload()
}

func (r answerReturner) returnCall(res *Payload, err error) {
	if err == nil && res == nil {
		res, err = NewPayload()
	}

	r.ans.resolve(res, err)

	if r.cancel != nil {
		r.cancel()
	}
}

// localServer runs the calls of one Server in order on its own goroutine.
type localServer struct {
	srv   Server
	calls *queue[localCall]

	wg   sync.WaitGroup
	done chan struct{}
}

type localCall struct {
	ctx  context.Context
	call *Call
}

func newLocalServer(srv Server) *localServer {
	s := &localServer{
		srv:   srv,
		calls: newQueue[localCall](),
		done:  make(chan struct{}),
	}

	go s.run()

	return s
}

func (s *localServer) run() {
	defer close(s.done)

	for {
		lc, ok := s.calls.pop()
		if !ok {
			break
		}

		s.handle(lc)
	}

	s.wg.Wait()

	if sd, ok := s.srv.(Shutdowner); ok {
		sd.Shutdown()
	}
}

func (s *localServer) handle(lc localCall) {
	if err := lc.ctx.Err(); err != nil {
		lc.call.finish(fmt.Errorf("%w: %w", ErrCanceled, err))
		return
	}

	next := make(chan struct{})
	lc.call.unblock = sync.OnceFunc(func() { close(next) })

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer lc.call.unblock()

		lc.call.finish(s.invoke(lc))
	}()

	<-next
}

func (s *localServer) invoke(lc localCall) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = Errorf("server panicked: %v", v)
		}
	}()

	return s.srv.HandleCall(lc.ctx, lc.call)
}

type localHook struct {
	srv  *localServer
	refs atomic.Int32
}

// NewLocalClient starts srv and returns the first handle to it.
// The server is shut down once every handle, including those held by connections, is released.
func NewLocalClient(srv Server) *Client {
	h := &localHook{srv: newLocalServer(srv)}
	h.refs.Store(1)

	return newClient(h)
}

func (h *localHook) send(ctx context.Context, m Method, params ParamsFunc) *Answer {
	args, err := NewPayload()
	if err != nil {
		return failedAnswer(m, err)
	}

	if params != nil {
		if err := params(args); err != nil {
			args.Release()
			return failedAnswer(m, err)
		}
	}

	ans := newAnswer(m)
	cctx, cancel := context.WithCancel(ctx)
	ans.cancel = cancel

	h.recv(cctx, newCall(m, args, answerReturner{ans: ans, cancel: cancel}))

	return ans
}

func (h *localHook) recv(ctx context.Context, call *Call) {
	if !h.srv.calls.push(localCall{ctx: ctx, call: call}) {
		call.finish(ErrReleased)
	}
}

func (h *localHook) addRef() {
	h.refs.Add(1)
}

func (h *localHook) release() {
	if h.refs.Add(-1) == 0 {
		h.srv.calls.close()
	}
}

func (h *localHook) kind() Kind {
	return KindLocal
}

func (h *localHook) String() string {
	return fmt.Sprintf("local(%T)", h.srv.srv)
}
