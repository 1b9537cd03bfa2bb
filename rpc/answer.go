package rpc

import (
	"context"
	"sync"

	"capnproto.org/go/capnp/v3"
)

// answerPipe is a client standing for a capability inside the results of a pending Answer.
type answerPipe interface {
	// resolveFrom is called once with the answer's outcome, while the results are still alive.
	resolveFrom(results *Payload, err error)
}

// Answer is the pending outcome of a call.
//
// Results stay valid until Release, which must be called exactly once.
// Releasing an Answer that is still pending cancels the call.
type Answer struct {
	method Method
	done   chan struct{}

	mu      sync.Mutex
	results *Payload
	err     error
	dropped bool
	pipes   []answerPipe

	// conn is set for answers to questions sent on a connection
	conn *Conn
	// q is owned by the loop of conn
	q *question
	// redirected is set once the call was handed to an in-process capability instead of conn
	redirected bool

	// cancel aborts the server side of an in-process call
	cancel context.CancelFunc
}

func newAnswer(m Method) *Answer {
	return &Answer{
		method: m,
		done:   make(chan struct{}),
	}
}

func failedAnswer(m Method, err error) *Answer {
	a := newAnswer(m)
	a.resolve(nil, err)
	return a
}

func (a *Answer) Method() Method {
	return a.method
}

// Done is closed once the answer has results or an error.
func (a *Answer) Done() <-chan struct{} {
	return a.done
}

func (a *Answer) isDone() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the answer is done or ctx expires.
//
// The returned payload is owned by the Answer.
func (a *Answer) Wait(ctx context.Context) (*Payload, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.err != nil {
		return nil, a.err
	}
	if a.dropped {
		return nil, ErrReleased
	}
	return a.results, nil
}

// Err blocks until the answer is done, and returns its error.
func (a *Answer) Err() error {
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// resolve sets the outcome. Only the first call has any effect, later results are released.
func (a *Answer) resolve(results *Payload, err error) bool {
	a.mu.Lock()
	if a.isDone() {
		a.mu.Unlock()
		results.Release()
		return false
	}

	keep := results
	if err != nil {
		keep = nil
	}

	for _, p := range a.pipes {
		p.resolveFrom(keep, err)
	}
	a.pipes = nil

	if a.dropped {
		keep = nil
	}

	a.results, a.err = keep, err
	close(a.done)
	a.mu.Unlock()

	if keep == nil {
		results.Release()
	}

	return true
}

// Release drops the results, or cancels the call if it has not returned yet.
func (a *Answer) Release() {
	a.mu.Lock()
	if a.dropped {
		a.mu.Unlock()
		return
	}
	a.dropped = true

	if a.isDone() {
		res := a.results
		a.results = nil
		a.mu.Unlock()
		res.Release()
		return
	}
	cancel := a.cancel
	onConn := a.conn != nil && !a.redirected
	a.mu.Unlock()

	switch {
	case onConn:
		a.conn.cancelQuestion(a, ErrCanceled)
	case cancel != nil:
		cancel()
	}
}

// setCancel installs the function Release uses to abort the call, running it right away if that already happened.
func (a *Answer) setCancel(f context.CancelFunc) {
	a.mu.Lock()
	if a.dropped && !a.isDone() {
		a.mu.Unlock()
		f()
		return
	}
	a.cancel = f
	a.mu.Unlock()
}

// PipelineClient returns the capability found by following the pointer fields in transform from the results content.
// It can be called before the answer is done, calls made on it are delivered in order once the capability is known.
func (a *Answer) PipelineClient(transform ...uint16) *Client {
	ops := make([]capnp.PipelineOp, len(transform))
	for i, f := range transform {
		ops[i] = capnp.PipelineOp{Field: f}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isDone() {
		switch {
		case a.err != nil:
			return ErrorClient(a.err)
		case a.dropped:
			return ErrorClient(ErrReleased)
		}

		c, err := a.results.transform(ops)
		if err != nil {
			return ErrorClient(err)
		}
		return c.AddRef()
	}

	if a.dropped {
		return ErrorClient(ErrReleased)
	}

	if a.conn != nil && !a.redirected {
		h := newPipelineHook(a, ops)
		a.pipes = append(a.pipes, h)
		return newClient(h)
	}

	h := newPromiseHook(ops)
	a.pipes = append(a.pipes, h)
	return newClient(h)
}

// redirect detaches a from its connection, its outcome now comes from inner.
// Pipelines handed out so far are switched over to in-process promises. It runs on the loop.
func (a *Answer) redirect(inner *Answer) {
	a.mu.Lock()
	a.redirected = true

	for i, p := range a.pipes {
		h, ok := p.(*pipelineHook)
		if !ok {
			continue
		}

		ph := newPromiseHook(h.transform)
		h.resolved, h.isResolved = newClient(ph), true
		a.pipes[i] = ph
	}
	a.mu.Unlock()

	a.setCancel(inner.Release)
	a.adopt(inner)
}

// removePipe forgets p, returning the number of pipes left.
func (a *Answer) removePipe(p answerPipe) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, o := range a.pipes {
		if o == p {
			a.pipes = append(a.pipes[:i], a.pipes[i+1:]...)
			break
		}
	}

	return len(a.pipes)
}

func (a *Answer) pipeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pipes)
}

func (a *Answer) isDropped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// adopt resolves a with the outcome of inner once it is done, taking over its results.
func (a *Answer) adopt(inner *Answer) {
	go func() {
		<-inner.done

		inner.mu.Lock()
		res, err := inner.results, inner.err
		inner.results = nil
		inner.dropped = true
		inner.mu.Unlock()

		a.resolve(res, err)
	}()
}
