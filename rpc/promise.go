package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"capnproto.org/go/capnp/v3"
)

// promiseHook stands for a capability in the results of a call that has not returned yet.
// Calls are queued and delivered in order once it resolves.
type promiseHook struct {
	transform []capnp.PipelineOp
	refs      atomic.Int32

	mu         sync.Mutex
	resolved   *Client
	isResolved bool
	pending    []promiseCall
	flushing   bool
	gone       bool
}

type promiseCall struct {
	ctx context.Context

	// either call is set, or method, params and ans are
	call *Call

	method Method
	params ParamsFunc
	ans    *Answer
}

func newPromiseHook(ops []capnp.PipelineOp) *promiseHook {
	h := &promiseHook{transform: ops}
	h.refs.Store(1)
	return h
}

func (h *promiseHook) resolveFrom(results *Payload, err error) {
	var c *Client
	if err != nil {
		c = ErrorClient(err)
	} else if results == nil {
		c = ErrorClient(ErrReleased)
	} else if t, terr := results.transform(h.transform); terr != nil {
		c = ErrorClient(terr)
	} else {
		c = t.AddRef()
	}

	h.resolve(c)
}

// resolve takes ownership of c.
func (h *promiseHook) resolve(c *Client) {
	h.mu.Lock()
	if h.isResolved {
		h.mu.Unlock()
		c.Release()
		return
	}

	h.resolved, h.isResolved = c, true
	start := !h.flushing && (len(h.pending) > 0 || h.gone)
	if start {
		h.flushing = true
	}
	h.mu.Unlock()

	if start {
		go h.flush()
	}
}

func (h *promiseHook) flush() {
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.flushing = false

			var drop *Client
			if h.gone {
				drop, h.resolved = h.resolved, nil
			}
			h.mu.Unlock()

			drop.Release()
			return
		}

		pc := h.pending[0]
		h.pending[0] = promiseCall{}
		h.pending = h.pending[1:]
		target := h.resolved
		h.mu.Unlock()

		pc.deliver(target)
	}
}

func (pc promiseCall) deliver(target *Client) {
	if pc.call != nil {
		deliverCall(pc.ctx, target, pc.call)
		return
	}

	if pc.ans.isDropped() {
		pc.ans.resolve(nil, ErrCanceled)
		return
	}

	inner := target.Call(pc.ctx, pc.method, pc.params)
	pc.ans.setCancel(inner.Release)
	pc.ans.adopt(inner)
}

// deliverCall hands an already built call to target.
func deliverCall(ctx context.Context, target *Client, call *Call) {
	switch {
	case target == nil:
		call.finish(ErrNullCapability)
	case target.released.Load():
		call.finish(ErrReleased)
	default:
		target.hook.recv(ctx, call)
	}
}

func (h *promiseHook) send(ctx context.Context, m Method, params ParamsFunc) *Answer {
	h.mu.Lock()
	if h.isResolved && !h.flushing {
		target := h.resolved
		h.mu.Unlock()
		return target.Call(ctx, m, params)
	}

	ans := newAnswer(m)
	h.pending = append(h.pending, promiseCall{ctx: ctx, method: m, params: params, ans: ans})
	h.mu.Unlock()

	return ans
}

func (h *promiseHook) recv(ctx context.Context, call *Call) {
	h.mu.Lock()
	if h.isResolved && !h.flushing {
		target := h.resolved
		h.mu.Unlock()
		deliverCall(ctx, target, call)
		return
	}

	h.pending = append(h.pending, promiseCall{ctx: ctx, call: call})
	h.mu.Unlock()
}

func (h *promiseHook) addRef() {
	h.refs.Add(1)
}

func (h *promiseHook) release() {
	if h.refs.Add(-1) != 0 {
		return
	}

	h.mu.Lock()
	h.gone = true

	var drop *Client
	if h.isResolved && !h.flushing {
		drop, h.resolved = h.resolved, nil
	}
	h.mu.Unlock()

	drop.Release()
}

func (h *promiseHook) kind() Kind {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isResolved {
		return h.resolved.Kind()
	}
	return KindPromise
}

func (h *promiseHook) String() string {
	return "promise(" + h.kind().String() + ")"
}
