package rpc

import (
	"context"
	"fmt"
	"sync/atomic"

	"capnproto.org/go/capnp/v3"
)

// importHook is a capability exported by the peer.
type importHook struct {
	conn *Conn
	id   ImportID
	refs atomic.Int32
}

func newImportHook(c *Conn, id ImportID) *importHook {
	h := &importHook{conn: c, id: id}
	h.refs.Store(1)
	return h
}

func (h *importHook) send(ctx context.Context, m Method, params ParamsFunc) *Answer {
	return h.conn.sendCall(ctx, h, m, params)
}

func (h *importHook) recv(ctx context.Context, call *Call) {
	forwardCall(ctx, h, call)
}

func (h *importHook) addRef() {
	h.refs.Add(1)
}

func (h *importHook) release() {
	if h.refs.Add(-1) == 0 {
		// the loop checks the count again, a new reference may arrive in the meantime
		h.conn.events.push(&importReleased{hook: h})
	}
}

func (h *importHook) kind() Kind {
	return KindRemote
}

func (h *importHook) String() string {
	return fmt.Sprintf("import(%s#%d)", h.conn.id, h.id)
}

// pipelineHook is a capability in the results of a question that has not returned yet.
type pipelineHook struct {
	conn      *Conn
	ans       *Answer
	transform []capnp.PipelineOp
	refs      atomic.Int32

	// owned by the loop
	resolved   *Client
	isResolved bool
}

func newPipelineHook(a *Answer, ops []capnp.PipelineOp) *pipelineHook {
	h := &pipelineHook{conn: a.conn, ans: a, transform: ops}
	h.refs.Store(1)
	return h
}

// resolveFrom runs on the loop, when the question returns or fails.
func (h *pipelineHook) resolveFrom(results *Payload, err error) {
	h.isResolved = true

	switch {
	case err != nil:
		h.resolved = ErrorClient(err)
	case results == nil:
		h.resolved = ErrorClient(ErrReleased)
	default:
		c, terr := results.transform(h.transform)
		if terr != nil {
			h.resolved = ErrorClient(terr)
		} else {
			h.resolved = c.AddRef()
		}
	}
}

func (h *pipelineHook) send(ctx context.Context, m Method, params ParamsFunc) *Answer {
	return h.conn.sendCall(ctx, h, m, params)
}

func (h *pipelineHook) recv(ctx context.Context, call *Call) {
	forwardCall(ctx, h, call)
}

func (h *pipelineHook) addRef() {
	h.refs.Add(1)
}

func (h *pipelineHook) release() {
	if h.refs.Add(-1) != 0 {
		return
	}

	ev := &pipelineReleased{hook: h}
	if !h.conn.events.push(ev) {
		ev.fail(nil)
	}
}

func (h *pipelineHook) kind() Kind {
	return KindPromise
}

func (h *pipelineHook) String() string {
	return fmt.Sprintf("pipeline(%s %v%v)", h.conn.id, h.ans.method, h.transform)
}

// forwardCall relays a call that arrived elsewhere through target, which sends it on its own connection.
// The content is copied between the messages, which only works when no capabilities are involved.
func forwardCall(ctx context.Context, target clientHook, call *Call) {
	ans := target.send(ctx, call.Method, func(p *Payload) error {
		return call.args.copyContentTo(p)
	})

	go func() {
		defer ans.Release()

		res, err := ans.Wait(context.Background())
		if err != nil {
			call.finish(err)
			return
		}

		out, err := call.AllocResults()
		if err != nil {
			call.finish(err)
			return
		}

		call.finish(res.copyContentTo(out))
	}()
}
