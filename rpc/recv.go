package rpc

import (
	"context"
	"errors"
	"fmt"

	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"

	"github.com/edup2p/caprpc/types"
	"github.com/edup2p/caprpc/types/metrics"
	"github.com/edup2p/caprpc/types/transport"
	"github.com/edup2p/caprpc/types/wire"
)

func (c *Conn) handleMessage(ev *incomingMessage) {
	defer func() {
		if !ev.taken {
			transport.Release(ev.m)
		}
	}()

	m := ev.m
	kind := wire.Kind(m)
	c.metrics.MessageIn(kind)
	c.L().Log(c.ctx, types.LevelTrace, "received", "kind", kind)

	var err error
	switch m.Which() {
	case rpccp.Message_Which_abort:
		c.handleAbort(m)
		return
	case rpccp.Message_Which_call:
		err = c.handleCall(ev)
	case rpccp.Message_Which_return:
		err = c.handleReturn(ev)
	case rpccp.Message_Which_finish:
		err = c.handleFinish(m)
	case rpccp.Message_Which_release:
		err = c.handleRelease(m)
	case rpccp.Message_Which_bootstrap:
		err = c.handleBootstrap(m)
	case rpccp.Message_Which_unimplemented:
		err = c.handleUnimplemented(m)
	case rpccp.Message_Which_resolve,
		rpccp.Message_Which_disembargo,
		rpccp.Message_Which_provide,
		rpccp.Message_Which_accept,
		rpccp.Message_Which_join,
		rpccp.Message_Which_obsoleteSave,
		rpccp.Message_Which_obsoleteDelete:
		c.L().Debug("replying unimplemented", "kind", kind)
		err = c.sendMessage(func(out rpccp.Message) error {
			return wire.BuildUnimplemented(out, m)
		})
	default:
		err = violation("unknown message type %v", m.Which())
	}

	if err != nil && c.state == stateActive {
		c.abort(err)
	}
}

func (c *Conn) handleAbort(m rpccp.Message) {
	reason := "no reason given"
	if ab, err := m.Abort(); err == nil {
		if e, err := readException(ab); err == nil {
			reason = e.Error()
		}
	}

	c.L().Info("peer aborted connection", "reason", reason)
	c.teardown(fmt.Errorf("peer aborted: %s", reason), false)
}

// recvCaps turns a received cap table into clients. On error, nothing is retained.
func (c *Conn) recvCaps(wp rpccp.Payload) ([]*Client, error) {
	descs, err := wire.ReadDescriptors(wp)
	if err != nil {
		return nil, violation("%v", err)
	}

	caps := make([]*Client, 0, len(descs))
	for i, d := range descs {
		cl, err := c.recvCap(d)
		if err != nil {
			releaseAll(caps)
			return nil, fmt.Errorf("cap table entry %d: %w", i, err)
		}
		caps = append(caps, cl)
	}

	return caps, nil
}

func (c *Conn) recvCap(d wire.Descriptor) (*Client, error) {
	switch d.Kind {
	case wire.DescNone:
		return nil, nil
	case wire.DescSenderHosted, wire.DescSenderPromise:
		return c.importClient(ImportID(d.ID)), nil
	case wire.DescReceiverHosted:
		e := c.exports[ExportID(d.ID)]
		if e == nil {
			return nil, violation("unknown export %d", d.ID)
		}
		return e.client.AddRef(), nil
	case wire.DescReceiverAnswer:
		e := c.answers[AnswerID(d.ID)]
		if e == nil || e.finishReceived {
			return nil, violation("unknown answer %d", d.ID)
		}

		if e.returnSent {
			if e.err != nil {
				return ErrorClient(e.err), nil
			}
			cl, err := e.results.transform(d.Transform)
			if err != nil {
				return ErrorClient(err), nil
			}
			return cl.AddRef(), nil
		}

		ph := newPromiseHook(d.Transform)
		e.promises = append(e.promises, ph)
		return newClient(ph), nil
	default:
		return nil, violation("unknown descriptor %v", d.Kind)
	}
}

func releaseAll(cs []*Client) {
	for _, c := range cs {
		c.Release()
	}
}

func (c *Conn) handleCall(ev *incomingMessage) error {
	call, err := ev.m.Call()
	if err != nil {
		return violation("read call: %v", err)
	}

	id := AnswerID(call.QuestionId())
	if _, dup := c.answers[id]; dup {
		return violation("call reuses answer id %d", id)
	}

	if call.SendResultsTo().Which() != rpccp.Call_sendResultsTo_Which_caller {
		return c.sendMessage(func(out rpccp.Message) error {
			return wire.BuildUnimplemented(out, ev.m)
		})
	}

	rt, err := call.Target()
	if err != nil {
		return violation("read call target: %v", err)
	}
	tgt, err := wire.ReadTarget(rt)
	if err != nil {
		return violation("%v", err)
	}

	var (
		target *export
		base   *ansEntry
	)
	if tgt.Promised {
		base = c.answers[AnswerID(tgt.QuestionID)]
		if base == nil || base.finishReceived {
			return violation("call on unknown answer %d", tgt.QuestionID)
		}
	} else {
		target = c.exports[ExportID(tgt.ImportedCap)]
		if target == nil {
			return violation("call on unknown export %d", tgt.ImportedCap)
		}
	}

	wp, err := call.Params()
	if err != nil {
		return violation("read call params: %v", err)
	}
	caps, err := c.recvCaps(wp)
	if err != nil {
		return err
	}
	args, err := readWirePayload(wp, caps, nil)
	if err != nil {
		releaseAll(caps)
		return violation("%v", err)
	}
	args.release = ev.take()

	ctx, cancel := context.WithCancel(c.ctx)
	e := &ansEntry{id: id, ctx: ctx, cancel: cancel}
	c.addAnswer(e)

	rc := newCall(Method{InterfaceID: call.InterfaceId(), MethodID: call.MethodId()}, args, &wireReturner{c: c, e: e})

	if target != nil {
		deliverCall(ctx, target.client, rc)
	} else {
		c.callOnAnswer(base, pendingCall{ctx: ctx, transform: tgt.Transform, call: rc})
	}

	return nil
}

// callOnAnswer delivers a call that targets the results of base, queueing it until they are ready.
func (c *Conn) callOnAnswer(base *ansEntry, pc pendingCall) {
	switch {
	case !base.returnSent:
		base.pipelined = append(base.pipelined, pc)
	case base.err != nil:
		pc.call.finish(base.err)
	default:
		target, err := base.results.transform(pc.transform)
		if err != nil {
			pc.call.finish(err)
			return
		}
		deliverCall(pc.ctx, target, pc.call)
	}
}

// wireReturner sends the outcome of a call back to the peer that made it.
type wireReturner struct {
	c   *Conn
	e   *ansEntry
	msg rpccp.Message
}

func (r *wireReturner) allocResults() (*Payload, error) {
	msg, p, err := r.c.newResults()
	if err != nil {
		return nil, err
	}

	r.msg = msg
	return p, nil
}

func (r *wireReturner) returnCall(res *Payload, err error) {
	ev := &returnReady{entry: r.e, results: res, err: err, msg: r.msg}
	if !r.c.events.push(ev) {
		ev.fail(nil)
	}
}

func (c *Conn) handleReturnReady(ev *returnReady) {
	e := ev.entry
	if c.answers[e.id] != e || e.returnSent {
		ev.fail(nil)
		return
	}

	c.sendReturn(e, ev.results, ev.msg, ev.err)
}

// sendReturn answers e. The entry keeps the results for pipelined calls until the peer sends Finish.
func (c *Conn) sendReturn(e *ansEntry, res *Payload, msg rpccp.Message, err error) {
	if err == nil && res == nil {
		msg, res, err = c.newResults()
	}

	if err != nil {
		res.Release()

		ex := toException(err)
		e.err = ex

		if serr := c.sendMessage(func(m rpccp.Message) error {
			ret, err := m.NewReturn()
			if err != nil {
				return err
			}
			ret.SetAnswerId(uint32(e.id))
			ret.SetReleaseParamCaps(false)

			rex, err := ret.NewException()
			if err != nil {
				return err
			}
			return wire.BuildException(rex, ex.Type.wire(), ex.Reason)
		}); serr != nil {
			return
		}
	} else {
		ret, rerr := msg.Return()
		if rerr != nil {
			res.Release()
			c.teardown(fmt.Errorf("read own return: %w", rerr), false)
			return
		}
		ret.SetAnswerId(uint32(e.id))
		ret.SetReleaseParamCaps(false)

		descs, exps := c.describeCaps(res.caps)
		e.results = res
		e.resultExports = exps

		if werr := wire.WriteDescriptors(res.wire, descs); werr != nil {
			c.teardown(fmt.Errorf("write cap table: %w", werr), false)
			return
		}

		if serr := c.send(msg); serr != nil {
			return
		}
	}

	e.returnSent = true
	c.metrics.CallAnswered(err == nil)

	pending := e.pipelined
	e.pipelined = nil
	for _, pc := range pending {
		c.callOnAnswer(e, pc)
	}

	promises := e.promises
	e.promises = nil
	for _, ph := range promises {
		ph.resolveFrom(e.results, e.err)
	}

	if e.finishReceived {
		c.finishAnswer(e)
	}
}

// finishAnswer drops an answer that was both returned and finished.
func (c *Conn) finishAnswer(e *ansEntry) {
	if e.releaseResultCaps {
		for _, id := range e.resultExports {
			if err := c.releaseExport(id, 1); err != nil {
				c.L().Debug("finish released export twice", "id", id, "err", err)
			}
		}
	}
	e.resultExports = nil

	c.destroyAnswer(e)
}

func (c *Conn) describeCaps(caps []*Client) ([]wire.Descriptor, []ExportID) {
	if len(caps) == 0 {
		return nil, nil
	}

	descs := make([]wire.Descriptor, len(caps))
	var exps []ExportID

	for i, cl := range caps {
		d, id, exported := c.describe(cl)
		descs[i] = d
		if exported {
			exps = append(exps, id)
		}
	}

	return descs, exps
}

// describe picks how the peer will see cl, exporting it if it is not the peer's own.
func (c *Conn) describe(cl *Client) (wire.Descriptor, ExportID, bool) {
	if cl == nil {
		return wire.Descriptor{Kind: wire.DescNone}, 0, false
	}

	switch h := cl.hook.(type) {
	case *importHook:
		if h.conn == c {
			if e := c.imports[h.id]; e != nil && e.hook == h {
				return wire.Descriptor{Kind: wire.DescReceiverHosted, ID: uint32(h.id)}, 0, false
			}
		}
	case *pipelineHook:
		if h.conn == c {
			if h.isResolved {
				return c.describe(h.resolved)
			}
			if q := h.ans.q; q != nil && c.questions[q.id] == q {
				return wire.Descriptor{Kind: wire.DescReceiverAnswer, ID: uint32(q.id), Transform: h.transform}, 0, false
			}
		}
	}

	id := c.exportClient(cl)
	return wire.Descriptor{Kind: wire.DescSenderHosted, ID: uint32(id)}, id, true
}

func (c *Conn) handleReturn(ev *incomingMessage) error {
	ret, err := ev.m.Return()
	if err != nil {
		return violation("read return: %v", err)
	}

	q := c.questions[QuestionID(ret.AnswerId())]
	if q == nil {
		return violation("return for unknown question %d", ret.AnswerId())
	}

	if ret.ReleaseParamCaps() {
		for _, id := range q.paramExports {
			if err := c.releaseExport(id, 1); err != nil {
				return err
			}
		}
	}
	q.paramExports = nil

	var (
		res  *Payload
		rerr error
	)

	switch ret.Which() {
	case rpccp.Return_Which_results:
		wp, err := ret.Results()
		if err != nil {
			return violation("read results: %v", err)
		}
		caps, err := c.recvCaps(wp)
		if err != nil {
			return err
		}
		res, err = readWirePayload(wp, caps, nil)
		if err != nil {
			releaseAll(caps)
			return violation("%v", err)
		}
		res.release = ev.take()
	case rpccp.Return_Which_exception:
		rex, err := ret.Exception()
		if err != nil {
			return violation("read exception: %v", err)
		}
		if rerr, err = readException(rex); err != nil {
			return violation("read exception: %v", err)
		}
	case rpccp.Return_Which_canceled:
		rerr = &Exception{Type: Failed, Reason: ErrCanceled.Error()}
	default:
		return violation("unsupported return type %v", ret.Which())
	}

	if !q.finishSent {
		if err := c.sendMessage(func(m rpccp.Message) error {
			return wire.BuildFinish(m, uint32(q.id))
		}); err != nil {
			res.Release()
			return nil
		}
	}

	c.removeQuestion(q)

	if q.finishSent {
		// canceled, nobody is waiting for these
		res.Release()
		return nil
	}

	q.ans.resolve(res, rerr)

	return nil
}

func (c *Conn) handleFinish(m rpccp.Message) error {
	fin, err := m.Finish()
	if err != nil {
		return violation("read finish: %v", err)
	}

	e := c.answers[AnswerID(fin.QuestionId())]
	if e == nil {
		return violation("finish for unknown answer %d", fin.QuestionId())
	}
	if e.finishReceived {
		return violation("duplicate finish for answer %d", e.id)
	}

	e.finishReceived = true
	e.releaseResultCaps = fin.ReleaseResultCaps()

	if !e.returnSent {
		// the server sees its context canceled, the Return still follows
		e.cancel()
		return nil
	}

	c.finishAnswer(e)

	return nil
}

func (c *Conn) handleRelease(m rpccp.Message) error {
	rel, err := m.Release()
	if err != nil {
		return violation("read release: %v", err)
	}

	return c.releaseExport(ExportID(rel.Id()), rel.ReferenceCount())
}

func (c *Conn) handleBootstrap(m rpccp.Message) error {
	bs, err := m.Bootstrap()
	if err != nil {
		return violation("read bootstrap: %v", err)
	}

	id := AnswerID(bs.QuestionId())
	if _, dup := c.answers[id]; dup {
		return violation("bootstrap reuses answer id %d", id)
	}

	name, err := wire.ReadRestoreName(bs)
	if err != nil {
		return violation("%v", err)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	e := &ansEntry{id: id, ctx: ctx, cancel: cancel}
	c.addAnswer(e)

	cl, err := c.resolveRoot(ctx, name)
	if err != nil {
		c.L().Debug("restore failed", "name", name, "err", err)
		c.sendReturn(e, nil, rpccp.Message{}, err)
		return nil
	}

	msg, res, err := c.newResults()
	if err != nil {
		cl.Release()
		return err
	}

	err = res.SetCap(cl)
	cl.Release()
	if err != nil {
		res.Release()
		return err
	}

	c.sendReturn(e, res, msg, nil)

	return nil
}

func (c *Conn) resolveRoot(ctx context.Context, name string) (*Client, error) {
	if name == "" {
		if c.bootstrap == nil {
			return nil, Errorf("no bootstrap capability")
		}
		return c.bootstrap.AddRef(), nil
	}

	if c.resolver == nil {
		return nil, unknownObject(name)
	}

	cl, err := c.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if cl == nil {
		return nil, unknownObject(name)
	}

	return cl, nil
}

func (c *Conn) handleUnimplemented(m rpccp.Message) error {
	inner, err := m.Unimplemented()
	if err != nil {
		return violation("read unimplemented: %v", err)
	}

	var qid uint32
	switch inner.Which() {
	case rpccp.Message_Which_call:
		call, err := inner.Call()
		if err != nil {
			return violation("read unimplemented call: %v", err)
		}
		qid = call.QuestionId()
	case rpccp.Message_Which_bootstrap:
		bs, err := inner.Bootstrap()
		if err != nil {
			return violation("read unimplemented bootstrap: %v", err)
		}
		qid = bs.QuestionId()
	default:
		c.L().Debug("peer does not implement message", "kind", wire.Kind(inner))
		return nil
	}

	q := c.questions[QuestionID(qid)]
	if q == nil {
		return nil
	}

	// the peer never took the question, so there is nothing to finish
	for _, id := range q.paramExports {
		_ = c.releaseExport(id, 1)
	}
	q.paramExports = nil
	c.removeQuestion(q)

	q.ans.resolve(nil, Unimplementedf("peer does not implement %s", wire.Kind(inner)))

	return nil
}

func (c *Conn) handleOutgoingCall(ev *outgoingCall) {
	if ev.ans.isDropped() {
		ev.fail(ErrCanceled)
		return
	}

	var tgt wire.Target

	switch h := ev.target.(type) {
	case *importHook:
		if e := c.imports[h.id]; e == nil || e.hook != h {
			ev.fail(ErrReleased)
			return
		}
		tgt.ImportedCap = uint32(h.id)
	case *pipelineHook:
		if h.isResolved {
			c.redirectCall(ev, h.resolved)
			return
		}

		q := h.ans.q
		if q == nil || c.questions[q.id] != q {
			ev.fail(ErrCanceled)
			return
		}
		tgt = wire.Target{Promised: true, QuestionID: uint32(q.id), Transform: h.transform}
	default:
		ev.fail(fmt.Errorf("unexpected call target %v", ev.target))
		return
	}

	c.sendQuestion(ev, tgt)
}

// redirectCall handles a call on a pipeline that has already resolved.
func (c *Conn) redirectCall(ev *outgoingCall, target *Client) {
	if target != nil {
		if h, ok := target.hook.(*importHook); ok && h.conn == c {
			if e := c.imports[h.id]; e != nil && e.hook == h {
				c.sendQuestion(ev, wire.Target{ImportedCap: uint32(h.id)})
				return
			}
		}
	}

	// the capability is not the peer's, hand the already built call over
	inner := newAnswer(ev.ans.method)
	ctx, cancel := context.WithCancel(ev.ctx)
	inner.cancel = cancel

	deliverCall(ctx, target, newCall(ev.ans.method, ev.params, answerReturner{ans: inner, cancel: cancel}))
	ev.ans.redirect(inner)
}

func (c *Conn) sendQuestion(ev *outgoingCall, tgt wire.Target) {
	defer ev.params.Release()

	mt, err := ev.call.NewTarget()
	if err == nil {
		err = wire.WriteTarget(mt, tgt)
	}
	if err != nil {
		ev.ans.resolve(nil, fmt.Errorf("could not write call target: %w", err))
		return
	}

	descs, exps := c.describeCaps(ev.params.caps)
	if err := wire.WriteDescriptors(ev.params.wire, descs); err != nil {
		for _, id := range exps {
			_ = c.releaseExport(id, 1)
		}
		ev.ans.resolve(nil, fmt.Errorf("could not write cap table: %w", err))
		return
	}

	q := &question{
		id:           c.questionIDs.get(),
		ans:          ev.ans,
		paramExports: exps,
	}
	ev.call.SetQuestionId(uint32(q.id))

	c.addQuestion(q)
	ev.ans.q = q

	_ = c.send(ev.msg)
}

func (c *Conn) handleOutgoingBootstrap(ev *outgoingBootstrap) {
	defer transport.Release(ev.msg)

	if ev.ans.isDropped() {
		ev.ans.resolve(nil, ErrCanceled)
		return
	}

	bs, err := ev.msg.Bootstrap()
	if err != nil {
		ev.ans.resolve(nil, err)
		return
	}

	q := &question{
		id:        c.questionIDs.get(),
		ans:       ev.ans,
		bootstrap: true,
	}
	bs.SetQuestionId(uint32(q.id))

	c.addQuestion(q)
	ev.ans.q = q

	_ = c.send(ev.msg)
}

func (c *Conn) handleQuestionCanceled(ev *questionCanceled) {
	a := ev.ans
	q := a.q

	if q == nil || c.questions[q.id] != q || q.finishSent {
		return
	}

	cause := ev.cause
	if cause == nil {
		cause = ErrCanceled
	} else if !errors.Is(cause, ErrCanceled) {
		cause = fmt.Errorf("%w: %w", ErrCanceled, cause)
	}

	if a.pipeCount() > 0 {
		// finished once the last pipelined client is released
		if q.cancelCause == nil {
			q.cancelCause = cause
		}
		return
	}

	q.finishSent = true
	a.resolve(nil, cause)

	// the id stays taken until the Return arrives
	_ = c.sendMessage(func(m rpccp.Message) error {
		return wire.BuildFinish(m, uint32(q.id))
	})
}

func (c *Conn) handleImportReleased(ev *importReleased) {
	h := ev.hook

	e := c.imports[h.id]
	if e == nil || e.hook != h || h.refs.Load() > 0 {
		return
	}

	delete(c.imports, h.id)
	c.metrics.TableDelta(metrics.TableImports, -1)

	_ = c.sendMessage(func(m rpccp.Message) error {
		return wire.BuildRelease(m, uint32(h.id), e.wireRefs)
	})
}

func (c *Conn) handlePipelineReleased(ev *pipelineReleased) {
	h := ev.hook
	left := h.ans.removePipe(h)

	h.resolved.Release()
	h.resolved = nil

	if left > 0 {
		return
	}

	switch q := h.ans.q; {
	case q != nil && q.cancelCause != nil:
		c.handleQuestionCanceled(&questionCanceled{ans: h.ans, cause: q.cancelCause})
	case h.ans.isDropped():
		c.handleQuestionCanceled(&questionCanceled{ans: h.ans, cause: ErrCanceled})
	}
}
