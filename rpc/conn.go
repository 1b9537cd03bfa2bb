// Package rpc implements capability-based rpc connections on top of the capnp rpc message schema.
//
// Each Conn runs one event loop goroutine that owns all of its tables.
// Everything else, such as reading from the transport, server handlers and releasing client handles,
// hands events to that loop, and never touches the tables directly.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
	"github.com/google/uuid"

	"github.com/edup2p/caprpc/types"
	"github.com/edup2p/caprpc/types/metrics"
	"github.com/edup2p/caprpc/types/transport"
	"github.com/edup2p/caprpc/types/wire"
)

var errClosedLocally = errors.New("connection closed")

type connState uint8

const (
	stateActive connState = iota
	stateDraining
	stateClosed
)

type Options struct {
	// BootstrapClient answers bootstrap requests without an object name. The connection takes ownership of it.
	BootstrapClient *Client

	// Resolver answers bootstrap requests for named root objects.
	Resolver Resolver

	// ID names the connection in logs. A random one is picked if empty.
	ID string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Conn is one rpc connection to a peer.
type Conn struct {
	id        string
	transport transport.Transport
	events    *queue[event]

	ctx context.Context
	ccc context.CancelCauseFunc

	bootstrap *Client
	resolver  Resolver
	log       *slog.Logger
	metrics   *metrics.Metrics

	// owned by the loop
	state        connState
	questions    map[QuestionID]*question
	questionIDs  idgen[QuestionID]
	answers      map[AnswerID]*ansEntry
	exports      map[ExportID]*export
	exportIDs    idgen[ExportID]
	exportByHook map[clientHook]ExportID
	imports      map[ImportID]*importEntry

	done chan struct{}
	// err is set before done is closed
	err error
}

// NewConn starts a connection over t. The connection owns t from now on.
func NewConn(t transport.Transport, opts *Options) *Conn {
	if opts == nil {
		opts = &Options{}
	}

	ctx, ccc := context.WithCancelCause(context.Background())

	c := &Conn{
		id:        opts.ID,
		transport: t,
		events:    newQueue[event](),

		ctx: ctx,
		ccc: ccc,

		bootstrap: opts.BootstrapClient,
		resolver:  opts.Resolver,
		metrics:   opts.Metrics,

		questions:    make(map[QuestionID]*question),
		answers:      make(map[AnswerID]*ansEntry),
		exports:      make(map[ExportID]*export),
		exportByHook: make(map[clientHook]ExportID),
		imports:      make(map[ImportID]*importEntry),

		done: make(chan struct{}),
	}

	if c.id == "" {
		c.id = uuid.NewString()[:8]
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c.log = logger.With("component", "rpc-conn", "conn", c.id)

	c.metrics.ConnOpened()

	go c.run()
	go c.readLoop()

	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) L() *slog.Logger {
	return c.log
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection shut down, or nil while it is running.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the connection down and waits for it to finish. Pending questions fail as disconnected.
func (c *Conn) Close() error {
	c.events.push(&shutdown{})
	<-c.done
	return nil
}

// Restore asks the peer for a named root object, or for its bootstrap capability if name is empty.
// The capability is the content of the answer, so Answer.PipelineClient() can be used before it returns.
func (c *Conn) Restore(ctx context.Context, name string) *Answer {
	ans := newAnswer(Method{})

	msg, err := c.transport.NewMessage()
	if err != nil {
		ans.resolve(nil, err)
		return ans
	}

	if err := wire.BuildRestore(msg, 0, name); err != nil {
		transport.Release(msg)
		ans.resolve(nil, err)
		return ans
	}

	ans.conn = c
	ev := &outgoingBootstrap{ans: ans, msg: msg}
	if !c.events.push(ev) {
		ev.fail(c.closedErr())
		return ans
	}

	c.watchCancel(ctx, ans)

	return ans
}

// ImportCap restores name and waits for the capability. The caller must release it.
func (c *Conn) ImportCap(ctx context.Context, name string) (*Client, error) {
	ans := c.Restore(ctx, name)
	defer ans.Release()

	res, err := ans.Wait(ctx)
	if err != nil {
		return nil, err
	}

	return res.ContentCap()
}

// Bootstrap is ImportCap for the peer's bootstrap capability.
func (c *Conn) Bootstrap(ctx context.Context) (*Client, error) {
	return c.ImportCap(ctx, "")
}

// NewLocalServer starts srv and exports it on this connection.
//
// The export id stays valid until the returned handle is released and the peer dropped all its references.
func (c *Conn) NewLocalServer(srv Server) (*Client, ExportID, error) {
	cl := NewLocalClient(srv)
	handle := cl.AddRef()

	ev := &exportLocal{client: cl, reply: make(chan ExportID, 1)}
	if !c.events.push(ev) {
		ev.fail(nil)
		handle.Release()
		return nil, 0, c.closedErr()
	}

	id, ok := <-ev.reply
	if !ok {
		handle.Release()
		return nil, 0, c.closedErr()
	}

	hook := handle.hook
	handle.onRelease = func() {
		c.events.push(&unpinExport{id: id, hook: hook})
	}

	return handle, id, nil
}

// Stats returns a snapshot of the connection tables.
func (c *Conn) Stats(ctx context.Context) (Stats, error) {
	ev := &statsRequest{reply: make(chan Stats, 1)}
	if !c.events.push(ev) {
		return Stats{}, c.closedErr()
	}

	select {
	case s, ok := <-ev.reply:
		if !ok {
			return Stats{}, c.closedErr()
		}
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (c *Conn) closedErr() error {
	return disconnected(context.Cause(c.ctx))
}

func (c *Conn) cancelQuestion(a *Answer, cause error) {
	c.events.push(&questionCanceled{ans: a, cause: cause})
}

// watchCancel cancels the question behind a once ctx expires.
func (c *Conn) watchCancel(ctx context.Context, a *Answer) {
	if ctx.Done() == nil {
		return
	}

	go func() {
		select {
		case <-ctx.Done():
			c.cancelQuestion(a, context.Cause(ctx))
		case <-a.done:
		case <-c.done:
		}
	}()
}

// sendCall builds a call in a fresh message and hands it to the loop to be sent to target.
func (c *Conn) sendCall(ctx context.Context, target clientHook, m Method, params ParamsFunc) *Answer {
	ans := newAnswer(m)

	msg, err := c.transport.NewMessage()
	if err != nil {
		ans.resolve(nil, err)
		return ans
	}

	call, err := msg.NewCall()
	if err != nil {
		transport.Release(msg)
		ans.resolve(nil, err)
		return ans
	}
	call.SetInterfaceId(m.InterfaceID)
	call.SetMethodId(m.MethodID)

	wp, err := call.NewParams()
	if err != nil {
		transport.Release(msg)
		ans.resolve(nil, err)
		return ans
	}

	p := newWirePayload(wp, func() { transport.Release(msg) })
	if params != nil {
		if err := params(p); err != nil {
			p.Release()
			ans.resolve(nil, err)
			return ans
		}
	}

	ans.conn = c
	ev := &outgoingCall{
		ctx:    ctx,
		ans:    ans,
		msg:    msg,
		call:   call,
		params: p,
		target: target,
	}
	if !c.events.push(ev) {
		ev.fail(c.closedErr())
		return ans
	}

	c.watchCancel(ctx, ans)

	return ans
}

func (c *Conn) readLoop() {
	for {
		m, err := c.transport.Recv()
		if err != nil {
			c.events.push(&readFailed{err: err})
			return
		}

		if !c.events.push(&incomingMessage{m: m}) {
			transport.Release(m)
			return
		}
	}
}

func (c *Conn) run() {
	defer func() {
		if v := recover(); v != nil {
			c.L().Error("loop panicked", "panic", v)
			c.forceClose(fmt.Errorf("loop panicked: %v", v))
		}
	}()

	for {
		ev, ok := c.events.pop()
		if !ok {
			return
		}

		c.handle(ev)

		if c.state == stateClosed {
			return
		}
	}
}

func (c *Conn) handle(ev event) {
	switch ev := ev.(type) {
	case *incomingMessage:
		c.handleMessage(ev)
	case *readFailed:
		c.teardown(fmt.Errorf("read: %w", ev.err), false)
	case *shutdown:
		c.teardown(errClosedLocally, true)
	case *outgoingCall:
		c.handleOutgoingCall(ev)
	case *outgoingBootstrap:
		c.handleOutgoingBootstrap(ev)
	case *questionCanceled:
		c.handleQuestionCanceled(ev)
	case *returnReady:
		c.handleReturnReady(ev)
	case *importReleased:
		c.handleImportReleased(ev)
	case *pipelineReleased:
		c.handlePipelineReleased(ev)
	case *exportLocal:
		ev.reply <- c.pinClient(ev.client)
	case *unpinExport:
		if e := c.exports[ev.id]; e != nil && e.client.hook == ev.hook {
			e.pinned = false
			c.maybeDropExport(e)
		}
	case *statsRequest:
		ev.reply <- c.stats()
	default:
		panic(fmt.Sprintf("unknown event %T", ev))
	}
}

// send writes m, tearing the connection down if that fails.
func (c *Conn) send(m rpccp.Message) error {
	kind := wire.Kind(m)

	if err := c.transport.Send(m); err != nil {
		c.teardown(fmt.Errorf("send %s: %w", kind, err), false)
		return err
	}

	c.metrics.MessageOut(kind)
	c.L().Log(c.ctx, types.LevelTrace, "sent", "kind", kind)

	return nil
}

// sendMessage builds and sends a message that is released right after.
func (c *Conn) sendMessage(build func(rpccp.Message) error) error {
	m, err := c.transport.NewMessage()
	if err != nil {
		c.teardown(fmt.Errorf("allocate message: %w", err), false)
		return err
	}
	defer transport.Release(m)

	if err := build(m); err != nil {
		c.teardown(fmt.Errorf("build message: %w", err), false)
		return err
	}

	return c.send(m)
}

func (c *Conn) newResults() (rpccp.Message, *Payload, error) {
	msg, err := c.transport.NewMessage()
	if err != nil {
		return rpccp.Message{}, nil, err
	}

	ret, err := msg.NewReturn()
	if err != nil {
		transport.Release(msg)
		return rpccp.Message{}, nil, err
	}

	wp, err := ret.NewResults()
	if err != nil {
		transport.Release(msg)
		return rpccp.Message{}, nil, err
	}

	return msg, newWirePayload(wp, func() { transport.Release(msg) }), nil
}

// abort tells the peer why the connection is going away, and tears it down.
func (c *Conn) abort(err error) {
	if IsProtocolViolation(err) {
		c.metrics.Violation()
		c.L().Warn("peer violated protocol", "err", err)
	} else {
		c.L().Error("connection failed", "err", err)
	}

	c.sendAbort(Failed, err.Error())
	c.teardown(err, false)
}

// sendAbort is best effort, its errors are only logged.
func (c *Conn) sendAbort(typ ExceptionType, reason string) {
	m, err := c.transport.NewMessage()
	if err != nil {
		return
	}
	defer transport.Release(m)

	if err := wire.BuildAbort(m, typ.wire(), reason); err != nil {
		return
	}

	if err := c.transport.Send(m); err != nil {
		c.L().Debug("could not send abort", "err", err)
		return
	}

	c.metrics.MessageOut(wire.Kind(m))
}

// forceClose tears down after a panic on the loop. If teardown itself panicked half way,
// the connection is still marked closed so that waiters return.
func (c *Conn) forceClose(cause error) {
	defer func() {
		if v := recover(); v != nil {
			c.L().Error("teardown panicked", "panic", v)
		}

		if c.state == stateClosed {
			return
		}

		err := disconnected(cause)
		c.ccc(err)
		for _, ev := range c.events.drain() {
			ev.fail(err)
		}

		c.err = err
		c.state = stateClosed
		close(c.done)
	}()

	c.teardown(cause, false)
}

// teardown fails everything outstanding, releases every reference and closes the transport.
// It runs once, on the loop.
func (c *Conn) teardown(cause error, sendAbort bool) {
	if c.state != stateActive {
		return
	}
	c.state = stateDraining

	err := disconnected(cause)
	c.ccc(err)

	if sendAbort {
		c.sendAbort(Disconnected, cause.Error())
	}

	c.L().Debug("connection shutting down", "cause", cause)

	for _, id := range types.SortedKeys(c.questions) {
		c.questions[id].ans.resolve(nil, err)
	}

	for _, id := range types.SortedKeys(c.answers) {
		e := c.answers[id]

		for _, pc := range e.pipelined {
			pc.call.finish(err)
		}
		e.pipelined = nil

		for _, ph := range e.promises {
			ph.resolve(ErrorClient(err))
		}
		e.promises = nil

		e.cancel()
		e.results.Release()
		e.results = nil
	}

	for _, id := range types.SortedKeys(c.exports) {
		c.exports[id].client.Release()
	}

	c.metrics.TableDelta(metrics.TableQuestions, -len(c.questions))
	c.metrics.TableDelta(metrics.TableAnswers, -len(c.answers))
	c.metrics.TableDelta(metrics.TableExports, -len(c.exports))
	c.metrics.TableDelta(metrics.TableImports, -len(c.imports))

	clear(c.questions)
	clear(c.answers)
	clear(c.exports)
	clear(c.exportByHook)
	clear(c.imports)

	for _, ev := range c.events.drain() {
		ev.fail(err)
	}

	if err := c.transport.Close(); err != nil {
		c.L().Debug("error closing transport", "err", err)
	}

	c.bootstrap.Release()
	c.bootstrap = nil

	c.err = err
	c.state = stateClosed
	c.metrics.ConnClosed()
	close(c.done)
}
