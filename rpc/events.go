package rpc

import (
	"context"

	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"

	"github.com/edup2p/caprpc/types/transport"
)

// event is work for the connection loop.
type event interface {
	// fail cleans up an event that will never be handled, because the connection is gone.
	fail(err error)
}

// incomingMessage is a message read from the transport.
type incomingMessage struct {
	m rpccp.Message

	// taken is set once a handler kept the message alive past its own return
	taken bool
}

func (ev *incomingMessage) fail(error) {
	transport.Release(ev.m)
}

// take hands ownership of the message to the caller, returning the function that releases it.
func (ev *incomingMessage) take() func() {
	ev.taken = true
	m := ev.m
	return func() { transport.Release(m) }
}

// readFailed ends the connection once the transport stops yielding messages.
type readFailed struct {
	err error
}

func (*readFailed) fail(error) {}

// shutdown is a local request to close the connection.
type shutdown struct{}

func (*shutdown) fail(error) {}

// outgoingCall is a call built by the application, to be given a question id and sent.
type outgoingCall struct {
	ctx    context.Context
	ans    *Answer
	msg    rpccp.Message
	call   rpccp.Call
	params *Payload

	// target is an *importHook or a *pipelineHook of this connection
	target clientHook
}

func (ev *outgoingCall) fail(err error) {
	ev.params.Release()
	ev.ans.resolve(nil, err)
}

// outgoingBootstrap asks the peer for its bootstrap capability or a named root object.
type outgoingBootstrap struct {
	ans *Answer
	msg rpccp.Message
}

func (ev *outgoingBootstrap) fail(err error) {
	transport.Release(ev.msg)
	ev.ans.resolve(nil, err)
}

type questionCanceled struct {
	ans   *Answer
	cause error
}

func (*questionCanceled) fail(error) {}

// returnReady carries the outcome of a call the peer made, once the server is done with it.
type returnReady struct {
	entry   *ansEntry
	results *Payload
	err     error

	// msg backs results, if there are any
	msg rpccp.Message
}

func (ev *returnReady) fail(error) {
	ev.results.Release()
}

type importReleased struct {
	hook *importHook
}

func (*importReleased) fail(error) {}

type pipelineReleased struct {
	hook *pipelineHook
}

func (ev *pipelineReleased) fail(error) {
	ev.hook.ans.removePipe(ev.hook)
	ev.hook.resolved.Release()
	ev.hook.resolved = nil
}

// exportLocal pins a client in the export table.
type exportLocal struct {
	client *Client
	reply  chan ExportID
}

func (ev *exportLocal) fail(error) {
	ev.client.Release()
	close(ev.reply)
}

type unpinExport struct {
	id   ExportID
	hook clientHook
}

func (*unpinExport) fail(error) {}

type statsRequest struct {
	reply chan Stats
}

func (ev *statsRequest) fail(error) {
	close(ev.reply)
}
