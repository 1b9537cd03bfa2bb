package rpc

import (
	"context"

	"capnproto.org/go/capnp/v3"

	"github.com/edup2p/caprpc/types/metrics"
)

type (
	// QuestionID numbers the calls this side has outstanding, and is the peer's AnswerID for them.
	QuestionID uint32
	// AnswerID numbers the calls the peer has outstanding with us.
	AnswerID uint32
	// ExportID numbers the capabilities this side hosts for the peer.
	ExportID uint32
	// ImportID numbers the capabilities the peer hosts for us, and is the peer's ExportID for them.
	ImportID uint32
)

type question struct {
	id        QuestionID
	ans       *Answer
	bootstrap bool

	// exports sent in the params, released again if the peer returns with releaseParamCaps
	paramExports []ExportID

	// finishSent is set when the question was canceled before its Return arrived
	finishSent bool
	// cancelCause holds a cancel that waits for the last pipelined client to go
	cancelCause error
}

type ansEntry struct {
	id     AnswerID
	ctx    context.Context
	cancel context.CancelFunc

	returnSent        bool
	finishReceived    bool
	releaseResultCaps bool

	results       *Payload
	err           error
	resultExports []ExportID

	// calls that target these results, received before they were ready
	pipelined []pendingCall
	// capabilities the peer handed back to us as receiverAnswer before the results were ready
	promises []*promiseHook
}

type pendingCall struct {
	ctx       context.Context
	transform []capnp.PipelineOp
	call      *Call
}

type export struct {
	id       ExportID
	client   *Client
	wireRefs uint32

	// pinned exports stay until unpinned, even without wire references
	pinned bool
}

type importEntry struct {
	hook     *importHook
	wireRefs uint32
}

// Stats is a snapshot of the connection tables.
type Stats struct {
	Questions int
	Answers   int
	Imports   int

	// Exports maps each export to the number of references the peer holds.
	Exports map[ExportID]uint32
}

func (c *Conn) addQuestion(q *question) {
	c.questions[q.id] = q
	c.metrics.TableDelta(metrics.TableQuestions, 1)
}

func (c *Conn) removeQuestion(q *question) {
	delete(c.questions, q.id)
	c.questionIDs.put(q.id)
	c.metrics.TableDelta(metrics.TableQuestions, -1)
}

func (c *Conn) addAnswer(e *ansEntry) {
	c.answers[e.id] = e
	c.metrics.TableDelta(metrics.TableAnswers, 1)
}

// destroyAnswer drops the entry along with the results it kept for pipelining.
func (c *Conn) destroyAnswer(e *ansEntry) {
	if c.answers[e.id] == e {
		delete(c.answers, e.id)
		c.metrics.TableDelta(metrics.TableAnswers, -1)
	}

	e.cancel()
	e.results.Release()
	e.results = nil
}

// exportClient sends a reference to cl, reusing the export if cl was already exported.
func (c *Conn) exportClient(cl *Client) ExportID {
	if id, ok := c.exportByHook[cl.hook]; ok {
		c.exports[id].wireRefs++
		return id
	}

	e := &export{
		id:       c.exportIDs.get(),
		client:   cl.AddRef(),
		wireRefs: 1,
	}
	c.exports[e.id] = e
	c.exportByHook[e.client.hook] = e.id
	c.metrics.TableDelta(metrics.TableExports, 1)

	return e.id
}

// pinClient exports cl without any wire reference, so its id stays valid until unpinned.
func (c *Conn) pinClient(cl *Client) ExportID {
	if id, ok := c.exportByHook[cl.hook]; ok {
		e := c.exports[id]
		e.pinned = true
		cl.Release()
		return id
	}

	e := &export{
		id:     c.exportIDs.get(),
		client: cl,
		pinned: true,
	}
	c.exports[e.id] = e
	c.exportByHook[cl.hook] = e.id
	c.metrics.TableDelta(metrics.TableExports, 1)

	return e.id
}

func (c *Conn) releaseExport(id ExportID, count uint32) error {
	e := c.exports[id]
	if e == nil {
		return violation("release of unknown export %d", id)
	}

	if count > e.wireRefs {
		return violation("release of export %d by %d, only %d references held", id, count, e.wireRefs)
	}
	e.wireRefs -= count

	c.maybeDropExport(e)

	return nil
}

func (c *Conn) maybeDropExport(e *export) {
	if e.wireRefs > 0 || e.pinned {
		return
	}

	delete(c.exports, e.id)
	delete(c.exportByHook, e.client.hook)
	c.exportIDs.put(e.id)
	c.metrics.TableDelta(metrics.TableExports, -1)

	c.L().Debug("export dropped", "id", e.id, "client", e.client)

	e.client.Release()
}

// importClient returns a new handle to the peer's export id, counting one more wire reference.
func (c *Conn) importClient(id ImportID) *Client {
	if e := c.imports[id]; e != nil {
		e.wireRefs++
		e.hook.addRef()
		return newClient(e.hook)
	}

	h := newImportHook(c, id)
	c.imports[id] = &importEntry{hook: h, wireRefs: 1}
	c.metrics.TableDelta(metrics.TableImports, 1)

	return newClient(h)
}

func (c *Conn) stats() Stats {
	s := Stats{
		Questions: len(c.questions),
		Answers:   len(c.answers),
		Imports:   len(c.imports),
		Exports:   make(map[ExportID]uint32, len(c.exports)),
	}

	for id, e := range c.exports {
		s.Exports[id] = e.wireRefs
	}

	return s
}
