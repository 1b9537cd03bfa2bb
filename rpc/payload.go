package rpc

import (
	"fmt"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// textSize is the layout SetText and Text use: a struct with a single text pointer.
var textSize = capnp.ObjectSize{PointerCount: 1}

// Payload is the content of call parameters or results, along with the capabilities it references.
//
// Interface pointers in the content index into the payload's own capability list.
// Content must be built on the payload's Segment, a Payload is not safe for concurrent use,
// and whoever holds it must call Release exactly once.
type Payload struct {
	seg *capnp.Segment

	// exactly one of msg or wire backs the content
	msg    *capnp.Message
	wire   rpccp.Payload
	inWire bool

	content capnp.Ptr
	caps    []*Client

	release  func()
	released bool
}

// NewPayload allocates a standalone payload, used for in-process calls.
func NewPayload() (*Payload, error) {
	msg, seg, err := capnp.NewMessage(capnp.MultiSegment(nil))
	if err != nil {
		return nil, fmt.Errorf("could not allocate payload: %w", err)
	}

	return &Payload{
		seg:     seg,
		msg:     msg,
		release: msg.Release,
	}, nil
}

// newWirePayload wraps a payload that lives inside an outgoing rpc message.
func newWirePayload(wp rpccp.Payload, release func()) *Payload {
	return &Payload{
		seg:     wp.Segment(),
		wire:    wp,
		inWire:  true,
		release: release,
	}
}

// readWirePayload wraps a payload of an incoming rpc message, taking ownership of caps.
func readWirePayload(wp rpccp.Payload, caps []*Client, release func()) (*Payload, error) {
	content, err := wp.Content()
	if err != nil {
		return nil, fmt.Errorf("read payload content: %w", err)
	}

	p := newWirePayload(wp, release)
	p.content = content
	p.caps = caps

	return p, nil
}

func (p *Payload) Segment() *capnp.Segment {
	return p.seg
}

func (p *Payload) Content() capnp.Ptr {
	return p.content
}

func (p *Payload) SetContent(ptr capnp.Ptr) error {
	var err error
	if p.inWire {
		err = p.wire.SetContent(ptr)
	} else {
		err = p.msg.SetRoot(ptr)
	}
	if err != nil {
		return fmt.Errorf("could not set payload content: %w", err)
	}

	// re-read so content points at the copy, if one was made
	if p.inWire {
		p.content, err = p.wire.Content()
	} else {
		p.content, err = p.msg.Root()
	}

	return err
}

// NewStruct allocates a struct on the payload's segment and makes it the content.
func (p *Payload) NewStruct(sz capnp.ObjectSize) (capnp.Struct, error) {
	st, err := capnp.NewStruct(p.seg, sz)
	if err != nil {
		return capnp.Struct{}, err
	}

	if err := p.SetContent(st.ToPtr()); err != nil {
		return capnp.Struct{}, err
	}

	return st, nil
}

// Struct returns the content as a struct.
func (p *Payload) Struct() capnp.Struct {
	return p.content.Struct()
}

// SetText sets the content to a struct holding s as its first pointer.
func (p *Payload) SetText(s string) error {
	st, err := p.NewStruct(textSize)
	if err != nil {
		return err
	}

	return st.SetText(0, s)
}

// Text reads what SetText wrote.
func (p *Payload) Text() (string, error) {
	ptr, err := p.content.Struct().Ptr(0)
	if err != nil {
		return "", err
	}

	return ptr.Text(), nil
}

// AddCap appends a new reference to c to the capability list, and returns an interface pointer to it.
// c may be nil to embed a null capability. The caller keeps its own handle.
func (p *Payload) AddCap(c *Client) capnp.Interface {
	p.caps = append(p.caps, c.AddRef())

	return capnp.NewInterface(p.seg, capnp.CapabilityID(len(p.caps)-1))
}

// SetCap makes a reference to c the whole content.
func (p *Payload) SetCap(c *Client) error {
	return p.SetContent(p.AddCap(c).ToPtr())
}

// NumCaps is the length of the capability list.
func (p *Payload) NumCaps() int {
	return len(p.caps)
}

// Cap returns a new handle to the capability an interface pointer references.
// The caller must release it. A null capability gives a nil client.
func (p *Payload) Cap(iface capnp.Interface) (*Client, error) {
	c, err := p.capAt(iface)
	if err != nil {
		return nil, err
	}

	return c.AddRef(), nil
}

// ContentCap is Cap on the content pointer.
func (p *Payload) ContentCap() (*Client, error) {
	if !p.content.IsValid() {
		return nil, ErrNotACapability
	}

	return p.Cap(p.content.Interface())
}

// PtrCap reads pointer field i of the content struct as a capability.
func (p *Payload) PtrCap(i uint16) (*Client, error) {
	ptr, err := p.content.Struct().Ptr(i)
	if err != nil {
		return nil, err
	}

	if !ptr.IsValid() {
		return nil, nil
	}

	return p.Cap(ptr.Interface())
}

func (p *Payload) capAt(iface capnp.Interface) (*Client, error) {
	if !iface.IsValid() {
		return nil, ErrNotACapability
	}

	idx := int(iface.Capability())
	if idx >= len(p.caps) {
		return nil, fmt.Errorf("capability index %d out of range of %d", idx, len(p.caps))
	}

	return p.caps[idx], nil
}

// transform walks the pointer fields in ops and returns the borrowed client found there.
func (p *Payload) transform(ops []capnp.PipelineOp) (*Client, error) {
	ptr, err := capnp.Transform(p.content, ops)
	if err != nil {
		return nil, err
	}

	if !ptr.IsValid() {
		return nil, nil
	}

	return p.capAt(ptr.Interface())
}

// copyContentTo duplicates content into dst. Payloads carrying capabilities cannot be copied,
// as their interface pointers are only meaningful alongside their own capability list.
func (p *Payload) copyContentTo(dst *Payload) error {
	if len(p.caps) > 0 {
		return ErrCrossConnCaps
	}

	if !p.content.IsValid() {
		return nil
	}

	return dst.SetContent(p.content)
}

// Release drops the capability references and the backing message. Later calls do nothing.
func (p *Payload) Release() {
	if p == nil || p.released {
		return
	}
	p.released = true

	for _, c := range p.caps {
		c.Release()
	}
	p.caps = nil

	if p.release != nil {
		p.release()
	}
}
