package wire

import (
	"fmt"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// objectIDSize is the layout of the object id sent with a named bootstrap: a struct with one text pointer.
var objectIDSize = capnp.ObjectSize{PointerCount: 1}

func BuildFinish(m rpccp.Message, qid uint32) error {
	fin, err := m.NewFinish()
	if err != nil {
		return err
	}
	fin.SetQuestionId(qid)
	fin.SetReleaseResultCaps(false)

	return nil
}

func BuildRelease(m rpccp.Message, id, count uint32) error {
	rel, err := m.NewRelease()
	if err != nil {
		return err
	}
	rel.SetId(id)
	rel.SetReferenceCount(count)

	return nil
}

func BuildAbort(m rpccp.Message, typ rpccp.Exception_Type, reason string) error {
	abort, err := m.NewAbort()
	if err != nil {
		return err
	}
	abort.SetType(typ)

	return abort.SetReason(reason)
}

// BuildRestore writes a bootstrap request. A non-empty name asks for a named root object.
func BuildRestore(m rpccp.Message, qid uint32, name string) error {
	bs, err := m.NewBootstrap()
	if err != nil {
		return err
	}
	bs.SetQuestionId(qid)

	if name == "" {
		return nil
	}

	oid, err := capnp.NewStruct(bs.Segment(), objectIDSize)
	if err != nil {
		return err
	}
	if err := oid.SetText(0, name); err != nil {
		return err
	}

	return bs.SetDeprecatedObjectId(oid.ToPtr())
}

// ReadRestoreName returns the requested root object name, or "" for a plain bootstrap.
func ReadRestoreName(bs rpccp.Bootstrap) (string, error) {
	ptr, err := bs.DeprecatedObjectId()
	if err != nil {
		return "", fmt.Errorf("read object id: %w", err)
	}

	if !ptr.IsValid() {
		return "", nil
	}

	name, err := ptr.Struct().Ptr(0)
	if err != nil {
		return "", fmt.Errorf("read object name: %w", err)
	}

	return name.Text(), nil
}

func BuildException(e rpccp.Exception, typ rpccp.Exception_Type, reason string) error {
	e.SetType(typ)

	return e.SetReason(reason)
}

// BuildUnimplemented echoes in back to the sender as unimplemented.
func BuildUnimplemented(m rpccp.Message, in rpccp.Message) error {
	return m.SetUnimplemented(in)
}
