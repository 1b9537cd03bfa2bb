// Package wire has helpers to read and write the rpc message structures of the capnp rpc schema.
package wire

import (
	"errors"
	"fmt"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// Kind is a short name of the message variant, used for logging and metrics.
func Kind(m rpccp.Message) string {
	return m.Which().String()
}

// Target is the decoded form of a rpccp.MessageTarget.
type Target struct {
	// Promised is true if the call targets the result of an earlier question.
	Promised bool

	ImportedCap uint32

	QuestionID uint32
	Transform  []capnp.PipelineOp
}

func ReadTarget(t rpccp.MessageTarget) (Target, error) {
	switch t.Which() {
	case rpccp.MessageTarget_Which_importedCap:
		return Target{ImportedCap: t.ImportedCap()}, nil
	case rpccp.MessageTarget_Which_promisedAnswer:
		pa, err := t.PromisedAnswer()
		if err != nil {
			return Target{}, fmt.Errorf("read promised answer: %w", err)
		}

		ops, err := ReadTransform(pa)
		if err != nil {
			return Target{}, err
		}

		return Target{Promised: true, QuestionID: pa.QuestionId(), Transform: ops}, nil
	default:
		return Target{}, fmt.Errorf("unknown message target %v", t.Which())
	}
}

func WriteTarget(t rpccp.MessageTarget, tgt Target) error {
	if !tgt.Promised {
		t.SetImportedCap(tgt.ImportedCap)
		return nil
	}

	pa, err := t.NewPromisedAnswer()
	if err != nil {
		return err
	}

	return WritePromisedAnswer(pa, tgt.QuestionID, tgt.Transform)
}

// ReadTransform decodes the pointer-field ops of a promised answer. Noop ops are skipped.
func ReadTransform(pa rpccp.PromisedAnswer) ([]capnp.PipelineOp, error) {
	l, err := pa.Transform()
	if err != nil {
		return nil, fmt.Errorf("read transform: %w", err)
	}

	var ops []capnp.PipelineOp
	for i := 0; i < l.Len(); i++ {
		op := l.At(i)
		switch op.Which() {
		case rpccp.PromisedAnswer_Op_Which_noop:
		case rpccp.PromisedAnswer_Op_Which_getPointerField:
			ops = append(ops, capnp.PipelineOp{Field: op.GetPointerField()})
		default:
			return nil, fmt.Errorf("transform element %d: unknown type %v", i, op.Which())
		}
	}

	return ops, nil
}

func WritePromisedAnswer(pa rpccp.PromisedAnswer, qid uint32, ops []capnp.PipelineOp) error {
	pa.SetQuestionId(qid)

	if len(ops) == 0 {
		return nil
	}

	l, err := pa.NewTransform(int32(len(ops)))
	if err != nil {
		return err
	}
	for i, op := range ops {
		l.At(i).SetGetPointerField(op.Field)
	}

	return nil
}

// DescriptorKind is how a capability is referenced in a cap table.
type DescriptorKind uint8

const (
	DescNone DescriptorKind = iota
	// DescSenderHosted is an export of the sender.
	DescSenderHosted
	// DescSenderPromise is an export of the sender that may later resolve. It is treated as DescSenderHosted.
	DescSenderPromise
	// DescReceiverHosted is an export of the receiver, reflected back.
	DescReceiverHosted
	// DescReceiverAnswer points into the results of a question the receiver has answered.
	DescReceiverAnswer
)

func (k DescriptorKind) String() string {
	switch k {
	case DescNone:
		return "none"
	case DescSenderHosted:
		return "senderHosted"
	case DescSenderPromise:
		return "senderPromise"
	case DescReceiverHosted:
		return "receiverHosted"
	case DescReceiverAnswer:
		return "receiverAnswer"
	default:
		return fmt.Sprintf("DescriptorKind(%d)", uint8(k))
	}
}

type Descriptor struct {
	Kind DescriptorKind

	// ID is the export or import id for the hosted kinds, and the question id for DescReceiverAnswer.
	ID        uint32
	Transform []capnp.PipelineOp
}

var ErrThirdParty = errors.New("third party capabilities are not supported")

func ReadDescriptors(p rpccp.Payload) ([]Descriptor, error) {
	ptab, err := p.CapTable()
	if err != nil {
		return nil, fmt.Errorf("read cap table: %w", err)
	}

	if ptab.Len() == 0 {
		return nil, nil
	}

	ds := make([]Descriptor, ptab.Len())
	for i := range ds {
		d := ptab.At(i)
		switch d.Which() {
		case rpccp.CapDescriptor_Which_none:
			ds[i] = Descriptor{Kind: DescNone}
		case rpccp.CapDescriptor_Which_senderHosted:
			ds[i] = Descriptor{Kind: DescSenderHosted, ID: d.SenderHosted()}
		case rpccp.CapDescriptor_Which_senderPromise:
			ds[i] = Descriptor{Kind: DescSenderPromise, ID: d.SenderPromise()}
		case rpccp.CapDescriptor_Which_receiverHosted:
			ds[i] = Descriptor{Kind: DescReceiverHosted, ID: d.ReceiverHosted()}
		case rpccp.CapDescriptor_Which_receiverAnswer:
			pa, err := d.ReceiverAnswer()
			if err != nil {
				return nil, fmt.Errorf("cap table entry %d: %w", i, err)
			}
			ops, err := ReadTransform(pa)
			if err != nil {
				return nil, fmt.Errorf("cap table entry %d: %w", i, err)
			}
			ds[i] = Descriptor{Kind: DescReceiverAnswer, ID: pa.QuestionId(), Transform: ops}
		case rpccp.CapDescriptor_Which_thirdPartyHosted:
			return nil, fmt.Errorf("cap table entry %d: %w", i, ErrThirdParty)
		default:
			return nil, fmt.Errorf("cap table entry %d: unknown type %v", i, d.Which())
		}
	}

	return ds, nil
}

func WriteDescriptors(p rpccp.Payload, ds []Descriptor) error {
	if len(ds) == 0 {
		return nil
	}

	ptab, err := p.NewCapTable(int32(len(ds)))
	if err != nil {
		return fmt.Errorf("alloc cap table: %w", err)
	}

	for i, desc := range ds {
		d := ptab.At(i)
		switch desc.Kind {
		case DescNone:
			d.SetNone()
		case DescSenderHosted:
			d.SetSenderHosted(desc.ID)
		case DescSenderPromise:
			d.SetSenderPromise(desc.ID)
		case DescReceiverHosted:
			d.SetReceiverHosted(desc.ID)
		case DescReceiverAnswer:
			pa, err := d.NewReceiverAnswer()
			if err != nil {
				return err
			}
			if err := WritePromisedAnswer(pa, desc.ID, desc.Transform); err != nil {
				return err
			}
		default:
			return fmt.Errorf("cap table entry %d: unknown kind %v", i, desc.Kind)
		}
	}

	return nil
}
