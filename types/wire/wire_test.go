package wire

import (
	"testing"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessage(t *testing.T) rpccp.Message {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	require.NoError(t, err)
	t.Cleanup(msg.Release)

	m, err := rpccp.NewRootMessage(seg)
	require.NoError(t, err)

	return m
}

func TestTarget(t *testing.T) {
	tests := []struct {
		name string
		tgt  Target
	}{
		{"imported", Target{ImportedCap: 12}},
		{"promised", Target{Promised: true, QuestionID: 3}},
		{"promised with transform", Target{Promised: true, QuestionID: 4, Transform: []capnp.PipelineOp{{Field: 1}, {Field: 0}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := newMessage(t).NewCall()
			require.NoError(t, err)

			mt, err := call.NewTarget()
			require.NoError(t, err)
			require.NoError(t, WriteTarget(mt, tt.tgt))

			got, err := ReadTarget(mt)
			require.NoError(t, err)
			assert.Equal(t, tt.tgt, got)
		})
	}
}

func TestDescriptors(t *testing.T) {
	call, err := newMessage(t).NewCall()
	require.NoError(t, err)
	p, err := call.NewParams()
	require.NoError(t, err)

	descs := []Descriptor{
		{Kind: DescNone},
		{Kind: DescSenderHosted, ID: 1},
		{Kind: DescSenderPromise, ID: 2},
		{Kind: DescReceiverHosted, ID: 3},
		{Kind: DescReceiverAnswer, ID: 4, Transform: []capnp.PipelineOp{{Field: 2}}},
	}

	require.NoError(t, WriteDescriptors(p, descs))

	got, err := ReadDescriptors(p)
	require.NoError(t, err)
	assert.Equal(t, descs, got)
}

func TestNoDescriptors(t *testing.T) {
	call, err := newMessage(t).NewCall()
	require.NoError(t, err)
	p, err := call.NewParams()
	require.NoError(t, err)

	require.NoError(t, WriteDescriptors(p, nil))

	got, err := ReadDescriptors(p)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestThirdPartyRejected(t *testing.T) {
	call, err := newMessage(t).NewCall()
	require.NoError(t, err)
	p, err := call.NewParams()
	require.NoError(t, err)

	ptab, err := p.NewCapTable(1)
	require.NoError(t, err)
	_, err = ptab.At(0).NewThirdPartyHosted()
	require.NoError(t, err)

	_, err = ReadDescriptors(p)
	assert.ErrorIs(t, err, ErrThirdParty)
}

func TestRestoreName(t *testing.T) {
	for _, name := range []string{"", "foo", "some/longer name"} {
		m := newMessage(t)
		require.NoError(t, BuildRestore(m, 9, name))

		bs, err := m.Bootstrap()
		require.NoError(t, err)
		assert.Equal(t, uint32(9), bs.QuestionId())

		got, err := ReadRestoreName(bs)
		require.NoError(t, err)
		assert.Equal(t, name, got)
	}
}

func TestBuilders(t *testing.T) {
	m := newMessage(t)
	require.NoError(t, BuildFinish(m, 5))
	assert.Equal(t, "finish", Kind(m))
	fin, err := m.Finish()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), fin.QuestionId())
	assert.False(t, fin.ReleaseResultCaps())

	m = newMessage(t)
	require.NoError(t, BuildAbort(m, rpccp.Exception_Type_disconnected, "bye"))
	ab, err := m.Abort()
	require.NoError(t, err)
	assert.Equal(t, rpccp.Exception_Type_disconnected, ab.Type())
	reason, err := ab.Reason()
	require.NoError(t, err)
	assert.Equal(t, "bye", reason)

	in := newMessage(t)
	require.NoError(t, BuildRelease(in, 1, 2))

	m = newMessage(t)
	require.NoError(t, BuildUnimplemented(m, in))
	echoed, err := m.Unimplemented()
	require.NoError(t, err)
	assert.Equal(t, rpccp.Message_Which_release, echoed.Which())
}
