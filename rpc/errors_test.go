package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExceptionMatchesSentinels(t *testing.T) {
	ex := &Exception{Type: Disconnected, Reason: "peer went away"}
	assert.True(t, IsDisconnected(ex))
	assert.Equal(t, "disconnected: peer went away", ex.Error())

	remote := toException(unknownObject("foo"))
	assert.Equal(t, Failed, remote.Type)
	assert.True(t, IsUnknownObject(remote), "unknown object should survive the wire, got %q", remote.Reason)

	canceled := toException(fmt.Errorf("%w: %w", ErrCanceled, context.Canceled))
	assert.ErrorIs(t, canceled, ErrCanceled)

	assert.True(t, IsUnimplemented(Unimplementedf("nope")))
	assert.False(t, IsUnimplemented(Errorf("nope")))
}

func TestToException(t *testing.T) {
	assert.Equal(t, &Exception{Type: Overloaded, Reason: "busy"},
		toException(fmt.Errorf("wrapped: %w", &Exception{Type: Overloaded, Reason: "busy"})))

	assert.Equal(t, Disconnected, toException(disconnected(errors.New("eof"))).Type)
	assert.Equal(t, &Exception{Type: Failed, Reason: "plain"}, toException(errors.New("plain")))
}

func TestExceptionTypeWire(t *testing.T) {
	for _, typ := range []ExceptionType{Failed, Overloaded, Disconnected, Unimplemented} {
		assert.Equal(t, typ, exceptionTypeFromWire(typ.wire()))
	}
}

func TestDisconnectedWrapsOnce(t *testing.T) {
	err := disconnected(nil)
	assert.Equal(t, ErrDisconnected, err)

	cause := errors.New("read failed")
	err = disconnected(cause)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, err, disconnected(err))

	v := violation("bad id %d", 3)
	assert.True(t, IsProtocolViolation(v))
	assert.EqualError(t, v, "protocol violation: bad id 3")
}
