package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

var (
	// ErrDisconnected is wrapped by every error caused by the connection going away.
	ErrDisconnected = errors.New("disconnected")

	// ErrProtocolViolation is wrapped by errors caused by the peer sending something invalid.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnknownObject is returned when a named root object does not exist.
	ErrUnknownObject = errors.New("unknown object")

	// ErrReleased is returned when calling through a client handle that was already released.
	ErrReleased = errors.New("capability released")

	// ErrNullCapability is returned when calling a null capability.
	ErrNullCapability = errors.New("call on null capability")

	ErrNotACapability = errors.New("pointer is not a capability")

	ErrCanceled = errors.New("call canceled")

	// ErrCrossConnCaps is returned when forwarding a call between connections would need to carry capabilities.
	ErrCrossConnCaps = errors.New("cannot forward capabilities between connections")
)

type ExceptionType uint8

const (
	Failed ExceptionType = iota
	Overloaded
	Disconnected
	Unimplemented
)

func (t ExceptionType) String() string {
	switch t {
	case Failed:
		return "failed"
	case Overloaded:
		return "overloaded"
	case Disconnected:
		return "disconnected"
	case Unimplemented:
		return "unimplemented"
	default:
		return fmt.Sprintf("ExceptionType(%d)", uint8(t))
	}
}

// Exception is a failure carried in a Return, or produced by a server.
type Exception struct {
	Type   ExceptionType
	Reason string
}

func (e *Exception) Error() string {
	if e.Type == Failed {
		return e.Reason
	}
	return e.Type.String() + ": " + e.Reason
}

// Is lets errors.Is match exceptions that crossed the wire against the local sentinels.
func (e *Exception) Is(target error) bool {
	switch target {
	case ErrDisconnected:
		return e.Type == Disconnected
	case ErrUnknownObject:
		return strings.HasPrefix(e.Reason, ErrUnknownObject.Error())
	case ErrCanceled:
		return strings.HasPrefix(e.Reason, ErrCanceled.Error())
	}

	if t, ok := target.(*Exception); ok {
		return *t == *e
	}

	return false
}

// Errorf creates a failed exception.
func Errorf(format string, args ...any) *Exception {
	return &Exception{Type: Failed, Reason: fmt.Sprintf(format, args...)}
}

// Unimplementedf creates an unimplemented exception.
func Unimplementedf(format string, args ...any) *Exception {
	return &Exception{Type: Unimplemented, Reason: fmt.Sprintf(format, args...)}
}

func IsDisconnected(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}

func IsUnknownObject(err error) bool {
	return errors.Is(err, ErrUnknownObject)
}

func IsUnimplemented(err error) bool {
	var e *Exception
	return errors.As(err, &e) && e.Type == Unimplemented
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

func disconnected(cause error) error {
	switch {
	case cause == nil:
		return ErrDisconnected
	case errors.Is(cause, ErrDisconnected):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}
}

func unknownObject(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownObject, name)
}

// toException maps any error to what is sent back to a peer.
func toException(err error) *Exception {
	var e *Exception
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, ErrDisconnected):
		return &Exception{Type: Disconnected, Reason: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCanceled):
		return &Exception{Type: Failed, Reason: ErrCanceled.Error()}
	default:
		return &Exception{Type: Failed, Reason: err.Error()}
	}
}

func (t ExceptionType) wire() rpccp.Exception_Type {
	switch t {
	case Overloaded:
		return rpccp.Exception_Type_overloaded
	case Disconnected:
		return rpccp.Exception_Type_disconnected
	case Unimplemented:
		return rpccp.Exception_Type_unimplemented
	default:
		return rpccp.Exception_Type_failed
	}
}

func exceptionTypeFromWire(t rpccp.Exception_Type) ExceptionType {
	switch t {
	case rpccp.Exception_Type_overloaded:
		return Overloaded
	case rpccp.Exception_Type_disconnected:
		return Disconnected
	case rpccp.Exception_Type_unimplemented:
		return Unimplemented
	default:
		return Failed
	}
}

func readException(e rpccp.Exception) (*Exception, error) {
	reason, err := e.Reason()
	if err != nil {
		return nil, err
	}

	return &Exception{Type: exceptionTypeFromWire(e.Type()), Reason: reason}, nil
}
