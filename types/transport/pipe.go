package transport

import "net"

// Pipe returns two connected in-memory transports.
func Pipe() (*Stream, *Stream) {
	a, b := net.Pipe()

	return NewStream(a, StreamOpts{}), NewStream(b, StreamOpts{})
}
