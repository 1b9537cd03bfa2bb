package conn

import (
	"bufio"
	"io"
	"time"
)

// MetaConn is the deadline-capable part of a net.Conn, which transports use to bound writes.
type MetaConn interface {
	io.Closer
	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Buffered is a hijacked connection whose reader may already hold bytes that were read
// ahead by an HTTP server. Reads go through the reader, writes go straight to the connection.
type Buffered struct {
	MetaConn
	r io.Reader
	w io.Writer
}

// Wrap combines a hijacked connection with its read-ahead buffer.
//
// If br is nil, reads go to the connection directly.
func Wrap(mc MetaConn, rw io.ReadWriter, br *bufio.Reader) *Buffered {
	b := &Buffered{MetaConn: mc, r: rw, w: rw}

	if br != nil {
		b.r = br
	}

	return b
}

func (b *Buffered) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *Buffered) Write(p []byte) (int, error) {
	return b.w.Write(p)
}
