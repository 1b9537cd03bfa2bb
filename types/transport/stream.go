package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"

	"github.com/edup2p/caprpc/types/conn"
)

const (
	// DefaultMaxMessageSize bounds a single incoming message.
	DefaultMaxMessageSize uint64 = 32 << 20

	DefaultWriteTimeout = time.Second * 30
)

type StreamOpts struct {
	// Packed selects the packed capnp encoding instead of the plain segment framing.
	Packed bool

	// MaxMessageSize bounds a single incoming message, DefaultMaxMessageSize if zero.
	MaxMessageSize uint64

	// WriteTimeout bounds a single Send when the stream supports deadlines.
	// DefaultWriteTimeout if zero, negative disables it.
	WriteTimeout time.Duration
}

func (o *StreamOpts) SetDefaults() {
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}

	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
}

// Stream frames capnp messages over a byte stream, such as a TCP connection or a hijacked HTTP connection.
type Stream struct {
	rwc io.ReadWriteCloser
	mc  conn.MetaConn

	writeTimeout time.Duration

	enc *capnp.Encoder
	bw  *bufio.Writer
	dec *capnp.Decoder

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStream creates a Stream over rwc. If rwc also implements conn.MetaConn, sends get a write deadline.
func NewStream(rwc io.ReadWriteCloser, opts StreamOpts) *Stream {
	opts.SetDefaults()

	s := &Stream{
		rwc:          rwc,
		writeTimeout: opts.WriteTimeout,
		bw:           bufio.NewWriter(rwc),
	}

	if mc, ok := rwc.(conn.MetaConn); ok {
		s.mc = mc
	}

	br := bufio.NewReader(rwc)

	if opts.Packed {
		s.enc = capnp.NewPackedEncoder(s.bw)
		s.dec = capnp.NewPackedDecoder(br)
	} else {
		s.enc = capnp.NewEncoder(s.bw)
		s.dec = capnp.NewDecoder(br)
	}
	s.dec.MaxMessageSize = opts.MaxMessageSize

	return s
}

func (s *Stream) NewMessage() (rpccp.Message, error) {
	return newMessage()
}

func (s *Stream) Send(m rpccp.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if s.mc != nil && s.writeTimeout > 0 {
		if err := s.mc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("could not set write deadline: %w", err)
		}
	}

	if err := s.enc.Encode(m.Message()); err != nil {
		return s.wrap(fmt.Errorf("could not encode message: %w", err))
	}

	if err := s.bw.Flush(); err != nil {
		return s.wrap(fmt.Errorf("could not flush message: %w", err))
	}

	return nil
}

func (s *Stream) Recv() (rpccp.Message, error) {
	msg, err := s.dec.Decode()
	if err != nil {
		return rpccp.Message{}, s.wrap(err)
	}

	m, err := rpccp.ReadRootMessage(msg)
	if err != nil {
		msg.Release()
		return rpccp.Message{}, fmt.Errorf("could not read rpc message: %w", err)
	}

	return m, nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.rwc.Close()
	})

	return s.closeErr
}

// wrap turns errors caused by a local Close into ErrClosed.
func (s *Stream) wrap(err error) error {
	if s.closed.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
