package ez

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/edup2p/caprpc/rpc"
	"github.com/edup2p/caprpc/types/transport"
)

// Acceptor turns the connections of a listener into rpc connections served by a Server.
type Acceptor struct {
	s *Server
	l net.Listener
}

// Listen opens a TCP listener on addr, such as ":4000".
func (s *Server) Listen(addr string) (*Acceptor, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen on %s: %w", addr, err)
	}

	return &Acceptor{s: s, l: l}, nil
}

func (a *Acceptor) Addr() net.Addr {
	return a.l.Addr()
}

// Accept waits for the next allowed peer and starts serving it.
func (a *Acceptor) Accept() (*rpc.Conn, error) {
	for {
		nc, err := a.l.Accept()
		if err != nil {
			return nil, err
		}

		remote, _ := netip.ParseAddrPort(nc.RemoteAddr().String())

		c, err := a.s.NewConn(transport.NewStream(nc, a.s.opts.Stream), remote)
		if errors.Is(err, ErrNotAllowed) {
			a.s.L().Warn("refused peer", "peer", remote)
			continue
		} else if err != nil {
			return nil, err
		}

		return c, nil
	}
}

func (a *Acceptor) Close() error {
	return a.l.Close()
}

func (a *Acceptor) serve(ctx context.Context) error {
	for {
		c, err := a.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept on %s: %w", a.Addr(), err)
		}

		a.s.L().Debug("accepted", "conn", c.ID(), "listener", a.Addr())
	}
}
