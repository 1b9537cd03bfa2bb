package ez

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go4.org/netipx"
	"golang.org/x/sync/errgroup"

	"github.com/edup2p/caprpc/rpc"
	"github.com/edup2p/caprpc/types"
	"github.com/edup2p/caprpc/types/conn"
	"github.com/edup2p/caprpc/types/dial"
	"github.com/edup2p/caprpc/types/transport"
)

// ErrNotAllowed is returned for peers outside the allowed prefixes.
var ErrNotAllowed = errors.New("peer not allowed")

// Server accepts connections and serves a set of named root objects on each of them.
type Server struct {
	opts  ServerOptions
	allow *netipx.IPSet
	roots *rpc.RootMap

	bootstrap *rpc.Client

	mu    sync.Mutex
	conns map[*rpc.Conn]netip.AddrPort

	upgrader websocket.Upgrader
}

func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = &ServerOptions{}
	}
	o := *opts
	o.SetDefaults()

	allow, err := o.allowSet()
	if err != nil {
		return nil, fmt.Errorf("invalid allow list: %w", err)
	}

	return &Server{
		opts:  o,
		allow: allow,
		roots: rpc.NewRootMap(),
		conns: make(map[*rpc.Conn]netip.AddrPort),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Protocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) Logger() *slog.Logger {
	return s.opts.Logger.With("component", "ez-server")
}

func (s *Server) L() *slog.Logger {
	return s.Logger()
}

// Register serves srv under name on every connection, replacing whatever had that name.
func (s *Server) Register(name string, srv rpc.Server) {
	s.RegisterClient(name, rpc.NewLocalClient(srv))
}

// RegisterClient is Register for an existing capability. The server takes ownership of c.
func (s *Server) RegisterClient(name string, c *rpc.Client) {
	s.roots.Set(name, c)
	s.L().Debug("registered root object", "name", name, "client", c)
}

func (s *Server) Unregister(name string) bool {
	return s.roots.Remove(name)
}

func (s *Server) Names() []string {
	return s.roots.Names()
}

// SetBootstrap picks what plain bootstrap requests get on connections accepted from now on.
func (s *Server) SetBootstrap(srv rpc.Server) {
	c := rpc.NewLocalClient(srv)

	s.mu.Lock()
	old := s.bootstrap
	s.bootstrap = c
	s.mu.Unlock()

	old.Release()
}

// NumConns is the number of connections currently being served.
func (s *Server) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) allowed(ap netip.AddrPort) bool {
	return s.allow == nil || s.allow.Contains(types.NormaliseAddr(ap.Addr()))
}

// NewConn starts serving on t, refusing peers outside the allowed prefixes. The server owns t.
func (s *Server) NewConn(t transport.Transport, remote netip.AddrPort) (*rpc.Conn, error) {
	if !s.allowed(remote) {
		_ = t.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, remote)
	}

	s.mu.Lock()
	boot := s.bootstrap.AddRef()
	s.mu.Unlock()

	c := rpc.NewConn(t, &rpc.Options{
		BootstrapClient: boot,
		Resolver:        s.roots,
		Logger:          s.opts.Logger.With("peer", remote.String()),
		Metrics:         s.opts.Metrics,
	})

	s.mu.Lock()
	s.conns[c] = remote
	s.mu.Unlock()

	go func() {
		<-c.Done()

		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	s.L().Info("peer connected", "peer", remote, "conn", c.ID())

	return c, nil
}

// ServeConn serves t until the connection ends or ctx is done.
func (s *Server) ServeConn(ctx context.Context, t transport.Transport, remote netip.AddrPort) error {
	c, err := s.NewConn(t, remote)
	if err != nil {
		return err
	}

	select {
	case <-c.Done():
	case <-ctx.Done():
		_ = c.Close()
	}

	return c.Err()
}

// Accept takes over a connection upgraded by the handler from HTTPHandler.
func (s *Server) Accept(ctx context.Context, mc conn.MetaConn, brw *bufio.ReadWriter, remote netip.AddrPort) error {
	rw, ok := mc.(io.ReadWriter)
	if !ok {
		return fmt.Errorf("upgraded connection %T cannot be read from", mc)
	}

	return s.ServeConn(ctx, transport.NewStream(conn.Wrap(mc, rw, brw.Reader), s.opts.Stream), remote)
}

// HTTPHandler serves raw capnp streams on HTTP connections upgraded to Protocol.
func (s *Server) HTTPHandler() http.Handler {
	return dial.HTTPHandler(s, Protocol)
}

// WebsocketHandler serves rpc over websockets negotiating the Protocol subprotocol.
func (s *Server) WebsocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remote, _ := netip.ParseAddrPort(r.RemoteAddr)
		if !s.allowed(remote) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.L().Warn("websocket upgrade failed", "err", err, "peer", r.RemoteAddr)
			return
		}

		if ws.Subprotocol() != Protocol {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseProtocolError, "expected subprotocol "+Protocol), time.Now().Add(time.Second))
			_ = ws.Close()
			return
		}

		// The request context is canceled once the handler returns, which happens right away
		err = s.ServeConn(context.Background(), transport.NewWebsocket(ws, s.opts.Stream), remote)
		s.L().Info("websocket peer exited", "reason", err, "peer", r.RemoteAddr)
	})
}

// Serve accepts connections on every listener until ctx is done or one of them fails.
func (s *Server) Serve(ctx context.Context, listeners ...net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, l := range listeners {
		a := &Acceptor{s: s, l: l}

		g.Go(func() error {
			<-ctx.Done()
			return a.Close()
		})

		g.Go(func() error {
			return a.serve(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return ctx.Err()
	}
	return err
}

// Close ends every connection and drops the registered objects.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*rpc.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	boot := s.bootstrap
	s.bootstrap = nil
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	boot.Release()
	s.roots.Release()
}
