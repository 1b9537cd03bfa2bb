package dial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/edup2p/caprpc/types/conn"
)

// ProtocolServer takes over hijacked HTTP connections once they have been upgraded.
type ProtocolServer interface {
	Logger() *slog.Logger
	Accept(ctx context.Context, mc conn.MetaConn, brw *bufio.ReadWriter, remoteAddrPort netip.AddrPort) error
}

const keepAlivePeriod = 11 * time.Second

var errNoHijack = errors.New("HTTP server does not support connection hijacking")

// HTTPHandler upgrades requests asking for proto, and hands the raw stream to s.
func HTTPHandler(s ProtocolServer, proto string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := s.Logger().With("peer", r.RemoteAddr)

		if up := strings.ToLower(r.Header.Get("Upgrade")); up != proto {
			if up != "" {
				log.Warn("odd upgrade requested", "upgrade", up)
			}
			http.Error(w, "capnp rpc requires correct protocol upgrade", http.StatusUpgradeRequired)
			return
		}

		netConn, brw, err := hijack(w, proto)
		if err != nil {
			log.Warn("upgrade failed", "err", err)
			if errors.Is(err, errNoHijack) {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}

		defer func() {
			if err := netConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				log.Debug("error when closing netconn", "err", err)
			}
		}()

		remote, _ := netip.ParseAddrPort(netConn.RemoteAddr().String())

		// The request context cannot be used after hijacking, see https://github.com/golang/go/issues/32314
		err = s.Accept(context.Background(), netConn, brw, remote)

		log.Info("client exited", "reason", err)
	})
}

// hijack takes the connection from w and completes the 101 handshake on it.
func hijack(w http.ResponseWriter, proto string) (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, errNoHijack
	}

	netConn, brw, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errNoHijack, err)
	}

	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		err = errors.Join(tcpConn.SetKeepAlive(true), tcpConn.SetKeepAlivePeriod(keepAlivePeriod))
		if err != nil {
			slog.Debug("could not set keepalive on upgraded conn", "err", err)
		}
	}

	if _, err := fmt.Fprintf(brw, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: %s\r\nConnection: Upgrade\r\n\r\n", proto); err != nil {
		_ = netConn.Close()
		return nil, nil, fmt.Errorf("writing 101 response: %w", err)
	}

	if err := brw.Flush(); err != nil {
		_ = netConn.Close()
		return nil, nil, fmt.Errorf("flushing 101 response: %w", err)
	}

	return netConn, brw, nil
}
