// Package ez sets up rpc connections by address, for programs that do not need to manage transports themselves.
package ez

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/edup2p/caprpc/rpc"
	"github.com/edup2p/caprpc/types/conn"
	"github.com/edup2p/caprpc/types/dial"
	"github.com/edup2p/caprpc/types/sturdy"
	"github.com/edup2p/caprpc/types/transport"
)

// Client is a connection dialed to a sturdy ref.
type Client struct {
	ref  sturdy.Ref
	conn *rpc.Conn
}

// Dial connects to addr, a sturdy ref or a plain "host:port".
func Dial(ctx context.Context, addr string, opts *Options) (*Client, error) {
	ref, err := sturdy.Parse(addr)
	if err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	o.SetDefaults()

	t, err := dialTransport(ctx, ref, o.Stream)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", ref, err)
	}

	c := rpc.NewConn(t, &rpc.Options{
		Logger:  o.Logger.With("peer", ref.String()),
		Metrics: o.Metrics,
	})

	return &Client{ref: ref, conn: c}, nil
}

func dialTransport(ctx context.Context, ref sturdy.Ref, sopts transport.StreamOpts) (transport.Transport, error) {
	opts := ref.Opts()

	switch ref.Scheme {
	case sturdy.SchemeTCP, sturdy.SchemeTLS:
		nc, err := dial.WithTLS(ctx, opts)
		if err != nil {
			return nil, err
		}
		return transport.NewStream(nc, sopts), nil
	case sturdy.SchemeHTTP, sturdy.SchemeHTTPS:
		s, err := dial.HTTP(ctx, opts, Protocol, func(_ context.Context, mc conn.MetaConn, brw *bufio.ReadWriter, _ dial.Opts) (*transport.Stream, error) {
			rw, ok := mc.(io.ReadWriter)
			if !ok {
				return nil, fmt.Errorf("upgraded connection %T cannot be read from", mc)
			}
			return transport.NewStream(conn.Wrap(mc, rw, brw.Reader), sopts), nil
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case sturdy.SchemeWS, sturdy.SchemeWSS:
		ws, err := dial.Websocket(ctx, opts, Protocol)
		if err != nil {
			return nil, err
		}
		return transport.NewWebsocket(ws, sopts), nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q", ref.Scheme)
	}
}

func (c *Client) Ref() sturdy.Ref {
	return c.ref
}

func (c *Client) Conn() *rpc.Conn {
	return c.conn
}

// ImportCap restores name on the peer. The caller must release the returned client.
func (c *Client) ImportCap(ctx context.Context, name string) (*rpc.Client, error) {
	return c.conn.ImportCap(ctx, name)
}

// Restore imports the object named by the ref that was dialed.
func (c *Client) Restore(ctx context.Context) (*rpc.Client, error) {
	return c.ImportCap(ctx, c.ref.Name)
}

// NewClient exports srv on the connection, so it can be handed to the peer.
func (c *Client) NewClient(srv rpc.Server) (*rpc.Client, rpc.ExportID, error) {
	return c.conn.NewLocalServer(srv)
}

// Close shuts the connection down. Every capability imported through it stops working.
func (c *Client) Close() error {
	return c.conn.Close()
}
