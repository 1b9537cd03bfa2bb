package dial

import (
	"context"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

// Websocket dials opts and performs a websocket handshake, offering subprotocol.
func Websocket(ctx context.Context, opts Opts, subprotocol string) (*websocket.Conn, error) {
	opts.SetDefaults()
	opts.setHTTPPort()

	d := websocket.Dialer{
		HandshakeTimeout: opts.EstablishTimeout,
		Subprotocols:     []string{subprotocol},
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return TCP(ctx, opts)
		},
	}

	scheme := "ws"
	if opts.TLS {
		scheme = "wss"
		d.TLSClientConfig = tlsConfig(opts)
	}

	ws, resp, err := d.DialContext(ctx, UpgradeURL(opts, scheme), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	return ws, nil
}
