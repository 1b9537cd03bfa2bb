package dial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/edup2p/caprpc/types/conn"
)

// UpgradeURL builds the URL for an HTTP upgrade request against opts.
func UpgradeURL(opts Opts, scheme string) string {
	u := url.URL{
		Scheme: scheme,
		Host:   opts.Host(),
		Path:   opts.Path,
	}

	return u.String()
}

// HTTP dials opts, performs an HTTP/1.1 upgrade to protocol, and hands the hijacked stream to makeClient.
func HTTP[T any](ctx context.Context, opts Opts, protocol string, makeClient func(parentCtx context.Context, mc conn.MetaConn, brw *bufio.ReadWriter, opts Opts) (*T, error)) (*T, error) {
	opts.SetDefaults()
	opts.setHTTPPort()

	netConn, err := WithTLS(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	scheme := "http"
	if opts.TLS {
		scheme = "https"
	}

	brw := bufio.NewReadWriter(bufio.NewReader(netConn), bufio.NewWriter(netConn))

	req, err := http.NewRequestWithContext(ctx, "GET", UpgradeURL(opts, scheme), nil)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("could not create http request: %w", err)
	}
	req.Header.Set("Upgrade", protocol)
	req.Header.Set("Connection", "Upgrade")

	if err := req.Write(brw); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("could not write http request: %w", err)
	}
	if err := brw.Flush(); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("could not flush http request: %w", err)
	}

	_ = netConn.SetReadDeadline(time.Now().Add(opts.EstablishTimeout))
	resp, err := http.ReadResponse(brw.Reader, req)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("could not read http response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		_ = netConn.Close()
		return nil, fmt.Errorf("GET did not result in 101 response code: %d \"%s\"", resp.StatusCode, b)
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// At this point, we're speaking the protocol with the server.

	c, err := makeClient(ctx, netConn, brw, opts)

	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("failed to establish client: %w", err)
	}

	return c, nil
}
