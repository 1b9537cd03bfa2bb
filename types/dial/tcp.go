package dial

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// WithTLS dials the stream for opts, wrapping it in TLS when opts.TLS is set.
func WithTLS(ctx context.Context, opts Opts) (net.Conn, error) {
	netConn, err := TCP(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}

	if opts.TLS {
		netConn = TLS(netConn, opts)
	}

	return netConn, nil
}

func TLS(conn net.Conn, opts Opts) *tls.Conn {
	return tls.Client(conn, tlsConfig(opts))
}

// tlsConfig picks the name to verify the peer certificate against.
// A bare address is verified against the certificate's IP SANs.
func tlsConfig(opts Opts) *tls.Config {
	cfg := new(tls.Config)

	switch {
	case opts.ExpectCertCN != "":
		cfg.ServerName = opts.ExpectCertCN
	case opts.Domain != "":
		cfg.ServerName = opts.Domain
	case len(opts.Addrs) > 0:
		cfg.ServerName = opts.Addrs[0].String()
	}

	return cfg
}

// TCP resolves opts and races a dial to every candidate address, returning the first that connects.
func TCP(ctx context.Context, opts Opts) (net.Conn, error) {
	opts.SetDefaults()

	if opts.Port == 0 {
		opts.Port = DefaultPort
	}

	targets, err := resolve(ctx, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	return race(ctx, targets)
}

func resolve(ctx context.Context, opts Opts) ([]netip.AddrPort, error) {
	addrs := opts.Addrs

	if len(addrs) == 0 {
		var err error
		addrs, err = net.DefaultResolver.LookupNetIP(ctx, "ip", opts.Domain)
		if err != nil {
			return nil, fmt.Errorf("failed to lookup %s: %w", opts.Domain, err)
		}

		if len(addrs) == 0 {
			return nil, fmt.Errorf("DNS for %s returned no IP addresses", opts.Domain)
		}
	}

	targets := make([]netip.AddrPort, len(addrs))
	for i, addr := range addrs {
		targets[i] = netip.AddrPortFrom(addr, opts.Port)
	}

	return targets, nil
}

type dialResult struct {
	conn net.Conn
	err  error
}

func race(ctx context.Context, targets []netip.AddrPort) (net.Conn, error) {
	// Buffered, so losers never block after we returned.
	results := make(chan dialResult, len(targets))

	var d net.Dialer
	d.KeepAlive = time.Second * 10

	for _, ap := range targets {
		ap := ap
		go func() {
			conn, err := d.DialContext(ctx, "tcp", ap.String())
			results <- dialResult{conn: conn, err: err}
		}()
	}

	var errs []error

	for i := range targets {
		res := <-results

		if res.err != nil {
			errs = append(errs, res.err)
			continue
		}

		// The caller cancels ctx on return, which aborts the rest.
		closeLosers(results, len(targets)-i-1)
		return res.conn, nil
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("dial timeout: %w", errors.Join(errs...))
	}

	return nil, fmt.Errorf("dial failure: %w", errors.Join(errs...))
}

// closeLosers drains pending dial results in the background, closing any conn that also connected.
func closeLosers(results <-chan dialResult, pending int) {
	if pending == 0 {
		return
	}

	go func() {
		for i := 0; i < pending; i++ {
			res := <-results
			if res.conn == nil {
				continue
			}

			if err := res.conn.Close(); err != nil {
				slog.Error("failed to close tcp connection while multi-dialing", "err", err)
			}
		}
	}()
}
