package dial

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

const (
	DefaultConnectTimeout   = time.Second * 30
	DefaultEstablishTimeout = time.Second * 15

	// DefaultPort is used for raw capnp streams when no port is given.
	DefaultPort uint16 = 4000
)

type Opts struct {
	Domain string

	// If non-empty, overrides DNS lookup from Domain
	Addrs []netip.Addr

	// If not set, will use DefaultPort for raw streams, 80 for HTTP, and 443 for TLS
	Port uint16

	// Establish the connection with TLS, turns HTTP into HTTPS.
	TLS bool

	// If non-empty, sends this string in SNI, and checks the certificate common name against it.
	//
	// Only works if TLS is true.
	ExpectCertCN string

	// Path used for HTTP upgrades and websocket requests, "/capnp" if empty.
	Path string

	// If nil, uses default of 30 seconds
	ConnectTimeout time.Duration

	// If nil, uses default of 15 seconds
	EstablishTimeout time.Duration
}

func (opts *Opts) SetDefaults() {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	if opts.EstablishTimeout == 0 {
		opts.EstablishTimeout = DefaultEstablishTimeout
	}

	if opts.Path == "" {
		opts.Path = "/capnp"
	}
}

func (opts *Opts) setHTTPPort() {
	if opts.Port == 0 {
		if opts.TLS {
			opts.Port = 443
		} else {
			opts.Port = 80
		}
	}
}

// Host returns the host:port this dial targets, preferring the domain over a forced address.
func (opts *Opts) Host() string {
	host := opts.Domain
	if host == "" && len(opts.Addrs) > 0 {
		host = opts.Addrs[0].String()
	}

	return net.JoinHostPort(host, strconv.Itoa(int(opts.Port)))
}

// FromHostPort fills Domain or Addrs from a "host:port" string.
func FromHostPort(hostport string) (Opts, error) {
	var opts Opts

	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		opts.Addrs = []netip.Addr{ap.Addr()}
		opts.Port = ap.Port()
		return opts, nil
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return opts, fmt.Errorf("invalid address %q: %w", hostport, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return opts, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		opts.Addrs = []netip.Addr{addr}
	} else {
		opts.Domain = host
	}
	opts.Port = uint16(port)

	return opts, nil
}
