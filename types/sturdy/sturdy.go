// Package sturdy parses and formats sturdy refs, the textual addresses of named root objects.
//
// A ref looks like capnp://host:port/name, where the scheme picks how the connection is established
// and name is what gets restored once connected. An empty name restores the bootstrap capability.
package sturdy

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"go4.org/mem"

	"github.com/edup2p/caprpc/types/dial"
)

type Scheme string

const (
	// SchemeTCP is a raw capnp stream over TCP.
	SchemeTCP Scheme = "capnp"
	// SchemeTLS is a raw capnp stream over TLS.
	SchemeTLS Scheme = "capnps"
	// SchemeHTTP upgrades an HTTP connection to a raw capnp stream.
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	// SchemeWS carries one capnp message per websocket frame.
	SchemeWS  Scheme = "ws"
	SchemeWSS Scheme = "wss"
)

var ErrBadRef = errors.New("malformed sturdy ref")

var schemeSep = mem.S("://")

// Ref is a parsed sturdy ref.
type Ref struct {
	Scheme Scheme
	Host   string
	Port   uint16
	Name   string
}

// Parse reads a sturdy ref. A bare "host:port" without scheme is taken as SchemeTCP.
func Parse(s string) (Ref, error) {
	var ref Ref

	rest := mem.S(s)
	if i := mem.Index(rest, schemeSep); i >= 0 {
		ref.Scheme = Scheme(rest.SliceTo(i).StringCopy())
		rest = rest.SliceFrom(i + schemeSep.Len())
	} else {
		ref.Scheme = SchemeTCP
	}

	if !ref.Scheme.known() {
		return Ref{}, fmt.Errorf("%w: unknown scheme %q", ErrBadRef, ref.Scheme)
	}

	hostport := rest
	if i := mem.IndexByte(rest, '/'); i >= 0 {
		hostport = rest.SliceTo(i)
		ref.Name = rest.SliceFrom(i + 1).StringCopy()
	}

	if hostport.Len() == 0 {
		return Ref{}, fmt.Errorf("%w: missing host in %q", ErrBadRef, s)
	}

	host, port, err := splitHostPort(hostport.StringCopy())
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %w", ErrBadRef, err)
	}
	ref.Host, ref.Port = host, port

	return ref, nil
}

// splitHostPort allows the port to be left out, leaving it 0.
func splitHostPort(hp string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hp)
	if err != nil {
		// no port, but possibly a bracketed IPv6 address
		if mem.HasPrefix(mem.S(hp), mem.S("[")) && mem.HasSuffix(mem.S(hp), mem.S("]")) {
			return hp[1 : len(hp)-1], 0, nil
		}
		if mem.IndexByte(mem.S(hp), ':') < 0 {
			return hp, 0, nil
		}
		return "", 0, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}

	return host, uint16(port), nil
}

func (s Scheme) known() bool {
	switch s {
	case SchemeTCP, SchemeTLS, SchemeHTTP, SchemeHTTPS, SchemeWS, SchemeWSS:
		return true
	default:
		return false
	}
}

// TLS reports whether the scheme runs over TLS.
func (s Scheme) TLS() bool {
	return s == SchemeTLS || s == SchemeHTTPS || s == SchemeWSS
}

func (r Ref) String() string {
	host := r.Host
	if r.Port != 0 {
		host = net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
	} else if mem.IndexByte(mem.S(host), ':') >= 0 {
		host = "[" + host + "]"
	}

	return string(r.Scheme) + "://" + host + "/" + r.Name
}

// Opts returns the dial options that reach the ref's host.
func (r Ref) Opts() dial.Opts {
	opts, err := dial.FromHostPort(net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port))))
	if err != nil {
		opts = dial.Opts{Domain: r.Host, Port: r.Port}
	}

	opts.TLS = r.Scheme.TLS()
	if opts.TLS && len(opts.Addrs) == 0 {
		opts.ExpectCertCN = r.Host
	}

	return opts
}
