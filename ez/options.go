package ez

import (
	"log/slog"
	"net/netip"

	"go4.org/netipx"

	"github.com/edup2p/caprpc/types/metrics"
	"github.com/edup2p/caprpc/types/transport"
)

// Protocol is the HTTP upgrade token for raw capnp streams, and the websocket subprotocol.
const Protocol = transport.Subprotocol

type Options struct {
	// Stream tunes the framing of every connection.
	Stream transport.StreamOpts

	// If nil, uses slog.Default()
	Logger *slog.Logger

	// If nil, records nothing
	Metrics *metrics.Metrics
}

func (o *Options) SetDefaults() {
	o.Stream.SetDefaults()

	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type ServerOptions struct {
	Options

	// AllowPrefixes limits which peers may connect. Everyone may connect if empty.
	AllowPrefixes []netip.Prefix
}

// allowSet returns nil when no prefixes are configured.
func (o *ServerOptions) allowSet() (*netipx.IPSet, error) {
	if len(o.AllowPrefixes) == 0 {
		return nil, nil
	}

	var b netipx.IPSetBuilder
	for _, p := range o.AllowPrefixes {
		b.AddPrefix(p.Masked())
	}

	return b.IPSet()
}
