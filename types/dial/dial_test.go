package dial

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHostPort(t *testing.T) {
	opts, err := FromHostPort("127.0.0.1:4000")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, opts.Addrs)
	assert.Equal(t, uint16(4000), opts.Port)
	assert.Equal(t, "127.0.0.1:4000", opts.Host())

	opts, err = FromHostPort("example.com:443")
	require.NoError(t, err)
	assert.Equal(t, "example.com", opts.Domain)
	assert.Empty(t, opts.Addrs)
	assert.Equal(t, "example.com:443", opts.Host())

	_, err = FromHostPort("example.com")
	assert.Error(t, err)

	_, err = FromHostPort("example.com:99999")
	assert.Error(t, err)
}

func TestSetDefaults(t *testing.T) {
	var opts Opts
	opts.SetDefaults()

	assert.Equal(t, DefaultConnectTimeout, opts.ConnectTimeout)
	assert.Equal(t, DefaultEstablishTimeout, opts.EstablishTimeout)
	assert.Equal(t, "/capnp", opts.Path)

	opts.setHTTPPort()
	assert.Equal(t, uint16(80), opts.Port)

	tlsOpts := Opts{TLS: true}
	tlsOpts.setHTTPPort()
	assert.Equal(t, uint16(443), tlsOpts.Port)
}

func TestTLSServerName(t *testing.T) {
	assert.Equal(t, "cn.example", tlsConfig(Opts{Domain: "example.com", ExpectCertCN: "cn.example"}).ServerName)
	assert.Equal(t, "example.com", tlsConfig(Opts{Domain: "example.com"}).ServerName)
	assert.Equal(t, "10.0.0.1", tlsConfig(Opts{Addrs: []netip.Addr{netip.MustParseAddr("10.0.0.1")}}).ServerName)
}

func TestTCPRace(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	ap := netip.MustParseAddrPort(l.Addr().String())

	// 192.0.2.0/24 is reserved for documentation, and never answers.
	opts := Opts{
		Addrs:          []netip.Addr{netip.MustParseAddr("192.0.2.1"), ap.Addr()},
		Port:           ap.Port(),
		ConnectTimeout: 5 * time.Second,
	}

	c, err := TCP(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, l.Addr().String(), c.RemoteAddr().String())
	assert.NoError(t, c.Close())
}

func TestTCPFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ap := netip.MustParseAddrPort(l.Addr().String())
	require.NoError(t, l.Close())

	_, err = TCP(context.Background(), Opts{
		Addrs:          []netip.Addr{ap.Addr()},
		Port:           ap.Port(),
		ConnectTimeout: time.Second,
	})
	assert.ErrorContains(t, err, "dial failure")
}
