package sturdy

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Ref
	}{
		{"capnp://example.com:4000/foo", Ref{Scheme: SchemeTCP, Host: "example.com", Port: 4000, Name: "foo"}},
		{"example.com:4000/foo", Ref{Scheme: SchemeTCP, Host: "example.com", Port: 4000, Name: "foo"}},
		{"capnps://example.com/", Ref{Scheme: SchemeTLS, Host: "example.com"}},
		{"ws://[::1]:8080/a/b", Ref{Scheme: SchemeWS, Host: "::1", Port: 8080, Name: "a/b"}},
		{"https://[::1]/x", Ref{Scheme: SchemeHTTPS, Host: "::1", Name: "x"}},
		{"capnp://127.0.0.1:1", Ref{Scheme: SchemeTCP, Host: "127.0.0.1", Port: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := Parse(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again, "String() did not round trip: %s", got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{
		"gopher://example.com/foo",
		"capnp:///foo",
		"capnp://example.com:notaport/foo",
		"capnp://example.com:99999/foo",
	} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrBadRef, in)
	}
}

func TestOpts(t *testing.T) {
	ref, err := Parse("capnps://example.com:4443/foo")
	require.NoError(t, err)

	opts := ref.Opts()
	assert.Equal(t, "example.com", opts.Domain)
	assert.Equal(t, uint16(4443), opts.Port)
	assert.True(t, opts.TLS)
	assert.Equal(t, "example.com", opts.ExpectCertCN)

	ref, err = Parse("ws://10.0.0.1:80/bar")
	require.NoError(t, err)

	opts = ref.Opts()
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1")}, opts.Addrs)
	assert.False(t, opts.TLS)
}
