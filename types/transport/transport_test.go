package transport

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendRelease(t *testing.T, tr Transport, id, count uint32) {
	m, err := tr.NewMessage()
	require.NoError(t, err)
	defer Release(m)

	rel, err := m.NewRelease()
	require.NoError(t, err)
	rel.SetId(id)
	rel.SetReferenceCount(count)

	require.NoError(t, tr.Send(m))
}

func expectRelease(t *testing.T, tr Transport, id, count uint32) {
	m, err := tr.Recv()
	require.NoError(t, err)
	defer Release(m)

	require.Equal(t, rpccp.Message_Which_release, m.Which())
	rel, err := m.Release()
	require.NoError(t, err)
	assert.Equal(t, id, rel.Id())
	assert.Equal(t, count, rel.ReferenceCount())
}

func roundTrip(t *testing.T, a, b Transport) {
	go sendRelease(t, a, 7, 3)
	expectRelease(t, b, 7, 3)

	go sendRelease(t, b, 1, 1)
	expectRelease(t, a, 1, 1)
}

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	roundTrip(t, a, b)
}

func TestPackedStream(t *testing.T) {
	ca, cb := net.Pipe()
	a := NewStream(ca, StreamOpts{Packed: true})
	b := NewStream(cb, StreamOpts{Packed: true})
	defer a.Close()
	defer b.Close()

	roundTrip(t, a, b)
}

func TestStreamClose(t *testing.T) {
	a, b := Pipe()

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "close is idempotent")

	_, err := a.Recv()
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)

	m, err := a.NewMessage()
	require.NoError(t, err)
	defer Release(m)
	assert.ErrorIs(t, a.Send(m), ErrClosed)

	// the far end just sees the stream end
	_, err = b.Recv()
	assert.Error(t, err)
	b.Close()
}

func TestStreamMaxMessageSize(t *testing.T) {
	ca, cb := net.Pipe()
	a := NewStream(ca, StreamOpts{})
	b := NewStream(cb, StreamOpts{MaxMessageSize: 64})
	defer a.Close()
	defer b.Close()

	go func() {
		m, err := a.NewMessage()
		if err != nil {
			return
		}
		defer Release(m)

		ab, err := m.NewAbort()
		if err != nil {
			return
		}
		_ = ab.SetReason(strings.Repeat("x", 1024))
		_ = a.Send(m)
	}()

	_, err := b.Recv()
	assert.Error(t, err)
}

func TestWebsocketRoundTrip(t *testing.T) {
	up := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	server := make(chan *Websocket, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		server <- NewWebsocket(ws, StreamOpts{})
	}))
	defer srv.Close()

	d := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	ws, resp, err := d.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, Subprotocol, ws.Subprotocol())

	a := NewWebsocket(ws, StreamOpts{})
	b := <-server

	roundTrip(t, a, b)

	require.NoError(t, a.Close())
	_, err = b.Recv()
	assert.ErrorIs(t, err, ErrClosed)
	b.Close()
}
