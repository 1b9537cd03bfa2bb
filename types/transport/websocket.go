package transport

import (
	"fmt"
	"sync"
	"time"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
	"github.com/gorilla/websocket"
)

// Subprotocol is negotiated on websocket upgrades carrying capnp rpc.
const Subprotocol = "capnp-rpc"

// Websocket carries one capnp message per binary websocket frame.
type Websocket struct {
	ws *websocket.Conn

	packed       bool
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func NewWebsocket(ws *websocket.Conn, opts StreamOpts) *Websocket {
	opts.SetDefaults()

	ws.SetReadLimit(int64(opts.MaxMessageSize))

	return &Websocket{
		ws:           ws,
		packed:       opts.Packed,
		writeTimeout: opts.WriteTimeout,
	}
}

func (w *Websocket) NewMessage() (rpccp.Message, error) {
	return newMessage()
}

func (w *Websocket) Send(m rpccp.Message) error {
	var (
		b   []byte
		err error
	)

	if w.packed {
		b, err = m.Message().MarshalPacked()
	} else {
		b, err = m.Message().Marshal()
	}
	if err != nil {
		return fmt.Errorf("could not marshal message: %w", err)
	}

	if w.writeTimeout > 0 {
		if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			return fmt.Errorf("could not set write deadline: %w", err)
		}
	}

	if err := w.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return wrapWS(err)
	}

	return nil
}

func (w *Websocket) Recv() (rpccp.Message, error) {
	for {
		typ, b, err := w.ws.ReadMessage()
		if err != nil {
			return rpccp.Message{}, wrapWS(err)
		}

		if typ != websocket.BinaryMessage {
			// text frames carry nothing we understand, skip them
			continue
		}

		var msg *capnp.Message
		if w.packed {
			msg, err = capnp.UnmarshalPacked(b)
		} else {
			msg, err = capnp.Unmarshal(b)
		}
		if err != nil {
			return rpccp.Message{}, fmt.Errorf("could not unmarshal message: %w", err)
		}

		m, err := rpccp.ReadRootMessage(msg)
		if err != nil {
			msg.Release()
			return rpccp.Message{}, fmt.Errorf("could not read rpc message: %w", err)
		}

		return m, nil
	}
}

func (w *Websocket) Close() error {
	w.closeOnce.Do(func() {
		_ = w.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		w.closeErr = w.ws.Close()
	})

	return w.closeErr
}

func wrapWS(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
