package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wsTransport adapts a *websocket.Conn to the Transport interface,
// following the accept/read/write/ping/close usage established in the
// teacher's lobby websocket handler.
type wsTransport struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewWS wraps an already-accepted websocket connection.
func NewWS(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) (MessageKind, []byte, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return Binary, data, nil
	}
	return Text, data, nil
}

func (t *wsTransport) WriteText(ctx context.Context, v any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.conn.Write(writeCtx, websocket.MessageText, data)
}

func (t *wsTransport) WriteBinary(ctx context.Context, b []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.conn.Write(writeCtx, websocket.MessageBinary, b)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return t.conn.Ping(pingCtx)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close(websocket.StatusCode(code), reason)
	})
	return t.closeErr
}
