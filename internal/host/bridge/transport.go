package bridge

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport moves whole envelopes. Reads happen on one goroutine; writes
// may come from many and are serialized by the implementation.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type wsTransport struct {
	conn  net.Conn
	state ws.State
	mu    sync.Mutex
}

// NewServerWS wraps an upgraded server-side WebSocket connection.
func NewServerWS(conn net.Conn) Transport {
	return &wsTransport{conn: conn, state: ws.StateServerSide}
}

// NewClientWS wraps a dialed client-side WebSocket connection.
func NewClientWS(conn net.Conn) Transport {
	return &wsTransport{conn: conn, state: ws.StateClientSide}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	data, _, err := wsutil.ReadData(t.conn, t.state)
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return wsutil.WriteMessage(t.conn, t.state, ws.OpText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

type frameTransport struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewFrameTransport speaks length-prefixed frames over rwc.
func NewFrameTransport(rwc io.ReadWriteCloser) Transport {
	return &frameTransport{rwc: rwc, reader: bufio.NewReader(rwc)}
}

func (t *frameTransport) ReadMessage() ([]byte, error) {
	return ReadFrame(t.reader)
}

func (t *frameTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return WriteFrame(t.rwc, data)
}

func (t *frameTransport) Close() error {
	return t.rwc.Close()
}
