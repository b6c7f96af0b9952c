// Package ws provides the WebSocket transport used by the relay and the client.
package ws

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn adapts a gobwas WebSocket connection to registry.Conn.
// Frames are JSON text messages. Control frames (ping, close) are answered
// while reading.
type Conn struct {
	conn       net.Conn
	rw         *lockedWriter
	state      ws.State
	remoteAddr string
}

// lockedWriter serialises writes so pong replies issued by the reader do not
// interleave with data frames from the write loop.
type lockedWriter struct {
	net.Conn
	mu sync.Mutex
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Conn.Write(p)
}

// bufferedConn keeps bytes that were read past the handshake.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}

func withBuffered(conn net.Conn, br *bufio.Reader) net.Conn {
	if br == nil || br.Buffered() == 0 {
		return conn
	}
	return &bufferedConn{Conn: conn, reader: br}
}

func newConn(conn net.Conn, state ws.State, addr string) *Conn {
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}
	return &Conn{
		conn:       conn,
		rw:         &lockedWriter{Conn: conn},
		state:      state,
		remoteAddr: addr,
	}
}

// NewServerConn wraps an upgraded server-side connection.
func NewServerConn(conn net.Conn, addr string) *Conn {
	return newConn(conn, ws.StateServerSide, addr)
}

// NewClientConn wraps a dialed client-side connection.
func NewClientConn(conn net.Conn) *Conn {
	return newConn(conn, ws.StateClientSide, "")
}

// Upgrade upgrades an HTTP request to a server-side Conn.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	var br *bufio.Reader
	if rw != nil {
		br = rw.Reader
	}
	return NewServerConn(withBuffered(conn, br), r.RemoteAddr), nil
}

// Dial opens a client-side Conn to url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return NewClientConn(withBuffered(conn, br)), nil
}

// Read implements registry.Conn.
// Reads the next data frame; the context deadline, if any, bounds the read.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	data, _, err := wsutil.ReadData(c.rw, c.state)
	return data, err
}

// Write implements registry.Conn.
// Writes a text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteMessage(c.rw, c.state, ws.OpText, data)
}

// Ping sends a ping control frame.
func (c *Conn) Ping() error {
	return wsutil.WriteMessage(c.rw, c.state, ws.OpPing, nil)
}

// Close implements registry.Conn.
// Sends a normal closure frame before closing the socket.
func (c *Conn) Close() error {
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = wsutil.WriteMessage(c.rw, c.state, ws.OpClose, body)
	return c.conn.Close()
}

// RemoteAddr implements registry.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
