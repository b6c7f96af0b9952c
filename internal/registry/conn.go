// Package registry tracks the single live connection of every authenticated user.
package registry

import (
	"context"
	"sync"
	"time"
)

// Conn abstracts a bidirectional message connection.
// This interface isolates transport details from routing logic.
type Conn interface {
	// Read reads a single message frame.
	// Returns io.EOF when connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Client is one user's registered connection.
type Client struct {
	UserID    string
	Conn      Conn
	Outgoing  chan []byte
	CreatedAt time.Time

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewClient wraps conn for userID with an outgoing buffer of the given size.
func NewClient(userID string, conn Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 1
	}
	return &Client{
		UserID:    userID,
		Conn:      conn,
		Outgoing:  make(chan []byte, buffer),
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Deliver queues a frame for the client's write loop without blocking.
// It reports false when the client is closed or its buffer is full.
func (c *Client) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Outgoing <- frame:
		return true
	default:
		return false
	}
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close marks the client closed and closes its transport. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// WriteLoop drains Outgoing into the transport until the client is closed or a
// write fails. Frames queued after a failed write are discarded.
func (c *Client) WriteLoop(ctx context.Context) error {
	for {
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.Outgoing:
			if err := c.Conn.Write(ctx, data); err != nil {
				return err
			}
		}
	}
}
