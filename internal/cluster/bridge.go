// Package cluster links relay nodes over NATS so users connected to different
// nodes can still reach each other.
package cluster

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NodeHeader names the node a frame was published by.
const NodeHeader = "Huddle-Node"

// ErrInvalidUserID is returned for user ids that cannot be part of a subject.
var ErrInvalidUserID = errors.New("user id cannot be used in a subject")

// Conn is the part of *nats.Conn the bridge uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Local delivers bridged frames to connections of this node.
type Local interface {
	DeliverLocal(userID string, frame []byte) bool
	BroadcastLocal(frame []byte) int
}

// Options configures a Bridge.
type Options struct {
	// Prefix is the subject root, "huddle" by default.
	Prefix string
	// NodeID identifies this node; a random id is used when empty.
	NodeID string
}

// Bridge publishes frames for users that are not connected locally and
// delivers frames published by other nodes.
type Bridge struct {
	conn   Conn
	owned  *nats.Conn
	prefix string
	nodeID string
	local  Local
	log    *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials the NATS server at url and returns a bridge owning the connection.
func Connect(url string, opts Options, local Local, log *zap.Logger) (*Bridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("huddle-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b := New(nc, opts, local, log)
	b.owned = nc
	return b, nil
}

// New creates a bridge over an existing connection.
func New(conn Conn, opts Options, local Local, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Prefix == "" {
		opts.Prefix = "huddle"
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	return &Bridge{
		conn:   conn,
		prefix: opts.Prefix,
		nodeID: opts.NodeID,
		local:  local,
		log:    log,
	}
}

// NodeID returns the id this node stamps on its frames.
func (b *Bridge) NodeID() string {
	return b.nodeID
}

// UserSubject returns the subject frames for userID are published on.
func (b *Bridge) UserSubject(userID string) string {
	return b.prefix + ".user." + userID
}

// BroadcastSubject returns the subject channel broadcasts are published on.
func (b *Bridge) BroadcastSubject() string {
	return b.prefix + ".broadcast"
}

// Start subscribes to frames from other nodes.
func (b *Bridge) Start() error {
	userSub, err := b.conn.Subscribe(b.prefix+".user.*", b.handleUser)
	if err != nil {
		return fmt.Errorf("subscribe users: %w", err)
	}
	broadcastSub, err := b.conn.Subscribe(b.BroadcastSubject(), b.handleBroadcast)
	if err != nil {
		if userSub != nil {
			_ = userSub.Unsubscribe()
		}
		return fmt.Errorf("subscribe broadcast: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, userSub, broadcastSub)
	b.mu.Unlock()
	return nil
}

// PublishUser implements relay.Bridge.
func (b *Bridge) PublishUser(userID string, frame []byte) error {
	if !validToken(userID) {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return b.publish(b.UserSubject(userID), frame)
}

// PublishBroadcast implements relay.Bridge.
func (b *Bridge) PublishBroadcast(frame []byte) error {
	return b.publish(b.BroadcastSubject(), frame)
}

// Close unsubscribes, and drains the connection if the bridge dialed it.
func (b *Bridge) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
	if b.owned != nil {
		return b.owned.Drain()
	}
	return nil
}

func (b *Bridge) publish(subject string, frame []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = frame
	msg.Header.Set(NodeHeader, b.nodeID)
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (b *Bridge) handleUser(m *nats.Msg) {
	if b.fromSelf(m) {
		return
	}
	userID := strings.TrimPrefix(m.Subject, b.prefix+".user.")
	if b.local.DeliverLocal(userID, m.Data) {
		b.log.Debug("delivered bridged frame", zap.String("user_id", userID))
	}
}

func (b *Bridge) handleBroadcast(m *nats.Msg) {
	if b.fromSelf(m) {
		return
	}
	n := b.local.BroadcastLocal(m.Data)
	b.log.Debug("delivered bridged broadcast", zap.Int("connections", n))
}

func (b *Bridge) fromSelf(m *nats.Msg) bool {
	return m.Header != nil && m.Header.Get(NodeHeader) == b.nodeID
}

// validToken reports whether s is a single NATS subject token.
func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}
