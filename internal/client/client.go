// Package client is the chat and call client of one user. Everything that
// touches client state runs on a single event loop goroutine: inbound
// envelopes, user actions, history and send results, and peer callbacks are
// posted to it as closures and run one at a time.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/huddle/internal/call"
	"github.com/omochice/huddle/internal/conversation"
	"github.com/omochice/huddle/internal/transport/ws"
	"github.com/omochice/huddle/pkg/protocol"
)

var (
	// ErrNotConnected is returned once the connection is closed.
	ErrNotConnected = errors.New("not connected to server")
	// ErrSendBufferFull is returned when outgoing frames back up.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is the persistent connection to the relay.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping() error
	Close() error
}

// API is the history and send service.
type API interface {
	conversation.Fetcher
	conversation.Sender
}

// Options configures a Client.
type Options struct {
	// ServerURL is the relay's WebSocket base, e.g. "ws://localhost:8080".
	ServerURL      string
	UserID         string
	PingInterval   time.Duration
	OutgoingBuffer int
}

// Deps are the collaborators of a Client.
type Deps struct {
	API   API
	Media call.MediaSource
	Peers call.PeerFactory
}

// NoticeKind says what a Notice carries.
type NoticeKind int

const (
	NoticeError NoticeKind = iota
	NoticeCall
	NoticeMessages
)

// Notice is something the user should see.
type Notice struct {
	Kind NoticeKind
	// Err is set for NoticeError.
	Err error
	// Call is set for NoticeCall.
	Call call.Snapshot
	// Conversation and Messages are set for NoticeMessages.
	Conversation protocol.Conversation
	Messages     []protocol.Message
}

// Client is connected to a relay as one user.
type Client struct {
	opts Options
	conn Conn
	log  *zap.Logger

	events   chan func()
	outgoing chan []byte
	notices  chan Notice

	machine  *call.Machine
	pipeline *conversation.Pipeline

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the relay at opts.ServerURL as opts.UserID.
func Dial(ctx context.Context, opts Options, deps Deps, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, errors.New("user id is required")
	}
	u := strings.TrimRight(opts.ServerURL, "/") + "/ws/" + url.PathEscape(opts.UserID)
	conn, err := ws.Dial(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return New(conn, opts, deps, log), nil
}

// New starts a client over an established connection.
func New(conn Conn, opts Options, deps Deps, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.OutgoingBuffer <= 0 {
		opts.OutgoingBuffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:     opts,
		conn:     conn,
		log:      log,
		events:   make(chan func(), 256),
		outgoing: make(chan []byte, opts.OutgoingBuffer),
		notices:  make(chan Notice, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	c.machine = call.NewMachine(call.Config{
		Media:   deps.Media,
		Peers:   deps.Peers,
		Sender:  call.SenderFunc(c.send),
		Post:    c.Post,
		Spawn:   func(fn func()) { go fn() },
		OnError: c.reportError,
		Log:     log.Named("call"),
	})
	c.machine.Observe(func(s call.Snapshot) {
		c.notify(Notice{Kind: NoticeCall, Call: s})
	})
	c.pipeline = conversation.New(deps.API, deps.API, log.Named("conversation"),
		conversation.WithOnChange(func(msgs []protocol.Message) {
			c.notify(Notice{Kind: NoticeMessages, Conversation: c.pipeline.Active(), Messages: msgs})
		}),
		conversation.WithOnError(c.reportError),
	)

	c.wg.Add(3)
	go c.run()
	go c.readLoop()
	go c.writeLoop()
	return c
}

// UserID returns the user the client is connected as.
func (c *Client) UserID() string {
	return c.opts.UserID
}

// Notices returns what the user should see. It is closed by Close.
func (c *Client) Notices() <-chan Notice {
	return c.notices
}

// Post runs fn on the event loop. It reports false once the client is closed.
func (c *Client) Post(fn func()) bool {
	select {
	case <-c.done:
		return false
	case c.events <- fn:
		return true
	}
}

// Select makes conv the active conversation and loads its history.
func (c *Client) Select(conv protocol.Conversation) {
	c.Post(func() {
		ticket := c.pipeline.Select(conv)
		go func() {
			msgs, err := c.pipeline.Load(c.ctx, ticket)
			c.Post(func() { c.pipeline.Apply(ticket, msgs, err) })
		}()
	})
}

// SendMessage posts content to the active conversation.
func (c *Client) SendMessage(content string) {
	c.Post(func() {
		ticket, err := c.pipeline.BeginSend(content)
		if err != nil {
			c.reportError(err)
			return
		}
		go func() {
			msg, err := c.pipeline.Send(c.ctx, ticket)
			c.Post(func() { c.pipeline.CompleteSend(ticket, msg, err) })
		}()
	})
}

// Call starts a call to target. Failures arrive as notices.
func (c *Client) Call(target string, kind call.MediaKind) {
	c.Post(func() {
		if err := c.machine.Start(c.ctx, target, kind); errors.Is(err, call.ErrBusy) || errors.Is(err, call.ErrNoTarget) {
			c.reportError(err)
		}
	})
}

// Hangup ends the current call, if any.
func (c *Client) Hangup() {
	c.Post(func() { c.machine.End(call.ReasonHangup) })
}

// CallState returns the call snapshot.
func (c *Client) CallState() call.Snapshot {
	var snap call.Snapshot
	c.sync(func() { snap = c.machine.Snapshot() })
	return snap
}

// Messages returns the active conversation and its displayed messages.
func (c *Client) Messages() (protocol.Conversation, []protocol.Message) {
	var (
		conv protocol.Conversation
		msgs []protocol.Message
	)
	c.sync(func() {
		conv = c.pipeline.Active()
		msgs = c.pipeline.Messages()
	})
	return conv, msgs
}

// Close ends any call, closes the connection and stops the client.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Cancel first so pending media, history and sends give up.
		c.cancel()
		c.sync(func() { c.machine.End(call.ReasonTransport) })
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
		close(c.notices)
	})
	return err
}

// sync runs fn on the event loop and waits for it.
func (c *Client) sync(fn func()) {
	finished := make(chan struct{})
	if !c.Post(func() {
		fn()
		close(finished)
	}) {
		return
	}
	select {
	case <-finished:
	case <-c.done:
	}
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		frame, err := c.conn.Read(c.ctx)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("connection lost", zap.Error(err))
				c.Post(func() { c.connectionLost(err) })
			}
			return
		}

		var env protocol.Envelope
		if err := env.Decode(frame); err != nil {
			c.log.Debug("failed to decode envelope", zap.Error(err))
			continue
		}
		c.Post(func() { c.route(env) })
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outgoing:
			if err := c.conn.Write(c.ctx, frame); err != nil {
				c.log.Warn("write failed", zap.Error(err))
				_ = c.conn.Close()
				return
			}
		case <-ping:
			if err := c.conn.Ping(); err != nil {
				c.log.Warn("ping failed", zap.Error(err))
				_ = c.conn.Close()
				return
			}
		}
	}
}

// connectionLost force-ends any call and shuts the client down.
func (c *Client) connectionLost(err error) {
	c.machine.End(call.ReasonTransport)
	c.reportError(fmt.Errorf("%w: %w", ErrNotConnected, err))
	go c.Close()
}

// send queues env for the relay without blocking.
func (c *Client) send(env protocol.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.outgoing <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) reportError(err error) {
	c.notify(Notice{Kind: NoticeError, Err: err})
}

// notify drops the notice if nobody keeps up with them.
func (c *Client) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		c.log.Debug("notice dropped", zap.Int("kind", int(n.Kind)))
	}
}
