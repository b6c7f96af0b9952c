// Package conversation keeps the displayed message sequence of the selected
// channel or direct message. History comes from the REST API, live messages
// from the relay connection, and nothing from another conversation gets in.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/omochice/huddle/pkg/protocol"
)

var (
	// ErrNoActiveConversation is returned when sending with nothing selected.
	ErrNoActiveConversation = errors.New("no active conversation")
	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("message is empty")
)

// Fetcher returns a page of history, most recent first.
type Fetcher interface {
	Fetch(ctx context.Context, conv protocol.Conversation) ([]protocol.Message, error)
}

// Sender posts a message and returns it as stored.
type Sender interface {
	Send(ctx context.Context, conv protocol.Conversation, content string) (protocol.Message, error)
}

// Ticket identifies one selection of a conversation. Results carrying an old
// ticket are discarded.
type Ticket struct {
	Conversation protocol.Conversation
	gen          uint64
}

// SendTicket is an in-flight send.
type SendTicket struct {
	Conversation protocol.Conversation
	Content      string
}

// Pipeline is not safe for concurrent use. Select, Apply, AppendLive,
// BeginSend and CompleteSend run on the client's event loop; Load and Send
// only touch the network and may run anywhere.
type Pipeline struct {
	fetcher Fetcher
	sender  Sender
	log     *zap.Logger

	active   protocol.Conversation
	gen      uint64
	loading  bool
	messages []protocol.Message
	seen     map[string]bool

	onChange func([]protocol.Message)
	onError  func(error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithOnChange registers fn to receive the sequence after every change.
func WithOnChange(fn func([]protocol.Message)) Option {
	return func(p *Pipeline) { p.onChange = fn }
}

// WithOnError registers fn to receive fetch and send failures.
func WithOnError(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// New creates a Pipeline with nothing selected.
func New(fetcher Fetcher, sender Sender, log *zap.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		fetcher: fetcher,
		sender:  sender,
		log:     log,
		seen:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Active returns the selected conversation, zero if none.
func (p *Pipeline) Active() protocol.Conversation {
	return p.active
}

// Loading reports whether the history of the active conversation is still
// being fetched.
func (p *Pipeline) Loading() bool {
	return p.loading
}

// Messages returns a copy of the displayed sequence in chronological order.
func (p *Pipeline) Messages() []protocol.Message {
	return append([]protocol.Message(nil), p.messages...)
}

// Select makes conv active and clears the displayed sequence. The returned
// ticket must accompany the history passed to Apply.
func (p *Pipeline) Select(conv protocol.Conversation) Ticket {
	p.gen++
	p.active = conv
	p.loading = true
	p.messages = nil
	p.seen = make(map[string]bool)
	p.changed()
	return Ticket{Conversation: conv, gen: p.gen}
}

// Load fetches the history page for t.
func (p *Pipeline) Load(ctx context.Context, t Ticket) ([]protocol.Message, error) {
	msgs, err := p.fetcher.Fetch(ctx, t.Conversation)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", t.Conversation, err)
	}
	return msgs, nil
}

// Apply installs a fetched history page. It reports false and changes
// nothing if another conversation was selected since t was issued.
// A fetch error leaves the conversation selected with whatever arrived live.
func (p *Pipeline) Apply(t Ticket, history []protocol.Message, err error) bool {
	if t.gen != p.gen {
		p.log.Debug("discarding stale history", zap.Stringer("conversation", t.Conversation))
		return false
	}
	p.loading = false
	if err != nil {
		p.log.Warn("history fetch failed", zap.Stringer("conversation", t.Conversation), zap.Error(err))
		p.report(err)
		return true
	}

	live := p.messages
	p.messages = make([]protocol.Message, 0, len(history)+len(live))
	p.seen = make(map[string]bool, len(history)+len(live))
	for i := len(history) - 1; i >= 0; i-- {
		p.push(history[i])
	}
	for _, msg := range live {
		p.push(msg)
	}
	p.changed()
	return true
}

// SelectConversation selects conv and loads its history in one step. It
// blocks for the fetch, so only callers that own the pipeline exclusively
// should use it.
func (p *Pipeline) SelectConversation(ctx context.Context, conv protocol.Conversation) error {
	t := p.Select(conv)
	msgs, err := p.Load(ctx, t)
	p.Apply(t, msgs, err)
	return err
}

// AppendLive appends a message delivered over the relay connection. It
// reports whether the message was appended: messages for other conversations
// and ones already displayed are dropped.
func (p *Pipeline) AppendLive(msg protocol.Message) bool {
	if p.active.IsZero() || msg.Conversation() != p.active {
		return false
	}
	if !p.push(msg) {
		return false
	}
	p.changed()
	return true
}

// BeginSend validates content against the active conversation.
func (p *Pipeline) BeginSend(content string) (SendTicket, error) {
	if p.active.IsZero() {
		return SendTicket{}, ErrNoActiveConversation
	}
	if strings.TrimSpace(content) == "" {
		return SendTicket{}, ErrEmptyMessage
	}
	return SendTicket{Conversation: p.active, Content: content}, nil
}

// Send posts t. Switching conversations does not cancel it.
func (p *Pipeline) Send(ctx context.Context, t SendTicket) (protocol.Message, error) {
	msg, err := p.sender.Send(ctx, t.Conversation, t.Content)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("send to %s: %w", t.Conversation, err)
	}
	return msg, nil
}

// CompleteSend appends the stored message if its conversation is still
// active. It reports whether the sequence changed.
func (p *Pipeline) CompleteSend(t SendTicket, msg protocol.Message, err error) bool {
	if err != nil {
		p.report(err)
		return false
	}
	if t.Conversation != p.active {
		p.log.Debug("discarding send result for inactive conversation", zap.Stringer("conversation", t.Conversation))
		return false
	}
	if !p.push(msg) {
		return false
	}
	p.changed()
	return true
}

// push appends msg unless its id was seen.
func (p *Pipeline) push(msg protocol.Message) bool {
	if msg.ID != "" {
		if p.seen[msg.ID] {
			return false
		}
		p.seen[msg.ID] = true
	}
	p.messages = append(p.messages, msg)
	return true
}

func (p *Pipeline) changed() {
	if p.onChange != nil {
		p.onChange(p.Messages())
	}
}

func (p *Pipeline) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
