package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Message is a conversation-scoped chat message. Exactly one of ChannelID and
// DMID is set.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id,omitempty"`
	DMID      string    `json:"dm_id,omitempty"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationID returns the channel or direct message thread the message belongs to.
func (m Message) ConversationID() string {
	if m.ChannelID != "" {
		return m.ChannelID
	}
	return m.DMID
}

// Kind returns the chat envelope kind that carries this message.
func (m Message) Kind() Kind {
	if m.ChannelID != "" {
		return KindChatChannel
	}
	return KindChatDM
}

// Data returns the message as an envelope payload.
func (m Message) Data() map[string]any {
	data := map[string]any{
		"id":        m.ID,
		"user_id":   m.UserID,
		"content":   m.Content,
		"timestamp": m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if m.ChannelID != "" {
		data["channel_id"] = m.ChannelID
	}
	if m.DMID != "" {
		data["dm_id"] = m.DMID
	}
	return data
}

// Envelope wraps the message in a chat envelope.
func (m Message) Envelope() Envelope {
	return Envelope{Kind: m.Kind(), Data: m.Data()}
}

// MessageFromData reads a Message out of an envelope payload.
func MessageFromData(data map[string]any) (Message, error) {
	str := func(key string) string {
		s, _ := data[key].(string)
		return s
	}
	m := Message{
		ID:        str("id"),
		ChannelID: str("channel_id"),
		DMID:      str("dm_id"),
		UserID:    str("user_id"),
		Content:   str("content"),
	}
	if m.ChannelID == "" && m.DMID == "" {
		return Message{}, errors.New("message has neither channel_id nor dm_id")
	}
	if ts := str("timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Message{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		m.Timestamp = parsed
	}
	return m, nil
}

// ConversationKind distinguishes channels from direct message threads.
type ConversationKind int

const (
	ConversationChannel ConversationKind = iota
	ConversationDM
)

func (k ConversationKind) String() string {
	if k == ConversationDM {
		return "dm"
	}
	return "channel"
}

// Conversation identifies a channel or a direct message thread.
type Conversation struct {
	Kind ConversationKind
	ID   string
}

// Channel returns the conversation of channel id.
func Channel(id string) Conversation { return Conversation{Kind: ConversationChannel, ID: id} }

// DM returns the conversation of direct message thread id.
func DM(id string) Conversation { return Conversation{Kind: ConversationDM, ID: id} }

func (c Conversation) String() string {
	return c.Kind.String() + ":" + c.ID
}

// IsZero reports whether no conversation is identified.
func (c Conversation) IsZero() bool { return c.ID == "" }

// Conversation returns the conversation the message is scoped to.
func (m Message) Conversation() Conversation {
	if m.ChannelID != "" {
		return Channel(m.ChannelID)
	}
	return DM(m.DMID)
}

// Conversation returns the conversation a chat envelope is scoped to. The zero
// value is returned for every other kind.
func (e Envelope) Conversation() Conversation {
	id := e.ConversationID()
	switch {
	case id == "":
		return Conversation{}
	case e.Kind == KindChatDM:
		return DM(id)
	default:
		return Channel(id)
	}
}
