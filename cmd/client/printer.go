package main

import (
	"fmt"
	"io"

	"github.com/omochice/huddle/internal/call"
	"github.com/omochice/huddle/internal/client"
	"github.com/omochice/huddle/pkg/protocol"
)

// printer renders notices as terminal lines. It remembers which messages of
// the active conversation are on screen and reprints the conversation when
// the list changes anywhere but at its end, as when history lands in front of
// a live message.
type printer struct {
	w     io.Writer
	conv  protocol.Conversation
	shown []string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

// run prints notices until the channel is closed.
func (p *printer) run(notices <-chan client.Notice) {
	for n := range notices {
		p.print(n)
	}
}

func (p *printer) print(n client.Notice) {
	switch n.Kind {
	case client.NoticeError:
		fmt.Fprintf(p.w, "! %v\n", n.Err)
	case client.NoticeCall:
		p.call(n.Call)
	case client.NoticeMessages:
		p.messages(n.Conversation, n.Messages)
	}
}

func (p *printer) messages(conv protocol.Conversation, msgs []protocol.Message) {
	if conv != p.conv || !p.extends(msgs) {
		p.conv = conv
		p.shown = p.shown[:0]
		fmt.Fprintf(p.w, "--- %s ---\n", conv)
	}
	for _, m := range msgs[len(p.shown):] {
		fmt.Fprintf(p.w, "[%s %s]: %s\n", m.Timestamp.Local().Format("15:04"), m.UserID, m.Content)
		p.shown = append(p.shown, m.ID)
	}
}

// extends reports whether msgs starts with what is already on screen.
func (p *printer) extends(msgs []protocol.Message) bool {
	if len(msgs) < len(p.shown) {
		return false
	}
	for i, id := range p.shown {
		if msgs[i].ID != id {
			return false
		}
	}
	return true
}

func (p *printer) call(s call.Snapshot) {
	switch s.State {
	case call.Outgoing:
		if s.HasPeer {
			return
		}
		fmt.Fprintf(p.w, "* calling %s (%s)\n", s.Remote, s.Kind)
	case call.Incoming:
		if s.HasPeer {
			return
		}
		fmt.Fprintf(p.w, "* incoming %s call from %s, answering\n", s.Kind, s.Remote)
	case call.Active:
		fmt.Fprintf(p.w, "* in call with %s\n", s.Remote)
	case call.Ended:
		fmt.Fprintf(p.w, "* call with %s ended: %s\n", s.Remote, s.Reason)
	}
}
