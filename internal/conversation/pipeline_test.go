package conversation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/huddle/internal/conversation"
	"github.com/omochice/huddle/pkg/protocol"
)

type fakeAPI struct {
	history  map[protocol.Conversation][]protocol.Message
	fetchErr error
	sendErr  error
	sent     []string
	next     int
}

func (f *fakeAPI) Fetch(_ context.Context, conv protocol.Conversation) ([]protocol.Message, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.history[conv], nil
}

func (f *fakeAPI) Send(_ context.Context, conv protocol.Conversation, content string) (protocol.Message, error) {
	if f.sendErr != nil {
		return protocol.Message{}, f.sendErr
	}
	f.sent = append(f.sent, content)
	f.next++
	return msg(conv, "sent-"+string(rune('0'+f.next)), content), nil
}

func msg(conv protocol.Conversation, id, content string) protocol.Message {
	m := protocol.Message{ID: id, UserID: "1", Content: content}
	if conv.Kind == protocol.ConversationDM {
		m.DMID = conv.ID
	} else {
		m.ChannelID = conv.ID
	}
	return m
}

func contents(msgs []protocol.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

var (
	chan9 = protocol.Channel("chan-9")
	chan3 = protocol.Channel("chan-3")
	dm7   = protocol.DM("dm-7")
)

func newPipeline(api *fakeAPI, opts ...conversation.Option) *conversation.Pipeline {
	return conversation.New(api, api, nil, opts...)
}

func TestPipeline_HistoryIsChronological(t *testing.T) {
	api := &fakeAPI{history: map[protocol.Conversation][]protocol.Message{
		chan9: {msg(chan9, "c", "three"), msg(chan9, "b", "two"), msg(chan9, "a", "one")},
	}}
	p := newPipeline(api)

	require.NoError(t, p.SelectConversation(context.Background(), chan9))

	assert.Equal(t, chan9, p.Active())
	assert.False(t, p.Loading())
	assert.Equal(t, []string{"one", "two", "three"}, contents(p.Messages()))
}

func TestPipeline_AppendLive(t *testing.T) {
	p := newPipeline(&fakeAPI{})
	require.NoError(t, p.SelectConversation(context.Background(), chan9))

	tests := []struct {
		name string
		msg  protocol.Message
		want bool
	}{
		{"active channel", msg(chan9, "1", "hi"), true},
		{"other channel", msg(chan3, "2", "elsewhere"), false},
		{"dm with the same id", protocol.Message{ID: "3", DMID: "chan-9", Content: "dm"}, false},
		{"duplicate", msg(chan9, "1", "hi"), false},
		{"second", msg(chan9, "4", "there"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.AppendLive(tt.msg))
		})
	}
	assert.Equal(t, []string{"hi", "there"}, contents(p.Messages()))
}

func TestPipeline_NothingSelectedDropsLive(t *testing.T) {
	p := newPipeline(&fakeAPI{})
	assert.False(t, p.AppendLive(msg(chan9, "1", "hi")))
	assert.Empty(t, p.Messages())
}

func TestPipeline_SelectClearsMessages(t *testing.T) {
	p := newPipeline(&fakeAPI{})
	require.NoError(t, p.SelectConversation(context.Background(), chan9))
	require.True(t, p.AppendLive(msg(chan9, "1", "hi")))

	require.NoError(t, p.SelectConversation(context.Background(), dm7))
	assert.Empty(t, p.Messages())

	// Re-selecting shows the same message again, it is not remembered as seen.
	require.NoError(t, p.SelectConversation(context.Background(), chan9))
	assert.True(t, p.AppendLive(msg(chan9, "1", "hi")))
}

func TestPipeline_StaleHistoryIsDiscarded(t *testing.T) {
	api := &fakeAPI{history: map[protocol.Conversation][]protocol.Message{
		chan9: {msg(chan9, "a", "from nine")},
		chan3: {msg(chan3, "b", "from three")},
	}}
	p := newPipeline(api)

	first := p.Select(chan9)
	second := p.Select(chan3)

	nine, err := p.Load(context.Background(), first)
	require.NoError(t, err)
	three, err := p.Load(context.Background(), second)
	require.NoError(t, err)

	assert.True(t, p.Apply(second, three, nil))
	assert.False(t, p.Apply(first, nine, nil))
	assert.Equal(t, []string{"from three"}, contents(p.Messages()))
	assert.Equal(t, chan3, p.Active())
}

func TestPipeline_StaleResultForSameConversation(t *testing.T) {
	api := &fakeAPI{history: map[protocol.Conversation][]protocol.Message{
		chan9: {msg(chan9, "a", "old")},
	}}
	p := newPipeline(api)

	first := p.Select(chan9)
	second := p.Select(chan9)

	assert.False(t, p.Apply(first, []protocol.Message{msg(chan9, "x", "stale")}, nil))
	assert.True(t, p.Loading())
	assert.True(t, p.Apply(second, api.history[chan9], nil))
	assert.Equal(t, []string{"old"}, contents(p.Messages()))
}

func TestPipeline_LiveDuringFetchIsKept(t *testing.T) {
	api := &fakeAPI{history: map[protocol.Conversation][]protocol.Message{
		chan9: {msg(chan9, "b", "two"), msg(chan9, "a", "one")},
	}}
	p := newPipeline(api)

	ticket := p.Select(chan9)
	require.True(t, p.AppendLive(msg(chan9, "b", "two")))
	require.True(t, p.AppendLive(msg(chan9, "c", "three")))

	history, err := p.Load(context.Background(), ticket)
	require.NoError(t, err)
	require.True(t, p.Apply(ticket, history, nil))

	assert.Equal(t, []string{"one", "two", "three"}, contents(p.Messages()))
}

func TestPipeline_FetchErrorKeepsConversation(t *testing.T) {
	api := &fakeAPI{fetchErr: errors.New("unavailable")}
	var reported []error
	p := newPipeline(api, conversation.WithOnError(func(err error) { reported = append(reported, err) }))

	err := p.SelectConversation(context.Background(), chan9)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.fetchErr)

	assert.Equal(t, chan9, p.Active())
	assert.False(t, p.Loading())
	assert.Empty(t, p.Messages())
	require.Len(t, reported, 1)

	assert.True(t, p.AppendLive(msg(chan9, "1", "still live")))
}

func TestPipeline_Send(t *testing.T) {
	api := &fakeAPI{}
	p := newPipeline(api)

	_, err := p.BeginSend("hi")
	assert.ErrorIs(t, err, conversation.ErrNoActiveConversation)

	require.NoError(t, p.SelectConversation(context.Background(), dm7))
	_, err = p.BeginSend("   ")
	assert.ErrorIs(t, err, conversation.ErrEmptyMessage)

	ticket, err := p.BeginSend("hi")
	require.NoError(t, err)
	sent, err := p.Send(context.Background(), ticket)
	require.NoError(t, err)
	assert.True(t, p.CompleteSend(ticket, sent, nil))
	assert.Equal(t, []string{"hi"}, contents(p.Messages()))

	// The relay echo of the same message is not shown twice.
	assert.False(t, p.AppendLive(sent))
	assert.Len(t, p.Messages(), 1)
}

func TestPipeline_SendAfterSwitchIsDiscarded(t *testing.T) {
	api := &fakeAPI{}
	p := newPipeline(api)
	require.NoError(t, p.SelectConversation(context.Background(), chan9))

	ticket, err := p.BeginSend("late")
	require.NoError(t, err)
	require.NoError(t, p.SelectConversation(context.Background(), chan3))

	sent, err := p.Send(context.Background(), ticket)
	require.NoError(t, err, "switching does not cancel the send")
	assert.Equal(t, []string{"late"}, api.sent)

	assert.False(t, p.CompleteSend(ticket, sent, nil))
	assert.Empty(t, p.Messages())
}

func TestPipeline_SendErrorIsReported(t *testing.T) {
	api := &fakeAPI{sendErr: errors.New("rejected")}
	var reported []error
	p := newPipeline(api, conversation.WithOnError(func(err error) { reported = append(reported, err) }))
	require.NoError(t, p.SelectConversation(context.Background(), chan9))

	ticket, err := p.BeginSend("x")
	require.NoError(t, err)
	sent, err := p.Send(context.Background(), ticket)
	require.Error(t, err)

	assert.False(t, p.CompleteSend(ticket, sent, err))
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], api.sendErr)
}

func TestPipeline_OnChange(t *testing.T) {
	var snapshots [][]protocol.Message
	p := newPipeline(&fakeAPI{}, conversation.WithOnChange(func(m []protocol.Message) {
		snapshots = append(snapshots, m)
	}))

	require.NoError(t, p.SelectConversation(context.Background(), chan9))
	p.AppendLive(msg(chan9, "1", "hi"))
	p.AppendLive(msg(chan3, "2", "ignored"))

	require.Len(t, snapshots, 3)
	assert.Empty(t, snapshots[0])
	assert.Equal(t, []string{"hi"}, contents(snapshots[2]))
}
