package relay_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/huddle/internal/registry"
	"github.com/omochice/huddle/internal/relay"
	"github.com/omochice/huddle/pkg/protocol"
)

// mockConn is a registry.Conn that only records whether it was closed.
// Frames stay in the client's Outgoing channel since no write loop runs.
type mockConn struct {
	mu     sync.Mutex
	closed bool
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, io.EOF
}

func (m *mockConn) Write(context.Context, []byte) error { return nil }

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) RemoteAddr() string { return "127.0.0.1:1" }

type fakeBridge struct {
	mu         sync.Mutex
	users      map[string][][]byte
	broadcasts [][]byte
	err        error
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{users: make(map[string][][]byte)}
}

func (b *fakeBridge) PublishUser(userID string, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.users[userID] = append(b.users[userID], frame)
	return nil
}

func (b *fakeBridge) PublishBroadcast(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts = append(b.broadcasts, frame)
	return nil
}

type fixture struct {
	reg    *registry.Registry
	calls  *relay.CallTable
	router *relay.Router
}

func newFixture() *fixture {
	reg := registry.New(nil)
	calls := relay.NewCallTable()
	return &fixture{
		reg:    reg,
		calls:  calls,
		router: relay.NewRouter(reg, calls, nil, nil),
	}
}

func (f *fixture) connect(userID string) *registry.Client {
	client := registry.NewClient(userID, &mockConn{}, 8)
	f.reg.Register(client)
	return client
}

// nextEnvelope decodes the next queued frame of client.
func nextEnvelope(t *testing.T, client *registry.Client) protocol.Envelope {
	t.Helper()
	select {
	case frame := <-client.Outgoing:
		var env protocol.Envelope
		require.NoError(t, env.Decode(frame))
		return env
	default:
		t.Fatalf("no frame queued for %s", client.UserID)
		return protocol.Envelope{}
	}
}

func assertNoFrame(t *testing.T, client *registry.Client) {
	t.Helper()
	assert.Empty(t, client.Outgoing, "unexpected frame for %s", client.UserID)
}

func TestRouter_ForwardsSignalingToTarget(t *testing.T) {
	f := newFixture()
	a := f.connect("1")
	b := f.connect("2")

	descriptor := map[string]any{"type": "offer", "sdp": "v=0"}
	outcome := f.router.Route("1", protocol.Envelope{
		Kind:         protocol.KindCallOffer,
		Data:         descriptor,
		TargetUserID: "2",
		Video:        true,
	})

	assert.Equal(t, relay.OutcomeForwarded, outcome)
	got := nextEnvelope(t, b)
	assert.Equal(t, protocol.KindCallOffer, got.Kind)
	assert.Equal(t, descriptor, got.Data)
	assert.Equal(t, "2", got.TargetUserID)
	assert.True(t, got.Video)
	assert.Equal(t, "1", got.SenderUserID)
	assertNoFrame(t, a)
}

func TestRouter_OverwritesClaimedSender(t *testing.T) {
	f := newFixture()
	f.connect("1")
	b := f.connect("2")

	f.router.Route("1", protocol.Envelope{
		Kind:         protocol.KindCallICE,
		Data:         map[string]any{"candidate": "c"},
		TargetUserID: "2",
		SenderUserID: "999",
	})

	assert.Equal(t, "1", nextEnvelope(t, b).SenderUserID)
}

func TestRouter_UnknownTargetIsDropped(t *testing.T) {
	f := newFixture()
	a := f.connect("1")

	kinds := []protocol.Kind{protocol.KindCallOffer, protocol.KindCallAnswer, protocol.KindCallICE}
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			outcome := f.router.Route("1", protocol.Envelope{Kind: kind, TargetUserID: "404"})
			assert.Equal(t, relay.OutcomeDropped, outcome)
			assertNoFrame(t, a)
		})
	}
	assert.Zero(t, f.calls.Len())
}

func TestRouter_DropsUnroutable(t *testing.T) {
	f := newFixture()
	a := f.connect("1")
	b := f.connect("2")

	tests := []struct {
		name string
		env  protocol.Envelope
	}{
		{"chat from socket", protocol.Envelope{Kind: protocol.KindChatChannel, Data: map[string]any{"channel_id": "c"}, TargetUserID: "2"}},
		{"missing target", protocol.Envelope{Kind: protocol.KindCallOffer}},
		{"self target", protocol.Envelope{Kind: protocol.KindCallOffer, TargetUserID: "1"}},
		{"unknown kind", protocol.Envelope{Kind: protocol.KindUnknown, TargetUserID: "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, relay.OutcomeDropped, f.router.Route("1", tt.env))
		})
	}
	assertNoFrame(t, a)
	assertNoFrame(t, b)
}

func TestRouter_BridgesWhenTargetIsRemote(t *testing.T) {
	f := newFixture()
	f.connect("1")
	bridge := newFakeBridge()
	f.router.SetBridge(bridge)

	outcome := f.router.Route("1", protocol.Envelope{Kind: protocol.KindCallOffer, TargetUserID: "2"})

	assert.Equal(t, relay.OutcomeBridged, outcome)
	require.Len(t, bridge.users["2"], 1)
	var env protocol.Envelope
	require.NoError(t, env.Decode(bridge.users["2"][0]))
	assert.Equal(t, "1", env.SenderUserID)

	peer, ok := f.calls.Peer("1")
	assert.True(t, ok)
	assert.Equal(t, "2", peer)
}

func TestRouter_BridgeFailureIsDropped(t *testing.T) {
	f := newFixture()
	bridge := newFakeBridge()
	bridge.err = errors.New("nats down")
	f.router.SetBridge(bridge)

	assert.Equal(t, relay.OutcomeDropped,
		f.router.Route("1", protocol.Envelope{Kind: protocol.KindCallOffer, TargetUserID: "2"}))
}

func TestRouter_FullBufferIsDropped(t *testing.T) {
	f := newFixture()
	b := registry.NewClient("2", &mockConn{}, 1)
	f.reg.Register(b)

	env := protocol.Envelope{Kind: protocol.KindCallICE, TargetUserID: "2"}
	assert.Equal(t, relay.OutcomeForwarded, f.router.Route("1", env))
	assert.Equal(t, relay.OutcomeDropped, f.router.Route("1", env))
}

func TestRouter_BroadcastReachesEveryConnection(t *testing.T) {
	f := newFixture()
	a := f.connect("1")
	b := f.connect("2")
	bridge := newFakeBridge()
	f.router.SetBridge(bridge)

	msg := protocol.Message{ID: "m1", ChannelID: "c1", UserID: "1", Content: "hi"}
	n := f.router.Broadcast(msg.Envelope())

	assert.Equal(t, 2, n)
	assert.Equal(t, "c1", nextEnvelope(t, a).ConversationID())
	assert.Equal(t, "c1", nextEnvelope(t, b).ConversationID())
	assert.Len(t, bridge.broadcasts, 1)
}

func TestRouter_HangsUpPeerOfDisconnectedUser(t *testing.T) {
	f := newFixture()
	a := f.connect("1")
	b := f.connect("2")

	f.router.Route("1", protocol.Envelope{Kind: protocol.KindCallOffer, TargetUserID: "2"})
	f.router.Route("2", protocol.Envelope{Kind: protocol.KindCallAnswer, TargetUserID: "1"})
	nextEnvelope(t, a)
	nextEnvelope(t, b)

	require.True(t, f.reg.Unregister(a))

	got := nextEnvelope(t, b)
	assert.Equal(t, protocol.KindCallEnd, got.Kind)
	assert.Equal(t, "1", got.SenderUserID)
	assert.Equal(t, "disconnected", got.Data["reason"])
	assert.Zero(t, f.calls.Len())
}

func TestRouter_HangupClearsPair(t *testing.T) {
	f := newFixture()
	a := f.connect("1")
	b := f.connect("2")

	f.router.Route("1", protocol.Envelope{Kind: protocol.KindCallOffer, TargetUserID: "2"})
	f.router.Route("1", protocol.Envelope{Kind: protocol.KindCallEnd, TargetUserID: "2"})
	nextEnvelope(t, b)
	nextEnvelope(t, b)

	f.reg.Unregister(a)
	assertNoFrame(t, b)
}

func TestRouter_EvictionHangsUpPeer(t *testing.T) {
	f := newFixture()
	f.connect("1")
	b := f.connect("2")

	f.router.Route("1", protocol.Envelope{Kind: protocol.KindCallOffer, TargetUserID: "2"})
	nextEnvelope(t, b)

	f.connect("1")

	assert.Equal(t, protocol.KindCallEnd, nextEnvelope(t, b).Kind)
}
