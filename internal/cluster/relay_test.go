package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/huddle/internal/cluster"
	"github.com/omochice/huddle/internal/relay"
	"github.com/omochice/huddle/internal/store"
	"github.com/omochice/huddle/internal/transport/ws"
	"github.com/omochice/huddle/pkg/protocol"
)

var (
	_ relay.Bridge  = (*cluster.Bridge)(nil)
	_ cluster.Local = (*relay.Router)(nil)
)

func startRelay(t *testing.T, b *bus, nodeID string) *relay.Server {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)

	srv := relay.New(relay.Options{Address: "127.0.0.1:0"}, st, nil)
	bridge := cluster.New(b, cluster.Options{NodeID: nodeID}, srv.Router(), nil)
	require.NoError(t, bridge.Start())
	srv.Router().SetBridge(bridge)

	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		srv.Stop()
		bridge.Close()
		st.Close()
	})
	return srv
}

func TestCluster_SignalingAcrossNodes(t *testing.T) {
	b := newBus()
	nodeA := startRelay(t, b, "a")
	nodeB := startRelay(t, b, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	caller, err := ws.Dial(ctx, "ws://"+nodeA.Addr()+"/ws/1")
	require.NoError(t, err)
	defer caller.Close()
	callee, err := ws.Dial(ctx, "ws://"+nodeB.Addr()+"/ws/2")
	require.NoError(t, err)
	defer callee.Close()

	require.Eventually(t, func() bool {
		return nodeA.ClientCount() == 1 && nodeB.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	offer := protocol.Envelope{Kind: protocol.KindCallOffer, Data: map[string]any{"sdp": "v=0"}, TargetUserID: "2"}
	frame, err := offer.Encode()
	require.NoError(t, err)
	require.NoError(t, caller.Write(ctx, frame))

	got, err := callee.Read(ctx)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, env.Decode(got))
	assert.Equal(t, protocol.KindCallOffer, env.Kind)
	assert.Equal(t, "1", env.SenderUserID)
}
