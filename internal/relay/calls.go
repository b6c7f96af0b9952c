package relay

import (
	"sync"

	"github.com/omochice/huddle/pkg/protocol"
)

// CallTable remembers which users are negotiating or talking with each other,
// as seen from the signaling envelopes the relay forwarded. It lets the relay
// tell the remaining participant when the other one disconnects.
type CallTable struct {
	mu    sync.Mutex
	peers map[string]string
}

// NewCallTable creates an empty CallTable.
func NewCallTable() *CallTable {
	return &CallTable{peers: make(map[string]string)}
}

// Observe updates the table with a forwarded envelope from sender.
func (t *CallTable) Observe(sender string, env protocol.Envelope) {
	target := env.TargetUserID
	if sender == "" || target == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch env.Kind {
	case protocol.KindCallOffer:
		t.unpairLocked(sender)
		// A busy callee ignores the offer and keeps its current call.
		if _, busy := t.peers[target]; busy {
			return
		}
		t.peers[sender] = target
		t.peers[target] = sender
	case protocol.KindCallAnswer:
		t.unpairLocked(sender)
		t.unpairLocked(target)
		t.peers[sender] = target
		t.peers[target] = sender
	case protocol.KindCallEnd:
		if t.peers[sender] == target {
			delete(t.peers, sender)
			delete(t.peers, target)
		}
	}
}

// Peer returns the user userID is in a call with.
func (t *CallTable) Peer(userID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[userID]
	return peer, ok
}

// Remove drops userID's pair and returns the other participant.
func (t *CallTable) Remove(userID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[userID]
	if ok {
		t.unpairLocked(userID)
	}
	return peer, ok
}

// Len returns the number of users currently paired.
func (t *CallTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func (t *CallTable) unpairLocked(userID string) {
	peer, ok := t.peers[userID]
	if !ok {
		return
	}
	delete(t.peers, userID)
	if t.peers[peer] == userID {
		delete(t.peers, peer)
	}
}
