package registry

import (
	"sync"

	"go.uber.org/zap"
)

// Registry maps user ids to their active connection. It holds at most one
// client per user; registering a second connection evicts the first.
// All methods are safe for concurrent use.
type Registry struct {
	clients map[string]*Client
	mu      sync.RWMutex

	hooksMu sync.RWMutex
	hooks   []func(userID string)

	log *zap.Logger
}

// New creates an empty Registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		clients: make(map[string]*Client),
		log:     log,
	}
}

// OnUnregister registers fn to run whenever a user's connection goes away,
// either by Unregister or by eviction. Hooks run outside the registry lock.
func (r *Registry) OnUnregister(fn func(userID string)) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// Register adds client, replacing and closing any previous connection of the
// same user. The evicted client is returned, or nil.
func (r *Registry) Register(client *Client) *Client {
	r.mu.Lock()
	old := r.clients[client.UserID]
	r.clients[client.UserID] = client
	r.mu.Unlock()

	if old == nil || old == client {
		return nil
	}

	r.log.Info("evicting previous connection",
		zap.String("user_id", client.UserID),
		zap.String("old_remote", old.Conn.RemoteAddr()),
		zap.String("new_remote", client.Conn.RemoteAddr()))
	if err := old.Close(); err != nil {
		r.log.Debug("close evicted connection", zap.String("user_id", client.UserID), zap.Error(err))
	}
	r.runHooks(client.UserID)
	return old
}

// Lookup returns the active client of userID.
func (r *Registry) Lookup(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[userID]
	return c, ok
}

// Unregister removes client if it is still the registered connection of its
// user. A connection that was already evicted leaves its replacement alone.
func (r *Registry) Unregister(client *Client) bool {
	r.mu.Lock()
	current, ok := r.clients[client.UserID]
	removed := ok && current == client
	if removed {
		delete(r.clients, client.UserID)
	}
	r.mu.Unlock()

	if !removed {
		return false
	}
	r.runHooks(client.UserID)
	return true
}

// Count returns number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Each calls fn for a snapshot of the registered clients.
func (r *Registry) Each(fn func(*Client)) {
	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}

// Close closes every registered connection and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
}

func (r *Registry) runHooks(userID string) {
	r.hooksMu.RLock()
	hooks := make([]func(string), len(r.hooks))
	copy(hooks, r.hooks)
	r.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(userID)
	}
}
