package call

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/omochice/huddle/pkg/protocol"
)

// Config wires a Machine to its collaborators.
type Config struct {
	Media  MediaSource
	Peers  PeerFactory
	Sender Sender
	// Post runs fn on the goroutine that owns the machine and reports whether
	// it was accepted. Peer callbacks and acquired media arrive on other
	// goroutines and are handed to Post. Nil runs fn inline.
	Post func(fn func()) bool
	// Spawn runs media acquisition off the owning goroutine. Nil acquires
	// inline, and Start and HandleEnvelope then return media failures.
	Spawn func(fn func())
	// OnError receives failures the user should see.
	OnError func(error)
	Log     *zap.Logger
}

// session is the ephemeral state of one call. It is owned by the machine and
// nothing else reads or mutates it.
type session struct {
	remote    string
	kind      MediaKind
	initiator bool

	local  LocalStream
	peer   Peer
	stream *RemoteStream

	// signaled is set once the first local descriptor went out.
	signaled   bool
	held       *RemoteStream
	pendingICE []Descriptor
}

// Machine is the call signaling state machine of one client. It is not safe
// for concurrent use; every method must run on the client's event loop.
type Machine struct {
	cfg       Config
	log       *zap.Logger
	state     State
	sess      *session
	observers []func(Snapshot)
}

// NewMachine creates an idle Machine.
func NewMachine(cfg Config) *Machine {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Post == nil {
		cfg.Post = func(fn func()) bool {
			fn()
			return true
		}
	}
	return &Machine{cfg: cfg, log: cfg.Log}
}

// Observe registers fn to receive a snapshot after every transition.
func (m *Machine) Observe(fn func(Snapshot)) {
	m.observers = append(m.observers, fn)
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Snapshot returns the current observable state.
func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{State: m.state}
	if s := m.sess; s != nil {
		snap.Remote = s.remote
		snap.Kind = s.kind
		snap.Initiator = s.initiator
		snap.HasPeer = s.peer != nil
		if s.local != nil {
			snap.LocalTracks = len(s.local.Tracks())
		}
		if s.stream != nil {
			snap.RemoteID = s.stream.ID
		}
	}
	return snap
}

// Start calls target. It acquires local media and emits the offer once the
// peer produces it.
func (m *Machine) Start(ctx context.Context, target string, kind MediaKind) error {
	if target == "" {
		return ErrNoTarget
	}
	if m.state != Idle {
		return ErrBusy
	}

	sess := &session{remote: target, kind: kind, initiator: true}
	m.sess = sess
	m.transition(Outgoing)
	m.log.Info("calling", zap.String("target", target), zap.Stringer("kind", kind))

	return m.acquire(ctx, sess, nil)
}

// HandleEnvelope feeds a signaling envelope received from the relay. Failures
// are also reported through OnError.
func (m *Machine) HandleEnvelope(ctx context.Context, env protocol.Envelope) error {
	from := env.SenderUserID
	switch env.Kind {
	case protocol.KindCallOffer:
		return m.handleOffer(ctx, env)

	case protocol.KindCallAnswer:
		s := m.sess
		if s == nil || !s.initiator || from != s.remote ||
			(m.state != Outgoing && m.state != Negotiating) {
			m.log.Debug("ignoring answer", zap.String("from", from), zap.Stringer("state", m.state))
			return nil
		}
		return m.signal(s, env.Data)

	case protocol.KindCallICE:
		s := m.sess
		if s == nil || from != s.remote {
			m.log.Debug("ignoring candidate", zap.String("from", from), zap.Stringer("state", m.state))
			return nil
		}
		if m.state == Outgoing || m.state == Incoming {
			s.pendingICE = append(s.pendingICE, env.Data)
			return nil
		}
		return m.signal(s, env.Data)

	case protocol.KindCallEnd:
		if m.sess == nil || from != m.sess.remote {
			return nil
		}
		if reason, _ := env.Data["reason"].(string); reason == "disconnected" {
			m.PeerGone(from)
			return nil
		}
		m.End(ReasonRemote)
		return nil

	default:
		return nil
	}
}

// End tears the call down and returns to Idle. It is a no-op when Idle.
func (m *Machine) End(reason EndReason) {
	s := m.sess
	if s == nil || m.state == Idle || m.state == Ended {
		return
	}

	// A callee that never saw our offer has nothing to hang up.
	if reason.notifiesRemote() && (s.signaled || !s.initiator) {
		m.send(protocol.Envelope{
			Kind:         protocol.KindCallEnd,
			Data:         map[string]any{"reason": string(reason)},
			TargetUserID: s.remote,
		})
	}

	m.state = Ended
	if s.peer != nil {
		if err := s.peer.Destroy(); err != nil {
			m.log.Debug("destroy peer", zap.Error(err))
		}
		s.peer = nil
	}
	if s.local != nil {
		s.local.Stop()
		s.local = nil
	}
	s.stream = nil
	s.held = nil
	s.pendingICE = nil

	snap := m.Snapshot()
	snap.Reason = reason
	m.notify(snap)
	m.log.Info("call ended", zap.String("remote", s.remote), zap.String("reason", string(reason)))

	m.sess = nil
	m.transition(Idle)
}

// PeerGone ends the call if userID is its remote participant.
func (m *Machine) PeerGone(userID string) {
	if m.sess != nil && m.sess.remote == userID {
		m.End(ReasonPeerGone)
	}
}

func (m *Machine) handleOffer(ctx context.Context, env protocol.Envelope) error {
	from := env.SenderUserID
	if from == "" {
		m.log.Warn("ignoring offer without sender")
		return nil
	}
	if m.state != Idle {
		m.log.Info("busy, ignoring incoming call", zap.String("from", from), zap.Stringer("state", m.state))
		return nil
	}

	kind := Audio
	if env.Video {
		kind = Video
	}
	sess := &session{remote: from, kind: kind}
	m.sess = sess
	m.transition(Incoming)
	m.log.Info("incoming call", zap.String("from", from), zap.Stringer("kind", kind))

	// Incoming calls are answered without asking the user.
	return m.acquire(ctx, sess, env.Data)
}

// acquire obtains local media for sess and continues with onAcquired. With a
// Spawn hook the wait happens off the owning goroutine, so the call can be
// ended or the client closed while the camera or microphone is pending.
func (m *Machine) acquire(ctx context.Context, sess *session, offer Descriptor) error {
	if m.cfg.Spawn == nil {
		local, err := m.cfg.Media.Acquire(ctx, sess.kind)
		return m.onAcquired(sess, offer, local, err)
	}
	m.cfg.Spawn(func() {
		local, err := m.cfg.Media.Acquire(ctx, sess.kind)
		posted := m.cfg.Post(func() {
			if setupErr := m.onAcquired(sess, offer, local, err); setupErr != nil {
				m.log.Debug("call setup failed", zap.String("remote", sess.remote), zap.Error(setupErr))
			}
		})
		if !posted && local != nil {
			local.Stop()
		}
	})
	return nil
}

// onAcquired builds the peer of sess around local. offer is nil on the
// initiating side. Media acquired for a session that has since ended is
// released.
func (m *Machine) onAcquired(sess *session, offer Descriptor, local LocalStream, err error) error {
	if m.sess != sess {
		if local != nil {
			local.Stop()
		}
		return nil
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
		// No partial session survives a media failure.
		m.sess = nil
		m.transition(Idle)
		m.report(err)
		return err
	}
	sess.local = local

	peer, err := m.cfg.Peers.NewPeer(sess.initiator, local, m.eventsFor(sess))
	if err != nil {
		err = fmt.Errorf("create peer: %w", err)
		m.End(ReasonFailed)
		m.report(err)
		return err
	}
	if m.sess != sess {
		_ = peer.Destroy()
		return nil
	}
	sess.peer = peer
	m.notify(m.Snapshot())

	if offer != nil {
		return m.signal(sess, offer)
	}
	if m.state == Negotiating {
		// The peer signaled while it was being constructed.
		m.flushPending(sess)
	}
	return nil
}

func (m *Machine) signal(s *session, desc Descriptor) error {
	if s.peer == nil {
		s.pendingICE = append(s.pendingICE, desc)
		return nil
	}
	if err := s.peer.Signal(desc); err != nil {
		err = fmt.Errorf("signal peer: %w", err)
		m.End(ReasonFailed)
		m.report(err)
		return err
	}
	return nil
}

// eventsFor binds peer callbacks to sess. Callbacks of a session that is no
// longer current are dropped.
func (m *Machine) eventsFor(s *session) PeerEvents {
	return PeerEvents{
		OnSignal: func(desc Descriptor) {
			m.cfg.Post(func() { m.onLocalSignal(s, desc) })
		},
		OnStream: func(stream RemoteStream) {
			m.cfg.Post(func() { m.onStream(s, stream) })
		},
		OnError: func(err error) {
			m.cfg.Post(func() {
				if m.sess != s {
					return
				}
				m.log.Warn("peer failed", zap.String("remote", s.remote), zap.Error(err))
				m.End(ReasonFailed)
				m.report(err)
			})
		},
	}
}

func (m *Machine) onLocalSignal(s *session, desc Descriptor) {
	if m.sess != s {
		return
	}

	env := protocol.Envelope{Data: desc, TargetUserID: s.remote}
	switch {
	case isCandidate(desc):
		env.Kind = protocol.KindCallICE
	case s.initiator:
		env.Kind = protocol.KindCallOffer
		env.Video = s.kind == Video
	default:
		env.Kind = protocol.KindCallAnswer
	}
	m.send(env)

	if !s.signaled && !isCandidate(desc) {
		s.signaled = true
		m.enterNegotiating(s)
	}
}

func (m *Machine) enterNegotiating(s *session) {
	m.transition(Negotiating)
	if s.peer != nil {
		m.flushPending(s)
	}
	if held := s.held; held != nil && m.sess == s {
		s.held = nil
		m.onStream(s, *held)
	}
}

// flushPending feeds candidates that arrived before negotiation started.
func (m *Machine) flushPending(s *session) {
	pending := s.pendingICE
	s.pendingICE = nil
	for _, desc := range pending {
		if m.sess != s {
			return
		}
		if err := m.signal(s, desc); err != nil {
			return
		}
	}
}

func (m *Machine) onStream(s *session, stream RemoteStream) {
	if m.sess != s {
		return
	}
	switch m.state {
	case Outgoing, Incoming:
		// Active is only reachable through Negotiating.
		s.held = &stream
	case Negotiating:
		s.stream = &stream
		m.log.Info("call active", zap.String("remote", s.remote), zap.String("stream", stream.ID))
		m.transition(Active)
	case Active:
		if s.stream == nil || s.stream.ID != stream.ID {
			s.stream = &stream
			m.notify(m.Snapshot())
		}
	}
}

func (m *Machine) send(env protocol.Envelope) {
	if m.cfg.Sender == nil {
		return
	}
	if err := m.cfg.Sender.Send(env); err != nil {
		m.log.Warn("failed to send signaling envelope",
			zap.Stringer("kind", env.Kind), zap.String("target", env.TargetUserID), zap.Error(err))
	}
}

func (m *Machine) transition(to State) {
	m.state = to
	m.notify(m.Snapshot())
}

func (m *Machine) notify(snap Snapshot) {
	for _, fn := range m.observers {
		fn(snap)
	}
}

func (m *Machine) report(err error) {
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

func isCandidate(desc Descriptor) bool {
	_, ok := desc["candidate"]
	return ok
}
