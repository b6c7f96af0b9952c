package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// CodecRegistrar fills a MediaEngine with the codecs local capture produces.
type CodecRegistrar interface {
	Populate(me *webrtc.MediaEngine)
}

// PionConfig configures a PionFactory.
type PionConfig struct {
	ICEServers []string
	// Trickle sends candidates as they are gathered. When false the single
	// offer or answer carries every candidate.
	Trickle bool
	// IncludeLoopback gathers loopback candidates, for hosts with no other interface.
	IncludeLoopback bool
	// Codecs overrides the default codec set.
	Codecs CodecRegistrar
	Log    *zap.Logger
}

// PionFactory builds peers on pion/webrtc.
type PionFactory struct {
	api     *webrtc.API
	config  webrtc.Configuration
	trickle bool
	log     *zap.Logger
}

// NewPionFactory creates a factory sharing one pion API across calls.
func NewPionFactory(cfg PionConfig) (*PionFactory, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if cfg.Codecs != nil {
		cfg.Codecs.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		config:  webrtc.Configuration{ICEServers: servers},
		trickle: cfg.Trickle,
		log:     cfg.Log,
	}, nil
}

// NewPeer implements PeerFactory.
func (f *PionFactory) NewPeer(initiator bool, local LocalStream, events PeerEvents) (Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &pionPeer{
		pc:        pc,
		initiator: initiator,
		trickle:   f.trickle,
		events:    events,
		streams:   make(map[string]bool),
		log:       f.log,
	}

	var tracks []webrtc.TrackLocal
	if local != nil {
		tracks = local.Tracks()
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}
	if initiator && len(tracks) == 0 {
		addRecvOnlyTransceivers(pc, f.log)
	}

	pc.OnTrack(p.onTrack)
	pc.OnICECandidate(p.onCandidate)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", zap.Stringer("state", state))
		if state == webrtc.PeerConnectionStateFailed {
			p.fail(ErrPeerFailed)
		}
	})

	if initiator {
		go p.negotiate(func() (webrtc.SessionDescription, error) { return pc.CreateOffer(nil) })
	}
	return p, nil
}

// addRecvOnlyTransceivers makes an offer without local tracks still carry
// audio and video m-lines.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, log *zap.Logger) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warn("add recvonly transceiver", zap.Stringer("kind", kind), zap.Error(err))
		}
	}
}

type pionPeer struct {
	pc        *webrtc.PeerConnection
	initiator bool
	trickle   bool
	events    PeerEvents
	log       *zap.Logger

	mu                sync.Mutex
	destroyed         bool
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
	streams           map[string]bool
}

// Signal implements Peer.
func (p *pionPeer) Signal(desc Descriptor) error {
	if _, ok := desc["candidate"]; ok {
		candidate, err := candidateFromDescriptor(desc)
		if err != nil {
			return err
		}
		p.mu.Lock()
		if !p.remoteSet {
			p.pendingCandidates = append(p.pendingCandidates, candidate)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		return p.pc.AddICECandidate(candidate)
	}

	if _, ok := desc["sdp"]; !ok {
		return errors.New("unrecognised descriptor")
	}
	var sd webrtc.SessionDescription
	if err := convert(desc, &sd); err != nil {
		return fmt.Errorf("session description: %w", err)
	}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Debug("add queued candidate", zap.Error(err))
		}
	}

	if sd.Type == webrtc.SDPTypeOffer {
		go p.negotiate(func() (webrtc.SessionDescription, error) { return p.pc.CreateAnswer(nil) })
	}
	return nil
}

// Destroy implements Peer.
func (p *pionPeer) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.mu.Unlock()
	return p.pc.Close()
}

// negotiate creates the local description and signals it, after gathering
// every candidate unless trickling.
func (p *pionPeer) negotiate(create func() (webrtc.SessionDescription, error)) {
	sd, err := create()
	if err != nil {
		p.fail(fmt.Errorf("create description: %w", err))
		return
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(sd); err != nil {
		p.fail(fmt.Errorf("set local description: %w", err))
		return
	}
	if !p.trickle {
		<-gathered
	}

	local := p.pc.LocalDescription()
	if local == nil {
		p.fail(errors.New("no local description"))
		return
	}
	desc := Descriptor{}
	if err := convert(local, &desc); err != nil {
		p.fail(err)
		return
	}
	p.emit(func() {
		if p.events.OnSignal != nil {
			p.events.OnSignal(desc)
		}
	})
}

func (p *pionPeer) onCandidate(c *webrtc.ICECandidate) {
	if c == nil || !p.trickle {
		return
	}
	candidate := Descriptor{}
	if err := convert(c.ToJSON(), &candidate); err != nil {
		p.log.Debug("encode candidate", zap.Error(err))
		return
	}
	p.emit(func() {
		if p.events.OnSignal != nil {
			p.events.OnSignal(Descriptor{"type": "candidate", "candidate": candidate})
		}
	})
}

func (p *pionPeer) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	go drain(track)

	p.mu.Lock()
	seen := p.streams[track.StreamID()]
	p.streams[track.StreamID()] = true
	p.mu.Unlock()
	if seen {
		return
	}
	p.emit(func() {
		if p.events.OnStream != nil {
			p.events.OnStream(RemoteStream{ID: track.StreamID(), Track: track})
		}
	})
}

func (p *pionPeer) fail(err error) {
	p.emit(func() {
		if p.events.OnError != nil {
			p.events.OnError(err)
		}
	})
}

// emit runs fn unless the peer was destroyed.
func (p *pionPeer) emit(fn func()) {
	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if !destroyed {
		fn()
	}
}

// drain consumes RTP so receive buffers and RTCP keep flowing until the
// track ends. Playback is not part of this package.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// candidateFromDescriptor accepts {"candidate": {...}} and the flat
// {"candidate": "...", "sdpMid": ...} form.
func candidateFromDescriptor(desc Descriptor) (webrtc.ICECandidateInit, error) {
	var ci webrtc.ICECandidateInit
	src := any(desc)
	if nested, ok := desc["candidate"].(map[string]any); ok {
		src = nested
	}
	if err := convert(src, &ci); err != nil {
		return ci, fmt.Errorf("candidate: %w", err)
	}
	return ci, nil
}

// convert moves a value between pion's types and JSON-shaped maps.
func convert(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
