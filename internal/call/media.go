package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource produces local streams without touching hardware. The audio
// track carries silence so the remote side sees a live stream; the video track
// is negotiated but stays empty.
type SyntheticSource struct{}

// Acquire implements MediaSource.
func (SyntheticSource) Acquire(ctx context.Context, kind MediaKind) (LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "huddle-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	stream := &sampleStream{
		tracks: []webrtc.TrackLocal{audio},
		quit:   make(chan struct{}),
	}

	if kind == Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		stream.tracks = append(stream.tracks, video)
	}

	stream.wg.Add(1)
	go stream.pump(audio)
	return stream, nil
}

type sampleStream struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *sampleStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

func (s *sampleStream) Stop() {
	s.once.Do(func() {
		close(s.quit)
		s.wg.Wait()
		s.mu.Lock()
		s.tracks = nil
		s.mu.Unlock()
	})
}

// pump writes a silent frame every 20ms until Stop.
func (s *sampleStream) pump(track *webrtc.TrackLocalStaticSample) {
	defer s.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			// Writes before the track is bound are discarded by pion.
			_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
		}
	}
}
