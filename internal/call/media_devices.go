//go:build linux && mediadevices

package call

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DeviceSource captures the local camera and microphone.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
	log      *zap.Logger
}

// NewDeviceSource prepares VP8 and Opus encoders for captured media.
func NewDeviceSource(log *zap.Logger) (*DeviceSource, error) {
	if log == nil {
		log = zap.NewNop()
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: log,
	}, nil
}

// Populate registers the encoders' codecs, so a PionFactory built with this
// source negotiates what it actually sends.
func (d *DeviceSource) Populate(me *webrtc.MediaEngine) {
	d.selector.Populate(me)
}

// Acquire implements MediaSource.
func (d *DeviceSource) Acquire(ctx context.Context, kind MediaKind) (LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if kind == Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	tracks := stream.GetTracks()
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				d.log.Warn("local track ended", zap.Error(err))
			}
		})
	}
	d.log.Info("local media captured", zap.Stringer("kind", kind), zap.Int("tracks", len(tracks)))
	return &deviceStream{tracks: tracks}, nil
}

type deviceStream struct {
	tracks []mediadevices.Track
}

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Stop() {
	for _, t := range s.tracks {
		_ = t.Close()
	}
	s.tracks = nil
}
