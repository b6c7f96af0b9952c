//go:build !(linux && mediadevices)

package main

import (
	"go.uber.org/zap"

	"github.com/omochice/huddle/internal/call"
)

// newMediaSource returns a source that sends silence. Build with the
// mediadevices tag on Linux to capture real devices.
func newMediaSource(log *zap.Logger) (call.MediaSource, call.CodecRegistrar, error) {
	log.Info("using synthetic media")
	return call.SyntheticSource{}, nil, nil
}
