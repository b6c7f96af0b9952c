//go:build linux && mediadevices

package main

import (
	"go.uber.org/zap"

	"github.com/omochice/huddle/internal/call"
)

func newMediaSource(log *zap.Logger) (call.MediaSource, call.CodecRegistrar, error) {
	src, err := call.NewDeviceSource(log)
	if err != nil {
		return nil, nil, err
	}
	return src, src, nil
}
