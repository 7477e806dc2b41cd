//go:build !linux || !cgo

package call

import (
	"context"
	"log"

	"github.com/pion/webrtc/v4"
)

// DeviceSource on non-Linux platforms has no capture backend wired; calls run
// receive-only. Transport still works, so a headless node can relay and
// observe calls.
type DeviceSource struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewDeviceSource(iceServers []string) (*DeviceSource, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api, err := newAPI(me)
	if err != nil {
		return nil, err
	}
	return &DeviceSource{api: api, cfg: iceConfig(iceServers)}, nil
}

func (d *DeviceSource) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return d.api.NewPeerConnection(d.cfg)
}

func (d *DeviceSource) AcquireUser(ctx context.Context, video bool) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Printf("CALL: no capture backend on this platform, proceeding receive-only")
	return &LocalMedia{}, nil
}

func (d *DeviceSource) AcquireScreen(_ context.Context) (LocalTrack, error) {
	return nil, ErrNoCapture
}

func (d *DeviceSource) AcquireCamera(_ context.Context) (LocalTrack, error) {
	return nil, ErrNoCapture
}
