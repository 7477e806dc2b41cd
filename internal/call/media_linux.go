//go:build linux && cgo

package call

import (
	"context"
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures camera, microphone and screen via pion/mediadevices
// (V4L2 + malgo + X11 on Linux) and vends PeerConnections whose media engine
// carries the same VP8+Opus codecs the capture tracks encode to.
type DeviceSource struct {
	codec *mediadevices.CodecSelector
	api   *webrtc.API
	cfg   webrtc.Configuration
}

// NewDeviceSource builds the capture stack for this host.
func NewDeviceSource(iceServers []string) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("call: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("call: opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	me := &webrtc.MediaEngine{}
	selector.Populate(me)

	api, err := newAPI(me)
	if err != nil {
		return nil, fmt.Errorf("call: webrtc api: %w", err)
	}

	return &DeviceSource{
		codec: selector,
		api:   api,
		cfg:   iceConfig(iceServers),
	}, nil
}

// NewPeerConnection builds a PeerConnection on this source's codec set.
func (d *DeviceSource) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return d.api.NewPeerConnection(d.cfg)
}

// AcquireUser captures microphone and, when video is set, camera.
//
// GetUserMedia fails as a unit if either track can't be opened, so fall back
// through video+audio, audio-only, video-only: a missing or busy microphone
// should not prevent the camera from working and vice versa. When every
// attempt fails the error is returned so the caller aborts instead of placing
// a call it cannot contribute media to.
func (d *DeviceSource) AcquireUser(ctx context.Context, video bool) (*LocalMedia, error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{video, true, "video+audio"}, {false, true, "audio-only"}}
	if video {
		attempts = append(attempts, attempt{true, false, "video-only"})
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: d.codec}
		if a.video {
			constraints.Video = cameraConstraints
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		media := &LocalMedia{}
		for _, track := range stream.GetTracks() {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local %s track ended: %v", track.Kind(), err)
				}
			})
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				media.Audio = track
			case webrtc.RTPCodecTypeVideo:
				media.Video = track
			}
		}
		log.Printf("CALL: local media captured (%s)", a.label)
		return media, nil
	}

	return nil, fmt.Errorf("call: no usable capture device: %w", lastErr)
}

// AcquireScreen captures the desktop as a video track.
func (d *DeviceSource) AcquireScreen(ctx context.Context) (LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.codec,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("call: screen capture: %w", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("call: screen capture produced no video track")
	}
	return tracks[0], nil
}

// AcquireCamera reopens camera-only capture.
func (d *DeviceSource) AcquireCamera(ctx context.Context) (LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: d.codec,
		Video: cameraConstraints,
	})
	if err != nil {
		return nil, fmt.Errorf("call: camera capture: %w", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("call: camera capture produced no video track")
	}
	return tracks[0], nil
}

// cameraConstraints excludes MJPEG; some cameras expose an MJPEG V4L2 node
// that produces malformed JPEG frames, which poisons the VP8 encoder. Capped
// at 640×480 since higher resolutions increase encoding latency.
func cameraConstraints(c *mediadevices.MediaTrackConstraints) {
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}
