package media

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

// CaptureFunc acquires local media tracks for a call. The concrete capture
// engine (camera/microphone drivers, permission prompts) lives outside this
// library; embedding applications inject their own CaptureFunc and classify
// failures by wrapping ErrPermissionDenied or ErrMediaUnavailable.
type CaptureFunc func(audio, video bool) ([]webrtc.TrackLocal, error)

// StaticCapture returns a CaptureFunc producing silent static tracks. It
// needs no platform drivers, which makes it suitable for tests and for
// permissive demo deployments where real capture is absent.
func StaticCapture() CaptureFunc {
	return func(audio, video bool) ([]webrtc.TrackLocal, error) {
		var tracks []webrtc.TrackLocal
		if audio {
			track, err := webrtc.NewTrackLocalStaticSample(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
				"audio", "callkit",
			)
			if err != nil {
				return nil, fmt.Errorf("create static audio track: %w", ErrMediaUnavailable)
			}
			tracks = append(tracks, track)
		}
		if video {
			track, err := webrtc.NewTrackLocalStaticSample(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
				"video", "callkit",
			)
			if err != nil {
				return nil, fmt.Errorf("create static video track: %w", ErrMediaUnavailable)
			}
			tracks = append(tracks, track)
		}
		return tracks, nil
	}
}
