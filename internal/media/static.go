package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var errSourceClosed = errors.New("media source closed")

// StaticSource serves sample-fed local tracks without touching any capture
// device. It backs headless runs and tests; a device-backed Source plugs in
// behind the same interface.
type StaticSource struct {
	withAudio bool

	mu     sync.Mutex
	closed bool
}

func NewStaticSource(withAudio bool) *StaticSource {
	return &StaticSource{withAudio: withAudio}
}

func (s *StaticSource) Tracks(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSourceClosed
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "duocall",
	)
	if err != nil {
		return nil, err
	}
	tracks := []webrtc.TrackLocal{video}

	if s.withAudio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "duocall",
		)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, audio)
	}

	return tracks, nil
}

func (s *StaticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
