// Package media abstracts local media acquisition.
//
// Real capture devices are an external collaborator: a denied permission or
// missing camera is reported once and never retried. The Negotiator only
// sees the Source interface.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Source supplies the local tracks for one call and owns stopping them.
type Source interface {
	// Tracks acquires the local tracks (video, optionally audio). A failure
	// is fatal for the call.
	Tracks(ctx context.Context) ([]webrtc.TrackLocal, error)

	// Close stops every track the source handed out. Must be idempotent.
	Close() error
}
