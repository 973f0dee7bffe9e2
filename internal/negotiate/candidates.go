package negotiate

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateBuffer holds ICE candidates that arrive before the remote
// description exists.
//
// Until Flush, Offer appends and nothing is applied. Flush applies the
// pending candidates in arrival order exactly once and flips the buffer
// into bypass mode: every later Offer applies immediately. Candidates are
// never reordered and never dropped.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	bypass  bool
}

// Offer hands one candidate to the buffer. In bypass mode it is applied
// right away; otherwise it is queued for the next Flush.
func (b *CandidateBuffer) Offer(c webrtc.ICECandidateInit, apply func(webrtc.ICECandidateInit) error) error {
	b.mu.Lock()
	if !b.bypass {
		b.pending = append(b.pending, c)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return apply(c)
}

// Flush applies all pending candidates in FIFO order, then switches to
// bypass mode. Every pending candidate is offered to apply even when an
// earlier one fails; the first failure is returned.
func (b *CandidateBuffer) Flush(apply func(webrtc.ICECandidateInit) error) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.bypass = true
	b.mu.Unlock()

	var errs []error
	for _, c := range pending {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports how many candidates are waiting for a remote description.
func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Bypassed reports whether Flush has run.
func (b *CandidateBuffer) Bypassed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bypass
}
