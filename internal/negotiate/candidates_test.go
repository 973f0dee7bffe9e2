package negotiate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
)

func cand(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", i, 50000+i),
	}
}

func TestCandidateBufferHoldsUntilFlush(t *testing.T) {
	var buf CandidateBuffer
	var applied []string
	apply := func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := buf.Offer(cand(i), apply); err != nil {
			t.Fatalf("Offer(%d): %v", i, err)
		}
	}
	if len(applied) != 0 {
		t.Fatalf("applied before flush: %v", applied)
	}
	if buf.Len() != 3 {
		t.Fatalf("Len: got %d, want 3", buf.Len())
	}

	if err := buf.Flush(apply); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	want := []string{cand(0).Candidate, cand(1).Candidate, cand(2).Candidate}
	if len(applied) != len(want) {
		t.Fatalf("applied: got %v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Fatalf("applied[%d]: got %q, want %q", i, applied[i], want[i])
		}
	}

	// After flush the buffer is bypassed: candidates apply immediately and
	// are never queued.
	if err := buf.Offer(cand(9), apply); err != nil {
		t.Fatalf("Offer after flush: %v", err)
	}
	if len(applied) != 4 || applied[3] != cand(9).Candidate {
		t.Fatalf("bypass apply: got %v", applied)
	}
	if buf.Len() != 0 {
		t.Fatalf("Len after bypass: got %d", buf.Len())
	}
}

func TestCandidateBufferFlushIsExactlyOnce(t *testing.T) {
	var buf CandidateBuffer
	var applied int
	apply := func(webrtc.ICECandidateInit) error {
		applied++
		return nil
	}

	if err := buf.Offer(cand(0), apply); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if err := buf.Flush(apply); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := buf.Flush(apply); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied: got %d, want 1", applied)
	}
}

func TestCandidateBufferFlushContinuesPastErrors(t *testing.T) {
	var buf CandidateBuffer
	bad := errors.New("bad candidate")
	var applied []string
	apply := func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		if c.Candidate == cand(1).Candidate {
			return bad
		}
		return nil
	}

	for i := 0; i < 3; i++ {
		_ = buf.Offer(cand(i), apply)
	}
	err := buf.Flush(apply)
	if !errors.Is(err, bad) {
		t.Fatalf("Flush error: got %v", err)
	}
	if len(applied) != 3 {
		t.Fatalf("a failing candidate must not starve the rest: applied %v", applied)
	}
}
