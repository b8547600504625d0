package call

import "testing"

func TestReplayWindowAcceptsOutOfOrder(t *testing.T) {
	w := NewReplayWindow()
	for _, seq := range []uint64{10, 11, 9, 12} {
		if !w.Allow(seq) {
			t.Errorf("seq %d: expected accept", seq)
		}
	}
}

func TestReplayWindowRejectsDuplicateAndStale(t *testing.T) {
	w := NewReplayWindow()
	for _, seq := range []uint64{10, 11, 9, 12, 1000, 1001} {
		if !w.Allow(seq) {
			t.Fatalf("seq %d: expected accept", seq)
		}
	}

	if w.Allow(1000) {
		t.Error("seq 1000: expected reject (duplicate)")
	}
	if w.Allow(800) {
		t.Error("seq 800: expected reject (stale, outside window)")
	}
}

func TestReplayWindowFirstSeqAccepted(t *testing.T) {
	w := NewReplayWindow()
	if !w.Allow(50) {
		t.Fatal("first sequence number must always be accepted")
	}
	max, ok := w.MaxSeen()
	if !ok || max != 50 {
		t.Errorf("MaxSeen = (%d, %v), want (50, true)", max, ok)
	}
}

func TestReplayWindowDuplicateSameSeqRejected(t *testing.T) {
	w := NewReplayWindow()
	w.Allow(50)
	if w.Allow(50) {
		t.Error("repeating the current max_seen must be rejected")
	}
}

func TestReplayWindowShiftBeyondSizeClearsBitmap(t *testing.T) {
	w := NewReplayWindow()
	w.Allow(0)
	w.Allow(1)
	if !w.Allow(1000) {
		t.Fatal("large forward jump must be accepted")
	}
	// Everything below the new window floor should now be rejected,
	// including sequence numbers that were never actually seen.
	if w.Allow(1) {
		t.Error("seq 1 should now be stale (outside 128-wide window)")
	}
}

func TestReplayWindowReset(t *testing.T) {
	w := NewReplayWindow()
	w.Allow(500)
	w.Reset()
	if _, ok := w.MaxSeen(); ok {
		t.Error("MaxSeen should report unset after Reset")
	}
	if !w.Allow(0) {
		t.Error("after Reset, a fresh sequence stream should be accepted from scratch")
	}
}
