package call

import "testing"

func TestJitterBufferPrefillBlocksUntilTarget(t *testing.T) {
	b := NewJitterBuffer(ModeFixed, 3, 1, 10, 30)

	b.Push(Concealable{PCM: []float32{1}})
	b.Push(Concealable{PCM: []float32{2}})
	if _, ok := b.PopForPlayout(); ok {
		t.Fatal("expected no playout before target is reached")
	}

	b.Push(Concealable{PCM: []float32{3}})
	f, ok := b.PopForPlayout()
	if !ok {
		t.Fatal("expected playout once target reached")
	}
	if f.PCM[0] != 1 {
		t.Errorf("first played frame = %v, want frame 1 (FIFO order)", f.PCM)
	}
}

func TestJitterBufferUnderflowResetsPrefill(t *testing.T) {
	b := NewJitterBuffer(ModeFixed, 2, 1, 10, 30)
	b.Push(Concealable{PCM: []float32{1}})
	b.Push(Concealable{PCM: []float32{2}})

	if _, ok := b.PopForPlayout(); !ok {
		t.Fatal("expected first playout after prefill")
	}
	if _, ok := b.PopForPlayout(); !ok {
		t.Fatal("expected second queued frame to play out")
	}
	// Queue now empty: underflow should fire and reset playout-started.
	if _, ok := b.PopForPlayout(); ok {
		t.Fatal("expected underflow (no frame available)")
	}
	if b.Underflows() != 1 {
		t.Errorf("Underflows() = %d, want 1", b.Underflows())
	}

	// A single push is not enough to satisfy the grown target.
	b.Push(Concealable{PCM: []float32{3}})
	if _, ok := b.PopForPlayout(); ok {
		t.Fatal("expected buffer to require a fresh prefill after underflow")
	}
}

func TestJitterBufferAdaptiveGrowsUnderJitter(t *testing.T) {
	b := NewJitterBuffer(ModeAdaptive, 2, 1, 10, 30)
	start := b.TargetFrames()
	for i := 0; i < 20; i++ {
		b.ObserveArrivalInterval(4) // consistently late arrivals
	}
	if b.TargetFrames() <= start {
		t.Errorf("TargetFrames() = %d, want > %d after sustained jitter", b.TargetFrames(), start)
	}
}

func TestJitterBufferAdaptiveShrinksUnderCleanArrivals(t *testing.T) {
	b := NewJitterBuffer(ModeAdaptive, 8, 1, 10, 30)
	for i := 0; i < 60; i++ {
		b.ObserveArrivalInterval(1) // perfectly on time
	}
	if b.TargetFrames() >= 8 {
		t.Errorf("TargetFrames() = %d, want < 8 after sustained clean arrivals", b.TargetFrames())
	}
}

func TestJitterBufferPushDropsOldestOverCapacity(t *testing.T) {
	b := NewJitterBuffer(ModeSimple, 1, 1, 1, 3)
	for i := 0; i < 5; i++ {
		b.Push(Concealable{PCM: []float32{float32(i)}})
	}
	if b.Drops() != 2 {
		t.Errorf("Drops() = %d, want 2", b.Drops())
	}
	if b.Len() != 3 {
		t.Errorf("Len() = %d, want 3", b.Len())
	}
}

func TestJitterBufferSimpleModeNoProfill(t *testing.T) {
	b := NewJitterBuffer(ModeSimple, 5, 1, 10, 30)
	b.Push(Concealable{PCM: []float32{1}})
	f, ok := b.PopForPlayout()
	if !ok {
		t.Fatal("ModeSimple should pop as soon as anything is queued")
	}
	if f.PCM[0] != 1 {
		t.Errorf("PCM = %v, want [1]", f.PCM)
	}
}
