package call

// ReplayWindowSize is the number of trailing sequence numbers tracked for
// duplicate/stale rejection.
const ReplayWindowSize = 128

// ReplayWindow is a sliding 128-frame anti-replay predicate over a group
// sequence number stream. It is a pure function over its own state — the
// same type is used identically for audio and video receive paths.
type ReplayWindow struct {
	maxSeen  uint64
	hasSeen  bool
	seenBits uint64Hi128
}

// uint64Hi128 is a 128-bit bitmap stored as two uint64 words (lo holds bits
// 0-63 relative to maxSeen, hi holds bits 64-127).
type uint64Hi128 struct {
	lo, hi uint64
}

func (b *uint64Hi128) bit(i uint64) bool {
	if i < 64 {
		return b.lo&(1<<i) != 0
	}
	if i < 128 {
		return b.hi&(1<<(i-64)) != 0
	}
	return false
}

func (b *uint64Hi128) setBit(i uint64) {
	if i < 64 {
		b.lo |= 1 << i
		return
	}
	if i < 128 {
		b.hi |= 1 << (i - 64)
	}
}

// shiftLeft shifts the 128-bit window left by delta bits (discarding the
// oldest delta bits), as happens when a new, larger max_seen is observed.
func (b *uint64Hi128) shiftLeft(delta uint64) {
	if delta >= 128 {
		b.lo, b.hi = 0, 0
		return
	}
	if delta >= 64 {
		b.hi = b.lo << (delta - 64)
		b.lo = 0
		return
	}
	if delta == 0 {
		return
	}
	b.hi = (b.hi << delta) | (b.lo >> (64 - delta))
	b.lo = b.lo << delta
}

// NewReplayWindow returns an empty window.
func NewReplayWindow() *ReplayWindow { return &ReplayWindow{} }

// Allow reports whether seq should be accepted, updating internal state as a
// side effect when it is. Implements exactly:
//
//   - first call: accept, set max_seen = seq, bit 0 set.
//   - seq > max_seen: shift left by the delta (delta>=128 resets to {0}),
//     set max_seen = seq, accept.
//   - seq <= max_seen and max_seen-seq >= 128: reject.
//   - otherwise: check bit (max_seen-seq); reject if set, else set and
//     accept.
func (w *ReplayWindow) Allow(seq uint64) bool {
	if !w.hasSeen {
		w.hasSeen = true
		w.maxSeen = seq
		w.seenBits = uint64Hi128{}
		w.seenBits.setBit(0)
		return true
	}

	if seq > w.maxSeen {
		delta := seq - w.maxSeen
		w.seenBits.shiftLeft(delta)
		w.maxSeen = seq
		w.seenBits.setBit(0)
		return true
	}

	dist := w.maxSeen - seq
	if dist >= ReplayWindowSize {
		return false
	}
	if w.seenBits.bit(dist) {
		return false
	}
	w.seenBits.setBit(dist)
	return true
}

// MaxSeen returns the highest sequence number accepted so far, and whether
// any sequence number has been accepted yet.
func (w *ReplayWindow) MaxSeen() (uint64, bool) {
	return w.maxSeen, w.hasSeen
}

// Reset clears all state, as happens after a successful call reconnect.
func (w *ReplayWindow) Reset() {
	*w = ReplayWindow{}
}
