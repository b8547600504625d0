package call

// JitterMode selects how JitterBuffer picks its playout target.
type JitterMode int

const (
	// ModeFixed does not adapt target_frames to arrival jitter; like
	// ModeAdaptive, it still grows the target by one on each underflow.
	ModeFixed JitterMode = iota
	// ModeAdaptive grows/shrinks target_frames from observed arrival jitter.
	ModeAdaptive
	// ModeSimple is a bounded FIFO with no target/prefill logic — frames pop
	// as soon as any are queued.
	ModeSimple
)

// JitterBuffer is an adaptive-target FIFO playout buffer for one receive
// direction (frames play in push order), with underflow-driven growth. It buffers
// decoded audio frames (not raw network packets — ReplayWindow/decrypt
// happen upstream in CallWorker).
type JitterBuffer struct {
	mode JitterMode

	minTarget, maxTarget int
	maxFrames            int
	target               int

	queue []Concealable

	playoutStarted bool
	underflowBoost int

	arrivalEMA    float64
	emaSeeded     bool
	lastIntervalT int // ticks since previous arrival observation

	drops      uint64
	underflows uint64
}

// Concealable is one queued item: a decoded PCM frame, or nil payload with
// Missing=true standing in for a frame that never arrived (caller fills via
// LossConcealment).
type Concealable struct {
	PCM     []float32
	Missing bool
}

// NewJitterBuffer returns a buffer in the given mode. target is the initial
// target_frames (in ModeFixed it changes only on underflow); min/max bound
// its growth; maxFrames bounds total queue depth before oldest frames are
// dropped.
func NewJitterBuffer(mode JitterMode, target, minTarget, maxTarget, maxFrames int) *JitterBuffer {
	if target < 1 {
		target = 1
	}
	if maxFrames < 1 {
		maxFrames = 1
	}
	b := &JitterBuffer{
		mode:      mode,
		minTarget: minTarget,
		maxTarget: maxTarget,
		maxFrames: maxFrames,
		target:    clampInt(target, clampBounds(minTarget, maxTarget, maxFrames)),
	}
	return b
}

func clampBounds(minTarget, maxTarget, maxFrames int) (int, int) {
	lo, hi := minTarget, maxTarget
	if lo < 1 {
		lo = 1
	}
	if hi > maxFrames {
		hi = maxFrames
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TargetFrames returns the current playout target.
func (b *JitterBuffer) TargetFrames() int { return b.target }

// Len returns the number of frames currently queued.
func (b *JitterBuffer) Len() int { return len(b.queue) }

// Drops returns the number of frames dropped due to overflow.
func (b *JitterBuffer) Drops() uint64 { return b.drops }

// Underflows returns the number of playout underflows observed.
func (b *JitterBuffer) Underflows() uint64 { return b.underflows }

// Push enqueues a frame, dropping the oldest while over maxFrames.
func (b *JitterBuffer) Push(frame Concealable) {
	b.queue = append(b.queue, frame)
	for len(b.queue) > b.maxFrames {
		b.queue = b.queue[1:]
		b.drops++
	}
}

// ObserveArrivalInterval updates the adaptive jitter estimate given the
// number of ticks since the previous arrival (1 = on-time, >1 = late burst
// gap). No-op outside ModeAdaptive.
func (b *JitterBuffer) ObserveArrivalInterval(intervalTicks int) {
	if b.mode != ModeAdaptive {
		return
	}
	dev := absFloat(float64(intervalTicks) - 1)
	if !b.emaSeeded {
		b.arrivalEMA = dev
		b.emaSeeded = true
	} else {
		const alpha = 0.2
		b.arrivalEMA = alpha*dev + (1-alpha)*b.arrivalEMA
	}

	desired := b.minTarget + int(ceilFloat(b.arrivalEMA))
	if b.underflowBoost > 0 {
		desired++
	}
	lo, hi := clampBounds(b.minTarget, b.maxTarget, b.maxFrames)
	desired = clampInt(desired, lo, hi)

	switch {
	case desired > b.target:
		b.target = clampInt(b.target+1, lo, hi)
	case desired+1 < b.target:
		// Asymmetric shrink: only shrink when desired is more than one
		// below current, and at most one step per observation.
		b.target = clampInt(b.target-1, lo, hi)
	}

	if b.underflowBoost > 0 {
		b.underflowBoost--
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func ceilFloat(f float64) float64 {
	i := float64(int64(f))
	if f > i {
		return i + 1
	}
	return i
}

// PopForPlayout returns the next frame for this playout tick, or false if
// none is available yet. Before playout has started it waits until
// len >= target (prefill); once started, every call returns the front
// (a Missing frame signals a gap the caller should conceal). On underflow
// (no frames queued) it flags the underflow, grows target, and requires a
// fresh prefill before resuming playout.
func (b *JitterBuffer) PopForPlayout() (Concealable, bool) {
	if b.mode == ModeSimple {
		if len(b.queue) == 0 {
			return Concealable{}, false
		}
		f := b.queue[0]
		b.queue = b.queue[1:]
		return f, true
	}

	if !b.playoutStarted {
		if len(b.queue) < b.target {
			return Concealable{}, false
		}
		b.playoutStarted = true
	}

	if len(b.queue) == 0 {
		b.underflows++
		lo, hi := clampBounds(b.minTarget, b.maxTarget, b.maxFrames)
		b.underflowBoost = minInt(b.underflowBoost+3, b.maxTarget)
		b.target = clampInt(b.target+1, lo, hi)
		b.playoutStarted = false
		return Concealable{}, false
	}

	f := b.queue[0]
	b.queue = b.queue[1:]
	return f, true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Reset clears all queued frames and playout state (e.g. on call
// reconnect). Target and mode are preserved.
func (b *JitterBuffer) Reset() {
	b.queue = nil
	b.playoutStarted = false
	b.underflowBoost = 0
}
