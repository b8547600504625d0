package call

// GapClass categorizes a run of consecutive missing audio frames for
// concealment purposes.
type GapClass int

const (
	// GapShort is 1-2 missing frames: the last played frame is repeated at
	// full gain; no decoder PLC output is mixed in.
	GapShort GapClass = iota
	// GapMedium is 3-8 missing frames: exponentially decayed repeat.
	GapMedium
	// GapLong is >8 missing frames: strongly decayed, zero-fill past 11,
	// with fade-in on recovery.
	GapLong
)

// ClassifyGap returns the GapClass for a run of n consecutive missing
// frames.
func ClassifyGap(n int) GapClass {
	switch {
	case n <= 2:
		return GapShort
	case n <= 8:
		return GapMedium
	default:
		return GapLong
	}
}

const (
	// mediumDecayBase is the per-frame gain for Medium gaps: 0.80^(n-1).
	mediumDecayBase = 0.80
	// longDecayBase is the steeper decay applied to Long gaps before the
	// zero-fill cutoff.
	longDecayBase = 0.50
	// longZeroFillAfter is the frame count past which Long gaps render
	// silence rather than a decayed repeat.
	longZeroFillAfter = 11
)

// LossConcealment renders PCM for audio frames that never arrived, and
// fades in the first real frame after a long gap ends so playout doesn't
// pop back to full volume.
type LossConcealment struct {
	lastGood []float32
	runLen   int

	shortCount, mediumCount, longCount uint64
}

// NewLossConcealment returns a concealer with no prior frame.
func NewLossConcealment() *LossConcealment {
	return &LossConcealment{}
}

// Observe records a real, successfully-decoded frame, resetting the missing
// run. If the run it closes out was a Long gap, this single frame is
// linearly ramped in from zero (fadeInFrame); subsequent frames pass
// through unchanged.
func (c *LossConcealment) Observe(pcm []float32) []float32 {
	wasLongGap := ClassifyGap(c.runLen) == GapLong && c.runLen > 0
	c.runLen = 0

	if c.lastGood == nil || len(c.lastGood) != len(pcm) {
		c.lastGood = make([]float32, len(pcm))
	}
	copy(c.lastGood, pcm)

	if !wasLongGap {
		return pcm
	}
	return fadeInFrame(pcm)
}

// fadeInFrame linearly ramps pcm across itself, from silence at index 0 to
// full amplitude at the last sample: out[i] = pcm[i] * i/(len(pcm)-1).
func fadeInFrame(pcm []float32) []float32 {
	out := make([]float32, len(pcm))
	if len(pcm) <= 1 {
		copy(out, pcm)
		return out
	}
	last := float64(len(pcm) - 1)
	for i, s := range pcm {
		out[i] = float32(float64(s) * float64(i) / last)
	}
	return out
}

// Conceal returns rendered PCM for one missing frame of the given frame
// length, advancing the missing-run counter and its class counter.
func (c *LossConcealment) Conceal(frameLen int) []float32 {
	c.runLen++
	out := make([]float32, frameLen)
	if c.lastGood == nil {
		return out
	}

	switch ClassifyGap(c.runLen) {
	case GapShort:
		c.shortCount++
		// No real decoder PLC output to crossfade with; approximate with
		// a gentle repeat of the last played frame.
		fillDecayed(out, c.lastGood, 1.0)
	case GapMedium:
		c.mediumCount++
		decay := pow(mediumDecayBase, float64(c.runLen-1))
		fillDecayed(out, c.lastGood, decay)
	case GapLong:
		c.longCount++
		if c.runLen > longZeroFillAfter {
			// leave zeroed
			return out
		}
		decay := pow(longDecayBase, float64(c.runLen-1))
		fillDecayed(out, c.lastGood, decay)
	}
	return out
}

func fillDecayed(out, src []float32, decay float64) {
	n := len(out)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		out[i] = float32(float64(src[i]) * decay)
	}
}

func pow(base, exp float64) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// RunLen returns the current consecutive-missing-frame count.
func (c *LossConcealment) RunLen() int { return c.runLen }

// Counts returns the cumulative per-class concealment counters, in the
// shape CallWorker's stats snapshot reports them.
func (c *LossConcealment) Counts() (short, medium, long uint64) {
	return c.shortCount, c.mediumCount, c.longCount
}

// Reset clears all concealment state (e.g. on call reconnect). Cumulative
// class counters are preserved — they are call-lifetime stats, not
// per-segment.
func (c *LossConcealment) Reset() {
	c.lastGood = nil
	c.runLen = 0
}
