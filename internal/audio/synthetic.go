package audio

import "math"

// Synthetic is a Backend that generates a continuous sine tone instead of
// capturing from a real device, and discards played frames. Grounded on
// client/testuser.go's beep generator, generalized from a fixed on/off
// pattern into a plain continuous tone suitable for automated tests and
// headless operation.
type Synthetic struct {
	freqHz    float64
	amplitude float64
	phase     float64
}

// NewSynthetic returns a Synthetic backend at the given tone frequency.
// freqHz<=0 defaults to 440Hz (A4); amplitude is clamped to [0,1].
func NewSynthetic(freqHz, amplitude float64) *Synthetic {
	if freqHz <= 0 {
		freqHz = 440.0
	}
	if amplitude < 0 {
		amplitude = 0
	}
	if amplitude > 1 {
		amplitude = 1
	}
	return &Synthetic{freqHz: freqHz, amplitude: amplitude}
}

var _ Backend = (*Synthetic)(nil)

func (s *Synthetic) CaptureFrame(buf []float32) bool {
	step := 2 * math.Pi * s.freqHz / float64(SampleRate)
	for i := range buf {
		buf[i] = float32(s.amplitude * math.Sin(s.phase))
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return true
}

func (s *Synthetic) PlayFrame(buf []float32) {
	// Headless playback: nothing to render to.
}

func (s *Synthetic) Close() error { return nil }
