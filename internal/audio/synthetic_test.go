package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyntheticCaptureFrameProducesFullBuffer(t *testing.T) {
	s := NewSynthetic(440, 1.0)
	buf := make([]float32, FrameSamples)
	ok := s.CaptureFrame(buf)
	require.True(t, ok)

	var maxAbs float32
	for _, v := range buf {
		if a := float32(math.Abs(float64(v))); a > maxAbs {
			maxAbs = a
		}
	}
	require.Greater(t, maxAbs, float32(0))
	require.LessOrEqual(t, maxAbs, float32(1.0))
}

func TestSyntheticDefaultsFrequencyWhenNonPositive(t *testing.T) {
	s := NewSynthetic(0, 0.5)
	require.Equal(t, 440.0, s.freqHz)

	s2 := NewSynthetic(-10, 0.5)
	require.Equal(t, 440.0, s2.freqHz)
}

func TestSyntheticClampsAmplitude(t *testing.T) {
	s := NewSynthetic(440, -1)
	require.Equal(t, 0.0, s.amplitude)

	s2 := NewSynthetic(440, 2)
	require.Equal(t, 1.0, s2.amplitude)
}

func TestSyntheticPhaseAdvancesAcrossFrames(t *testing.T) {
	s := NewSynthetic(440, 1.0)
	buf1 := make([]float32, FrameSamples)
	buf2 := make([]float32, FrameSamples)
	s.CaptureFrame(buf1)
	s.CaptureFrame(buf2)
	require.NotEqual(t, buf1, buf2)
}

func TestSyntheticPlayFrameAndCloseAreNoops(t *testing.T) {
	s := NewSynthetic(440, 1.0)
	s.PlayFrame(make([]float32, FrameSamples))
	require.NoError(t, s.Close())
}
