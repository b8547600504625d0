// Package audio defines the Backend abstraction CallWorker uses to capture
// and play PCM frames. OS device capture/playback is out of scope for the
// core; Backend is the seam an audio_backend_selector config option (e.g.
// synthetic, cpal, platform) would pick between. Only the synthetic backend
// (a sine-tone generator) lives in this repository.
package audio

// FrameSamples is the PCM frame size at 48kHz/20ms mono.
const FrameSamples = 960

// SampleRate is the fixed capture/playback rate.
const SampleRate = 48000

// Backend captures and plays 20ms mono float32 PCM frames.
type Backend interface {
	// CaptureFrame fills buf (length FrameSamples) with the next frame to
	// send. Returns false if no frame is currently available.
	CaptureFrame(buf []float32) bool

	// PlayFrame renders buf (length FrameSamples) to the output device.
	PlayFrame(buf []float32)

	// Close releases backend resources.
	Close() error
}
