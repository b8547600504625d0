package call

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rustyguts/pika/internal/audio"
	"github.com/rustyguts/pika/internal/transport"
)

const (
	audioTickInterval = 20 * time.Millisecond
	videoTickInterval = 33 * time.Millisecond

	maxRXDrainsPerTick = 8
	statsEveryNTicks   = 50 // audio: ~1s at 20ms/tick

	reconnectInitialBackoff = 250 * time.Millisecond
	reconnectMaxBackoff     = 4 * time.Second
	reconnectMaxAttempts    = 6
	reconnectMaxTotal       = 20 * time.Second
	subscriptionReadyWait   = 15 * time.Second

	keyframeInterval = 60 // video frames between forced keyframes
)

// Stats is a point-in-time snapshot of one CallWorker's counters, emitted
// every statsEveryNTicks ticks.
type Stats struct {
	TxCount, RxCount   uint64
	Dropped            uint64
	DecryptFails       uint64
	ReplayDrops        uint64
	JitterBufferMs     int
	JitterTargetFrames int
	Underflows         uint64
	ConcealShort       uint64
	ConcealMedium      uint64
	ConcealLong        uint64
	ReconnectCount      uint64
	LastReconnectMs     int64
	LastSubReadyMs      int64
	ConsecutiveDisconns uint64

	VideoTx, VideoRx, VideoDecryptFails uint64
}

// WorkerCallbacks lets CallControl observe worker-level lifecycle events
// without the worker importing the control package.
type WorkerCallbacks struct {
	// OnSubscriptionReady fires once the RX subscription for the peer is
	// ready (: "CallRuntimeConnected").
	OnSubscriptionReady func()
	// OnStats fires every statsEveryNTicks ticks.
	OnStats func(Stats)
	// OnTerminalError fires once, when reconnect exhausts its budget.
	OnTerminalError func(err error)
	// OnDecryptFailToast fires once total, the first time an audio frame
	// fails authentication.
	OnDecryptFailToast func()
}

// CallWorker runs the audio (and optionally video) TX/RX/playout loop for
// one call leg. One instance exists per active call per media kind; audio
// and video workers share the same Media handle via sharedTransport.
type CallWorker struct {
	media        *sharedTransport
	audioBackend audio.Backend
	peerLabel    string
	broadcast    string
	reconnect    ReconnectInfo

	txKeys, rxKeys DirectionKeys

	cb WorkerCallbacks

	muted  atomic.Bool
	camera atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	forcedKeyframe atomic.Bool

	stats      Stats
	statsMu    sync.Mutex
	toastOnce  sync.Once
}

// sharedTransport guards one Media handle behind a mutex so the audio and
// video workers of a call can publish/reconnect without racing.
type sharedTransport struct {
	mu  sync.Mutex
	med transport.Media
}

// NewSharedTransport wraps med for use by one or more CallWorkers.
func NewSharedTransport(med transport.Media) *sharedTransport {
	return &sharedTransport{med: med}
}

func (s *sharedTransport) publish(ctx context.Context, track transport.TrackName, f transport.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.med.Publish(ctx, track, f)
}

func (s *sharedTransport) reconnect(ctx context.Context, moqURL, broadcastBase, participantLabel, authToken string, ice []transport.ICEServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.med.Disconnect()
	return s.med.Connect(ctx, moqURL, broadcastBase, participantLabel, authToken, ice)
}

// ReconnectInfo carries the dial parameters reconnectWithBackoff needs to
// redial transport.Media after a publish/subscribe failure — the same
// values CallControl passed to the original med.Connect call.
type ReconnectInfo struct {
	MoQURL           string
	ParticipantLabel string
	AuthToken        string
	ICEServers       []transport.ICEServer
}

// NewCallWorker constructs a worker bound to one peer label and one shared
// transport. audioBackend may be nil for a video-only worker.
func NewCallWorker(media *sharedTransport, audioBackend audio.Backend, peerLabel, broadcast string, txKeys, rxKeys DirectionKeys, cb WorkerCallbacks, reconnect ReconnectInfo) *CallWorker {
	return &CallWorker{
		media:        media,
		audioBackend: audioBackend,
		peerLabel:    peerLabel,
		broadcast:    broadcast,
		txKeys:       txKeys,
		rxKeys:       rxKeys,
		cb:           cb,
		reconnect:    reconnect,
		stopCh:       make(chan struct{}),
	}
}

// SetMuted controls whether the audio TX half publishes captured frames.
func (w *CallWorker) SetMuted(muted bool) { w.muted.Store(muted) }

// SetCameraEnabled controls whether the video TX half publishes frames.
func (w *CallWorker) SetCameraEnabled(enabled bool) { w.camera.Store(enabled) }

// RequestKeyframe flags the next video TX tick to force a keyframe.
func (w *CallWorker) RequestKeyframe() { w.forcedKeyframe.Store(true) }

// Stop signals both loops to exit and waits for them.
func (w *CallWorker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.wg.Wait()
}

// RunAudio starts the audio TX/RX/playout loop. It blocks until Stop is
// called or reconnect exhausts its budget; call it in its own goroutine.
func (w *CallWorker) RunAudio(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	rx, err := w.media.med.Subscribe(ctx, w.peerLabel, transport.TrackAudio)
	if err != nil {
		log.Printf("[call] audio subscribe: %v", err)
		return
	}
	if err := w.waitSubscriptionReady(ctx, transport.TrackAudio); err != nil {
		log.Printf("[call] audio subscription-ready: %v", err)
		return
	}
	if w.cb.OnSubscriptionReady != nil {
		w.cb.OnSubscriptionReady()
	}

	jb := NewJitterBuffer(ModeAdaptive, 3, 1, 12, 30)
	rw := NewReplayWindow()
	lc := NewLossConcealment()

	var counter uint32
	var groupSeq uint64
	var tick int
	var lastArrival time.Time

	pcmBuf := make([]float32, audio.FrameSamples)

	deadline := time.Now()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		deadline = deadline.Add(audioTickInterval)

		if !w.muted.Load() && w.audioBackend != nil {
			if w.audioBackend.CaptureFrame(pcmBuf) {
				payload := encodePCM(pcmBuf)
				info := FrameInfo{Counter: counter, GroupSeq: groupSeq, FrameIdx: 0, Keyframe: false}
				enc, err := Encrypt(payload, w.txKeys, info)
				if err != nil {
					if err == ErrCounterExhausted {
						if w.cb.OnTerminalError != nil {
							w.cb.OnTerminalError(err)
						}
						return
					}
				} else {
					counter++
					groupSeq++
					err = w.media.publish(ctx, transport.TrackAudio, transport.Frame{
						Seq: groupSeq, TimestampUs: uint64(time.Now().UnixMicro()), Keyframe: false, Payload: enc,
					})
					if err != nil {
						newRx, ok := w.reconnectWithBackoff(ctx, transport.TrackAudio, rw)
						if !ok {
							return
						}
						rx = newRx
					}
				}
			}
		}

		w.drainAudioRX(rx, rw, lc, jb, &lastArrival)

		if frame, ok := jb.PopForPlayout(); ok {
			var out []float32
			if frame.Missing {
				out = lc.Conceal(audio.FrameSamples)
			} else {
				out = lc.Observe(frame.PCM)
			}
			if w.audioBackend != nil {
				w.audioBackend.PlayFrame(out)
			}
		} else {
			if w.audioBackend != nil {
				w.audioBackend.PlayFrame(lc.Conceal(audio.FrameSamples))
			}
		}

		tick++
		if tick%statsEveryNTicks == 0 {
			w.emitAudioStats(jb, lc)
		}

		sleepUntil(deadline)
		if time.Now().After(deadline) {
			deadline = time.Now()
		}
	}
}

func (w *CallWorker) drainAudioRX(rx <-chan transport.Frame, rw *ReplayWindow, lc *LossConcealment, jb *JitterBuffer, lastArrival *time.Time) {
	for i := 0; i < maxRXDrainsPerTick; i++ {
		select {
		case f, ok := <-rx:
			if !ok {
				return
			}
			dec, err := Decrypt(f.Payload, w.rxKeys)
			if err != nil {
				w.statsMu.Lock()
				w.stats.DecryptFails++
				w.statsMu.Unlock()
				if err == ErrAuthFail {
					w.toastOnce.Do(func() {
						if w.cb.OnDecryptFailToast != nil {
							w.cb.OnDecryptFailToast()
						}
					})
				}
				continue
			}
			if !rw.Allow(dec.Info.GroupSeq) {
				w.statsMu.Lock()
				w.stats.ReplayDrops++
				w.statsMu.Unlock()
				continue
			}
			now := time.Now()
			if !lastArrival.IsZero() {
				interval := int(now.Sub(*lastArrival) / audioTickInterval)
				if interval < 1 {
					interval = 1
				}
				jb.ObserveArrivalInterval(interval)
			}
			*lastArrival = now
			jb.Push(Concealable{PCM: decodePCM(dec.Payload)})
		default:
			return
		}
	}
}

// RunVideo starts the video TX/RX loop, delivering decrypted frames
// directly to sink rather than through a jitter buffer.
func (w *CallWorker) RunVideo(ctx context.Context, captureFrame func() ([]byte, bool), sink func([]byte)) {
	w.wg.Add(1)
	defer w.wg.Done()

	rx, err := w.media.med.Subscribe(ctx, w.peerLabel, transport.TrackVideo)
	if err != nil {
		log.Printf("[call] video subscribe: %v", err)
		return
	}
	if err := w.waitSubscriptionReady(ctx, transport.TrackVideo); err != nil {
		log.Printf("[call] video subscription-ready: %v", err)
		return
	}

	rw := NewReplayWindow()
	var counter uint32
	var groupSeq uint64
	var frameIdx uint16

	deadline := time.Now()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		deadline = deadline.Add(videoTickInterval)

		if w.camera.Load() && captureFrame != nil {
			if payload, ok := captureFrame(); ok {
				keyframe := w.forcedKeyframe.CompareAndSwap(true, false) || frameIdx%keyframeInterval == 0
				info := FrameInfo{Counter: counter, GroupSeq: groupSeq, FrameIdx: frameIdx, Keyframe: keyframe}
				enc, err := Encrypt(payload, w.txKeys, info)
				if err == nil {
					counter++
					groupSeq++
					frameIdx++
					if pubErr := w.media.publish(ctx, transport.TrackVideo, transport.Frame{
						Seq: groupSeq, TimestampUs: uint64(time.Now().UnixMicro()), Keyframe: keyframe, Payload: enc,
					}); pubErr != nil {
						newRx, ok := w.reconnectWithBackoff(ctx, transport.TrackVideo, rw)
						if !ok {
							return
						}
						rx = newRx
					}
				}
			}
		}

		for i := 0; i < maxRXDrainsPerTick; i++ {
			select {
			case f, ok := <-rx:
				if !ok {
					goto pace
				}
				dec, err := Decrypt(f.Payload, w.rxKeys)
				if err != nil {
					w.statsMu.Lock()
					w.stats.VideoDecryptFails++
					w.statsMu.Unlock()
					continue
				}
				if !rw.Allow(dec.Info.GroupSeq) {
					continue
				}
				if sink != nil {
					sink(dec.Payload)
				}
			default:
				goto pace
			}
		}
	pace:
		sleepUntil(deadline)
		if time.Now().After(deadline) {
			deadline = time.Now()
		}
	}
}

// waitSubscriptionReady blocks until the peer's subscription is confirmed
// or subscriptionReadyWait elapses.
func (w *CallWorker) waitSubscriptionReady(ctx context.Context, track transport.TrackName) error {
	waitCtx, cancel := context.WithTimeout(ctx, subscriptionReadyWait)
	defer cancel()
	return w.media.med.SubscriptionReady(waitCtx, w.peerLabel, track)
}

// reconnectWithBackoff retries with exponential backoff, capped at
// reconnectMaxAttempts tries or reconnectMaxTotal elapsed. Each attempt
// locks the shared transport, disconnects, reconnects, and resubscribes to
// track before checking SubscriptionReady again. On success it returns the
// fresh frame channel the caller must start reading from in place of its
// old rx; on budget exhaustion it returns (nil, false) and has already
// delivered the terminal error via callback.
func (w *CallWorker) reconnectWithBackoff(ctx context.Context, track transport.TrackName, rw *ReplayWindow) (<-chan transport.Frame, bool) {
	start := time.Now()
	backoff := reconnectInitialBackoff

	for attempt := 0; attempt < reconnectMaxAttempts; attempt++ {
		if time.Since(start) > reconnectMaxTotal {
			break
		}
		select {
		case <-w.stopCh:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		w.statsMu.Lock()
		w.stats.ReconnectCount++
		w.statsMu.Unlock()

		newRx, err := w.reconnectOnce(ctx, track)
		if err == nil {
			rw.Reset()
			w.forcedKeyframe.Store(true)
			w.statsMu.Lock()
			w.stats.LastReconnectMs = time.Since(start).Milliseconds()
			w.stats.ConsecutiveDisconns = 0
			w.statsMu.Unlock()
			return newRx, true
		}

		w.statsMu.Lock()
		w.stats.ConsecutiveDisconns++
		w.statsMu.Unlock()
		backoff *= 2
		if backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}
	}

	if w.cb.OnTerminalError != nil {
		w.cb.OnTerminalError(ErrReconnectFailed)
	}
	return nil, false
}

// reconnectOnce performs one disconnect+reconnect+resubscribe cycle against
// the shared transport and waits for the new subscription to be ready.
func (w *CallWorker) reconnectOnce(ctx context.Context, track transport.TrackName) (<-chan transport.Frame, error) {
	if err := w.media.reconnect(ctx, w.reconnect.MoQURL, w.broadcast, w.reconnect.ParticipantLabel, w.reconnect.AuthToken, w.reconnect.ICEServers); err != nil {
		return nil, err
	}

	newRx, err := w.media.med.Subscribe(ctx, w.peerLabel, track)
	if err != nil {
		return nil, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, subscriptionReadyWait)
	defer cancel()
	if err := w.media.med.SubscriptionReady(readyCtx, w.peerLabel, track); err != nil {
		return nil, err
	}
	return newRx, nil
}

func (w *CallWorker) emitAudioStats(jb *JitterBuffer, lc *LossConcealment) {
	if w.cb.OnStats == nil {
		return
	}
	short, medium, long := lc.Counts()
	w.statsMu.Lock()
	snap := w.stats
	snap.JitterBufferMs = jb.Len() * 20
	snap.JitterTargetFrames = jb.TargetFrames()
	snap.Underflows = jb.Underflows()
	snap.Dropped = jb.Drops() + snap.DecryptFails + snap.ReplayDrops
	snap.ConcealShort, snap.ConcealMedium, snap.ConcealLong = short, medium, long
	w.statsMu.Unlock()
	w.cb.OnStats(snap)
}

// sleepUntil sleeps until deadline, returning immediately if it has
// already passed (no catch-up burst — pacing rule).
func sleepUntil(deadline time.Time) {
	if d := time.Until(deadline); d > 0 {
		time.Sleep(d)
	}
}

// encodePCM/decodePCM are a placeholder wire format for PCM frames in lieu
// of a real Opus codec (out of scope — see design notes). Each sample is
// stored as 4 little-endian bytes via math.Float32bits.
func encodePCM(pcm []float32) []byte {
	out := make([]byte, len(pcm)*4)
	for i, s := range pcm {
		putFloat32(out[i*4:], s)
	}
	return out
}

func decodePCM(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = getFloat32(data[i*4:])
	}
	return out
}
