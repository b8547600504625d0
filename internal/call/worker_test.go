package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rustyguts/pika/internal/audio"
	"github.com/rustyguts/pika/internal/transport"
)

// recordingBackend wraps a synthetic source for capture and records every
// frame handed to PlayFrame, so tests can assert on what a worker actually
// produced at the far end of a round trip.
type recordingBackend struct {
	src *audio.Synthetic

	mu     sync.Mutex
	played [][]float32
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{src: audio.NewSynthetic(440, 1.0)}
}

func (b *recordingBackend) CaptureFrame(buf []float32) bool { return b.src.CaptureFrame(buf) }

func (b *recordingBackend) PlayFrame(buf []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.played = append(b.played, append([]float32(nil), buf...))
}

func (b *recordingBackend) Close() error { return nil }

func (b *recordingBackend) hasNonSilentFrame() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.played {
		for _, s := range f {
			if s != 0 {
				return true
			}
		}
	}
	return false
}

// sharedKeys returns identical DirectionKeys for both ends of a test pair:
// alice's tx is bob's rx and vice versa, so a single key works for both legs.
func sharedKeys() DirectionKeys {
	var k DirectionKeys
	for i := range k.Key {
		k.Key[i] = byte(i + 1)
	}
	for i := range k.Salt {
		k.Salt[i] = byte(i + 1)
	}
	return k
}

func connectedPair(t *testing.T) (alice, bob *transport.FakeMedia) {
	t.Helper()
	net := transport.NewFakeNetwork()
	alice = transport.NewFakeMedia(net)
	bob = transport.NewFakeMedia(net)
	require.NoError(t, alice.Connect(context.Background(), "moq://x", "chat1", "alice", "", nil))
	require.NoError(t, bob.Connect(context.Background(), "moq://x", "chat1", "bob", "", nil))
	return alice, bob
}

func TestCallWorkerAudioRoundTripThroughFakeTransport(t *testing.T) {
	aliceMedia, bobMedia := connectedPair(t)
	keys := sharedKeys()

	aliceBackend := newRecordingBackend()
	bobBackend := newRecordingBackend()
	aliceWorker := NewCallWorker(NewSharedTransport(aliceMedia), aliceBackend, "bob", "chat1", keys, keys, WorkerCallbacks{}, ReconnectInfo{})
	bobWorker := NewCallWorker(NewSharedTransport(bobMedia), bobBackend, "alice", "chat1", keys, keys, WorkerCallbacks{}, ReconnectInfo{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go aliceWorker.RunAudio(ctx)
	go bobWorker.RunAudio(ctx)

	require.Eventually(t, bobBackend.hasNonSilentFrame, 3*time.Second, 20*time.Millisecond,
		"bob never played a decrypted frame from alice")

	cancel()
	aliceWorker.Stop()
	bobWorker.Stop()
}

func TestCallWorkerMutedDoesNotPublish(t *testing.T) {
	aliceMedia, bobMedia := connectedPair(t)
	keys := sharedKeys()

	aliceBackend := newRecordingBackend()
	bobBackend := newRecordingBackend()
	aliceWorker := NewCallWorker(NewSharedTransport(aliceMedia), aliceBackend, "bob", "chat1", keys, keys, WorkerCallbacks{}, ReconnectInfo{})
	bobWorker := NewCallWorker(NewSharedTransport(bobMedia), bobBackend, "alice", "chat1", keys, keys, WorkerCallbacks{}, ReconnectInfo{})
	aliceWorker.SetMuted(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go aliceWorker.RunAudio(ctx)
	go bobWorker.RunAudio(ctx)

	time.Sleep(200 * time.Millisecond)
	require.False(t, bobBackend.hasNonSilentFrame())

	cancel()
	aliceWorker.Stop()
	bobWorker.Stop()
}

func TestCallWorkerOnSubscriptionReadyFires(t *testing.T) {
	net := transport.NewFakeNetwork()
	med := transport.NewFakeMedia(net)
	require.NoError(t, med.Connect(context.Background(), "moq://x", "chat1", "alice", "", nil))
	keys := sharedKeys()

	readyCh := make(chan struct{})
	var once sync.Once
	cb := WorkerCallbacks{OnSubscriptionReady: func() { once.Do(func() { close(readyCh) }) }}
	w := NewCallWorker(NewSharedTransport(med), newRecordingBackend(), "bob", "chat1", keys, keys, cb, ReconnectInfo{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.RunAudio(ctx)

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription-ready callback never fired")
	}

	cancel()
	w.Stop()
}

func TestCallWorkerRunAudioReturnsWhenSubscribeFails(t *testing.T) {
	net := transport.NewFakeNetwork()
	med := transport.NewFakeMedia(net) // left unconnected
	keys := sharedKeys()
	w := NewCallWorker(NewSharedTransport(med), newRecordingBackend(), "bob", "chat1", keys, keys, WorkerCallbacks{}, ReconnectInfo{})

	done := make(chan struct{})
	go func() {
		w.RunAudio(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunAudio should return promptly when subscribe fails")
	}
}

func TestCallWorkerStopIsIdempotent(t *testing.T) {
	net := transport.NewFakeNetwork()
	med := transport.NewFakeMedia(net)
	require.NoError(t, med.Connect(context.Background(), "moq://x", "chat1", "alice", "", nil))
	keys := sharedKeys()
	w := NewCallWorker(NewSharedTransport(med), newRecordingBackend(), "bob", "chat1", keys, keys, WorkerCallbacks{}, ReconnectInfo{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.RunAudio(ctx)
	time.Sleep(50 * time.Millisecond)

	w.Stop()
	w.Stop() // must not panic or block on a second close
}

// flakyMedia wraps a *transport.FakeMedia and forces the first N Publish
// calls to fail, while counting Disconnect/Connect calls so tests can
// assert that a publish failure actually drives a reconnect cycle through
// sharedTransport.reconnect rather than just re-polling SubscriptionReady.
type flakyMedia struct {
	inner *transport.FakeMedia

	mu            sync.Mutex
	failPublishes int
	disconnects   int
	connects      int
}

var errFlakyPublish = errors.New("flaky: publish failed")

func (f *flakyMedia) Connect(ctx context.Context, moqURL, broadcastBase, participantLabel, authToken string, ice []transport.ICEServer) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return f.inner.Connect(ctx, moqURL, broadcastBase, participantLabel, authToken, ice)
}

func (f *flakyMedia) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return f.inner.Disconnect()
}

func (f *flakyMedia) Publish(ctx context.Context, track transport.TrackName, frame transport.Frame) error {
	f.mu.Lock()
	if f.failPublishes > 0 {
		f.failPublishes--
		f.mu.Unlock()
		return errFlakyPublish
	}
	f.mu.Unlock()
	return f.inner.Publish(ctx, track, frame)
}

func (f *flakyMedia) Subscribe(ctx context.Context, peerLabel string, track transport.TrackName) (<-chan transport.Frame, error) {
	return f.inner.Subscribe(ctx, peerLabel, track)
}

func (f *flakyMedia) SubscriptionReady(ctx context.Context, peerLabel string, track transport.TrackName) error {
	return f.inner.SubscriptionReady(ctx, peerLabel, track)
}

func (f *flakyMedia) counts() (disconnects, connects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects, f.connects
}

var _ transport.Media = (*flakyMedia)(nil)

func TestCallWorkerReconnectsTransportOnPublishFailure(t *testing.T) {
	net := transport.NewFakeNetwork()
	alice := &flakyMedia{inner: transport.NewFakeMedia(net), failPublishes: 1}
	bob := transport.NewFakeMedia(net)

	require.NoError(t, alice.Connect(context.Background(), "moq://x", "chat1", "alice", "", nil))
	require.NoError(t, bob.Connect(context.Background(), "moq://x", "chat1", "bob", "", nil))

	keys := sharedKeys()
	aliceBackend := newRecordingBackend()
	bobBackend := newRecordingBackend()

	reconnect := ReconnectInfo{MoQURL: "moq://x", ParticipantLabel: "alice"}
	aliceWorker := NewCallWorker(NewSharedTransport(alice), aliceBackend, "bob", "chat1", keys, keys, WorkerCallbacks{}, reconnect)
	bobWorker := NewCallWorker(NewSharedTransport(bob), bobBackend, "alice", "chat1", keys, keys, WorkerCallbacks{}, ReconnectInfo{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go aliceWorker.RunAudio(ctx)
	go bobWorker.RunAudio(ctx)

	require.Eventually(t, bobBackend.hasNonSilentFrame, 5*time.Second, 20*time.Millisecond,
		"bob should eventually receive a frame once alice reconnects and retries")

	disconnects, connects := alice.counts()
	require.GreaterOrEqual(t, disconnects, 1, "a failed publish should trigger sharedTransport.reconnect's Disconnect")
	require.GreaterOrEqual(t, connects, 2, "a failed publish should trigger sharedTransport.reconnect's Connect, beyond the initial one")

	cancel()
	aliceWorker.Stop()
	bobWorker.Stop()
}

func TestCallWorkerSetCameraEnabledAndRequestKeyframe(t *testing.T) {
	w := NewCallWorker(nil, nil, "bob", "chat1", DirectionKeys{}, DirectionKeys{}, WorkerCallbacks{}, ReconnectInfo{})
	require.False(t, w.camera.Load())
	w.SetCameraEnabled(true)
	require.True(t, w.camera.Load())

	require.False(t, w.forcedKeyframe.Load())
	w.RequestKeyframe()
	require.True(t, w.forcedKeyframe.Load())
}
