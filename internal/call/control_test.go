package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rustyguts/pika/internal/audio"
	"github.com/rustyguts/pika/internal/mls"
	"github.com/rustyguts/pika/internal/transport"
)

type publishedMsg struct {
	groupID string
	kind    int
	content string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []publishedMsg
	err  error
}

func (f *fakePublisher) PublishAppMessage(ctx context.Context, groupID string, kind int, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, publishedMsg{groupID, kind, content})
	return nil
}

func (f *fakePublisher) last() (publishedMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return publishedMsg{}, false
	}
	return f.msgs[len(f.msgs)-1], true
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type snapshotRecorder struct {
	mu   sync.Mutex
	snaps []Snapshot
}

func (r *snapshotRecorder) onSnapshot(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}
	}
	return r.snaps[len(r.snaps)-1]
}

func newTestControl(t *testing.T, rec *snapshotRecorder, pub *fakePublisher) (*CallControl, *transport.FakeNetwork) {
	t.Helper()
	net := transport.NewFakeNetwork()
	deps := Deps{
		Engine:       mls.NewFake("local-pubkey"),
		Relay:        pub,
		Identity:     "local-pubkey",
		AudioBackend: audio.NewSynthetic(440, 1.0),
		Dialer:       func() transport.Media { return transport.NewFakeMedia(net) },
		MoQURL:       "moq://test",
		OnSnapshot:   rec.onSnapshot,
	}
	return NewCallControl(deps), net
}

func TestStartCallTransitionsToRingingOutboundAndPublishesInvite(t *testing.T) {
	rec := &snapshotRecorder{}
	pub := &fakePublisher{}
	cc, _ := newTestControl(t, rec, pub)

	err := cc.StartCall(context.Background(), "chat1", "remote-pubkey")
	require.NoError(t, err)
	require.Equal(t, StateRingingOutbound, cc.State())

	msg, ok := pub.last()
	require.True(t, ok)
	require.Equal(t, "chat1", msg.groupID)
	require.Equal(t, 10, msg.kind)
	require.Contains(t, msg.content, "call.invite")
}

func TestStartCallFailsWhenNotIdle(t *testing.T) {
	rec := &snapshotRecorder{}
	pub := &fakePublisher{}
	cc, _ := newTestControl(t, rec, pub)

	require.NoError(t, cc.StartCall(context.Background(), "chat1", "remote-pubkey"))
	err := cc.StartCall(context.Background(), "chat1", "remote-pubkey")
	require.ErrorIs(t, err, ErrNotIdle)
}

func TestStartCallRevertsToIdleWhenPublishFails(t *testing.T) {
	rec := &snapshotRecorder{}
	pub := &fakePublisher{err: context.DeadlineExceeded}
	cc, _ := newTestControl(t, rec, pub)

	err := cc.StartCall(context.Background(), "chat1", "remote-pubkey")
	require.Error(t, err)
	require.Equal(t, StateIdle, cc.State())
}

func TestHandleIncomingInviteMovesToRingingInbound(t *testing.T) {
	rec := &snapshotRecorder{}
	pub := &fakePublisher{}
	cc, _ := newTestControl(t, rec, pub)

	env := `{"v":1,"ns":"pika.call","call_id":"call-1","message_type":"call.invite","body":{"is_video_call":false}}`
	cc.HandleIncoming(context.Background(), "chat1", "remote-pubkey", env, time.Now().Unix())

	require.Equal(t, StateRingingInbound, cc.State())
}

func TestHandleIncomingStaleInviteIsIgnored(t *testing.T) {
	rec := &snapshotRecorder{}
	pub := &fakePublisher{}
	cc, _ := newTestControl(t, rec, pub)

	stale := time.Now().Add(-time.Minute).Unix()
	env := `{"v":1,"ns":"pika.call","call_id":"call-1","message_type":"call.invite"}`
	cc.HandleIncoming(context.Background(), "chat1", "remote-pubkey", env, stale)

	require.Equal(t, StateIdle, cc.State())
}

func TestHandleIncomingUnknownNamespaceIsIgnored(t *testing.T) {
	rec := &snapshotRecorder{}
	pub := &fakePublisher{}
	cc, _ := newTestControl(t, rec, pub)

	env := `{"v":1,"ns":"other.ns","call_id":"call-1","message_type":"call.invite"}`
	cc.HandleIncoming(context.Background(), "chat1", "remote-pubkey", env, time.Now().Unix())

	require.Equal(t, StateIdle, cc.State())
}

func TestAcceptCallReachesActiveAndTicksDuration(t *testing.T) {
	rec := &snapshotRecorder{}
	pub := &fakePublisher{}
	cc, _ := newTestControl(t, rec, pub)

	env := `{"v":1,"ns":"pika.call","call_id":"call-1","message_type":"call.invite"}`
	cc.HandleIncoming(context.Background(), "chat1", "remote-pubkey", env, time.Now().Unix())
	require.Equal(t, StateRingingInbound, cc.State())

	require.NoError(t, cc.AcceptCall(context.Background()))

	require.Eventually(t, func() bool {
		return cc.State() == StateActive
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return rec.last().DurationSecond >= 1 && !rec.last().StartedAt.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, cc.EndCall(context.Background()))
	require.Equal(t, StateIdle, cc.State())
}

func TestRejectCallEndsWithDeclinedReasonAndAppendsTimeline(t *testing.T) {
	rec := &snapshotRecorder{}
	pub := &fakePublisher{}
	cc, _ := newTestControl(t, rec, pub)

	var timeline []TimelineEntry
	var mu sync.Mutex
	cc.deps.OnTimeline = func(e TimelineEntry) {
		mu.Lock()
		defer mu.Unlock()
		timeline = append(timeline, e)
	}

	env := `{"v":1,"ns":"pika.call","call_id":"call-1","message_type":"call.invite"}`
	cc.HandleIncoming(context.Background(), "chat1", "remote-pubkey", env, time.Now().Unix())
	require.NoError(t, cc.RejectCall(context.Background()))

	require.Equal(t, StateIdle, cc.State())
	msg, ok := pub.last()
	require.True(t, ok)
	require.Contains(t, msg.content, "call.reject")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, timeline, 1)
	require.Equal(t, "Call declined", timeline[0].Text)
}

func TestEndCallFailsWhenIdle(t *testing.T) {
	rec := &snapshotRecorder{}
	pub := &fakePublisher{}
	cc, _ := newTestControl(t, rec, pub)

	err := cc.EndCall(context.Background())
	require.ErrorIs(t, err, ErrWrongState)
}

func TestHandleIncomingRejectEndsOutboundCall(t *testing.T) {
	rec := &snapshotRecorder{}
	pub := &fakePublisher{}
	cc, _ := newTestControl(t, rec, pub)

	require.NoError(t, cc.StartCall(context.Background(), "chat1", "remote-pubkey"))
	callID := cc.callID

	env := `{"v":1,"ns":"pika.call","call_id":"` + callID + `","message_type":"call.reject"}`
	cc.HandleIncoming(context.Background(), "chat1", "remote-pubkey", env, time.Now().Unix())

	require.Equal(t, StateIdle, cc.State())
}

func TestSetMutedAndSetCameraEnabledBeforeWorkersIsSafe(t *testing.T) {
	rec := &snapshotRecorder{}
	pub := &fakePublisher{}
	cc, _ := newTestControl(t, rec, pub)

	cc.SetMuted(true)
	cc.SetCameraEnabled(true)

	require.True(t, cc.muted)
	require.True(t, cc.camera)
}
