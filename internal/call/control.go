package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rustyguts/pika/internal/audio"
	"github.com/rustyguts/pika/internal/mls"
	"github.com/rustyguts/pika/internal/transport"
)

// State is a CallControl lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRingingOutbound
	StateRingingInbound
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRingingOutbound:
		return "ringing_outbound"
	case StateRingingInbound:
		return "ringing_inbound"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason labels why a call transitioned to Ended.
type EndReason string

const (
	ReasonUserHangup             EndReason = "user_hangup"
	ReasonDeclined               EndReason = "declined"
	ReasonTransportReconnectFail EndReason = "transport_reconnect_failed"
)

// exporter secret labels, one per direction/stream.
const (
	exporterLabelAudioTx = "audio-tx"
	exporterLabelAudioRx = "audio-rx"
	exporterLabelVideoTx = "video-tx"
	exporterLabelVideoRx = "video-rx"

	// exporterContextLen is a 32-byte AEAD key followed by a 4-byte salt
	// (see keysFromSecret).
	exporterContextLen = 36
	// inviteFreshness bounds how old an incoming call.invite may be before
	// it is ignored as stale.
	inviteFreshness = 30 * time.Second
)

var (
	// ErrNotIdle is returned by StartCall/StartVideoCall when a call is
	// already in progress.
	ErrNotIdle = errors.New("call: not idle")
	// ErrWrongState is returned when a transition is attempted from a
	// state that doesn't permit it.
	ErrWrongState = errors.New("call: wrong state")
)

// Envelope is the JSON call-signal wire format carried inside a kind-10 MLS
// application message.
type Envelope struct {
	V           int             `json:"v"`
	NS          string          `json:"ns"`
	CallID      string          `json:"call_id"`
	MessageType string          `json:"message_type"`
	Body        json.RawMessage `json:"body"`
}

const envelopeNS = "pika.call"

// TimelineEntry is one append-only row in the call history.
type TimelineEntry struct {
	ID        string
	ChatID    string
	Text      string
	Timestamp int64
}

// Snapshot is the read-only view of call state consumed by the UI layer.
type Snapshot struct {
	CallID         string
	ChatID         string
	RemotePubkey   string
	IsVideoCall    bool
	IsCameraOn     bool
	IsMuted        bool
	State          State
	Reason         EndReason
	StartedAt      time.Time
	DurationSecond int
}

// MediaDialer opens a concrete transport.Media for one call leg. Separated
// from CallControl so tests can substitute transport.NewFakeMedia.
type MediaDialer func() transport.Media

// Deps bundles CallControl's collaborators.
type Deps struct {
	Engine       mls.Engine
	Relay        publisher
	Identity     string // our own pubkey
	AudioBackend audio.Backend
	Dialer       MediaDialer
	MoQURL       string
	BroadcastBase string
	AuthToken    string
	ICEServers   []transport.ICEServer
	OnTimeline   func(TimelineEntry)
	OnSnapshot   func(Snapshot)
}

// publisher is the minimal relay surface CallControl needs — encrypting
// and sending a kind-10 application message is MLS's job, so this only
// needs the group-scoped send, modeled by mls.Engine.EncryptApplicationMessage
// plus relay.Client.Publish at the SessionRuntime layer. CallControl stays
// decoupled from nostr.Event construction by taking this narrow interface.
type publisher interface {
	PublishAppMessage(ctx context.Context, groupID string, kind int, content string) error
}

// CallControl is the call lifecycle state machine for one chat/session. It
// owns at most one active call at a time.
type CallControl struct {
	deps Deps

	mu       sync.Mutex
	state    State
	callID   string
	chatID   string
	remote   string
	isVideo  bool
	camera   bool
	muted    bool
	reason   EndReason
	startedAt time.Time
	invitedAt time.Time

	worker      *CallWorker
	videoWorker *CallWorker
	cancel      context.CancelFunc

	durationStop chan struct{}
}

// NewCallControl returns an idle CallControl.
func NewCallControl(deps Deps) *CallControl {
	return &CallControl{deps: deps, state: StateIdle}
}

// State returns the current lifecycle state.
func (c *CallControl) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartCall begins an outbound audio call in the given two-member group.
// peerPubkey is the remote member's pubkey, used to pick participant
// labels for the media transport.
func (c *CallControl) StartCall(ctx context.Context, chatID, peerPubkey string) error {
	return c.start(ctx, chatID, peerPubkey, false)
}

// StartVideoCall begins an outbound video call.
func (c *CallControl) StartVideoCall(ctx context.Context, chatID, peerPubkey string) error {
	return c.start(ctx, chatID, peerPubkey, true)
}

func (c *CallControl) start(ctx context.Context, chatID, peerPubkey string, video bool) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	callID := uuid.NewString()
	c.callID = callID
	c.chatID = chatID
	c.remote = peerPubkey
	c.isVideo = video
	c.camera = video
	c.state = StateRingingOutbound
	c.mu.Unlock()

	if err := c.sendSignal(ctx, chatID, callID, "call.invite", map[string]any{"is_video_call": video}); err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return fmt.Errorf("call: send invite: %w", err)
	}
	c.emitSnapshot()
	return nil
}

// HandleIncoming processes a decrypted application-message payload that
// MessageClassifier routed here as a CallSignal. createdAt is the
// message's Nostr timestamp (seconds), used for the invite-freshness
// check.
func (c *CallControl) HandleIncoming(ctx context.Context, chatID, fromPubkey string, content string, createdAt int64) {
	var env Envelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		log.Printf("[call] malformed signal envelope: %v", err)
		return
	}
	if env.NS != envelopeNS {
		return
	}

	switch env.MessageType {
	case "call.invite":
		c.handleInvite(chatID, fromPubkey, env.CallID, createdAt)
	case "call.accept":
		c.handleAccept(ctx, env.CallID)
	case "call.reject":
		c.handleReject(env.CallID)
	case "call.hangup":
		c.handleHangup(env.CallID)
	default:
		// Unknown message_type — ignore
	}
}

func (c *CallControl) handleInvite(chatID, fromPubkey, callID string, createdAt int64) {
	now := time.Now()
	if now.Sub(time.Unix(createdAt, 0)) > inviteFreshness {
		return
	}
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.callID = callID
	c.chatID = chatID
	c.remote = fromPubkey
	c.state = StateRingingInbound
	c.invitedAt = now
	c.mu.Unlock()
	c.emitSnapshot()
}

// AcceptCall accepts an inbound ringing call and spawns its CallWorker(s).
func (c *CallControl) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRingingInbound {
		c.mu.Unlock()
		return ErrWrongState
	}
	chatID, callID := c.chatID, c.callID
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.sendSignal(ctx, chatID, callID, "call.accept", nil); err != nil {
		return fmt.Errorf("call: send accept: %w", err)
	}
	c.emitSnapshot()
	return c.startWorkers(ctx)
}

// RejectCall declines an inbound ringing call.
func (c *CallControl) RejectCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRingingInbound {
		c.mu.Unlock()
		return ErrWrongState
	}
	chatID, callID := c.chatID, c.callID
	c.mu.Unlock()

	_ = c.sendSignal(ctx, chatID, callID, "call.reject", nil)
	c.end(ReasonDeclined)
	return nil
}

func (c *CallControl) handleAccept(ctx context.Context, callID string) {
	c.mu.Lock()
	if c.state != StateRingingOutbound || c.callID != callID {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.emitSnapshot()
	_ = c.startWorkers(ctx)
}

func (c *CallControl) handleReject(callID string) {
	c.mu.Lock()
	match := c.state == StateRingingOutbound && c.callID == callID
	c.mu.Unlock()
	if match {
		c.end(ReasonDeclined)
	}
}

func (c *CallControl) handleHangup(callID string) {
	c.mu.Lock()
	match := c.callID == callID && c.state != StateIdle && c.state != StateEnded
	c.mu.Unlock()
	if match {
		c.end(ReasonUserHangup)
	}
}

// EndCall ends the current call from the local side.
func (c *CallControl) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateEnded {
		c.mu.Unlock()
		return ErrWrongState
	}
	chatID, callID := c.chatID, c.callID
	c.mu.Unlock()

	_ = c.sendSignal(ctx, chatID, callID, "call.hangup", nil)
	c.end(ReasonUserHangup)
	return nil
}

// SetMuted toggles the local mute flag, propagating to a running worker.
func (c *CallControl) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	w := c.worker
	c.mu.Unlock()
	if w != nil {
		w.SetMuted(muted)
	}
	c.emitSnapshot()
}

// SetCameraEnabled toggles the local camera flag, propagating to a running
// video worker.
func (c *CallControl) SetCameraEnabled(enabled bool) {
	c.mu.Lock()
	c.camera = enabled
	vw := c.videoWorker
	c.mu.Unlock()
	if vw != nil {
		vw.SetCameraEnabled(enabled)
	}
	c.emitSnapshot()
}

func (c *CallControl) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	callID := c.callID
	remote := c.remote
	video := c.isVideo
	c.mu.Unlock()

	txAudio, rxAudio, err := c.exporterKeys(ctx, callID, exporterLabelAudioTx, exporterLabelAudioRx)
	if err != nil {
		return fmt.Errorf("call: derive audio keys: %w", err)
	}

	med := c.deps.Dialer()
	shared := NewSharedTransport(med)
	if err := med.Connect(ctx, c.deps.MoQURL, c.deps.BroadcastBase, c.deps.Identity, c.deps.AuthToken, c.deps.ICEServers); err != nil {
		return fmt.Errorf("call: connect media: %w", err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	reconnect := ReconnectInfo{
		MoQURL:           c.deps.MoQURL,
		ParticipantLabel: c.deps.Identity,
		AuthToken:        c.deps.AuthToken,
		ICEServers:       c.deps.ICEServers,
	}

	cb := WorkerCallbacks{
		OnSubscriptionReady: func() { c.onRuntimeConnected() },
		OnTerminalError:     func(err error) { c.onWorkerTerminalError(err) },
	}
	w := NewCallWorker(shared, c.deps.AudioBackend, remote, c.deps.BroadcastBase, txAudio, rxAudio, cb, reconnect)
	c.mu.Lock()
	c.worker = w
	c.mu.Unlock()
	go w.RunAudio(callCtx)

	if video {
		txVideo, rxVideo, err := c.exporterKeys(ctx, callID, exporterLabelVideoTx, exporterLabelVideoRx)
		if err == nil {
			vw := NewCallWorker(shared, nil, remote, c.deps.BroadcastBase, txVideo, rxVideo, WorkerCallbacks{}, reconnect)
			c.mu.Lock()
			c.videoWorker = vw
			c.mu.Unlock()
			go vw.RunVideo(callCtx, nil, nil)
		}
	}
	return nil
}

func (c *CallControl) exporterKeys(ctx context.Context, callID, txLabel, rxLabel string) (DirectionKeys, DirectionKeys, error) {
	c.mu.Lock()
	chatID := c.chatID
	c.mu.Unlock()

	txSecret, err := c.deps.Engine.ExporterSecret(ctx, chatID, callID+":"+txLabel, exporterContextLen)
	if err != nil {
		return DirectionKeys{}, DirectionKeys{}, err
	}
	rxSecret, err := c.deps.Engine.ExporterSecret(ctx, chatID, callID+":"+rxLabel, exporterContextLen)
	if err != nil {
		return DirectionKeys{}, DirectionKeys{}, err
	}
	return keysFromSecret(txSecret), keysFromSecret(rxSecret), nil
}

func keysFromSecret(secret []byte) DirectionKeys {
	var k DirectionKeys
	n := copy(k.Key[:], secret)
	if n < len(secret) {
		copy(k.Salt[:], secret[n:])
	}
	return k
}

func (c *CallControl) onRuntimeConnected() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.startedAt = time.Now()
	c.durationStop = make(chan struct{})
	stop := c.durationStop
	c.mu.Unlock()

	c.emitSnapshot()
	go c.tickDuration(stop)
}

func (c *CallControl) tickDuration(stop chan struct{}) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.emitSnapshot()
		}
	}
}

func (c *CallControl) onWorkerTerminalError(err error) {
	log.Printf("[call] worker terminal error: %v", err)
	c.end(ReasonTransportReconnectFail)
}

func (c *CallControl) end(reason EndReason) {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	chatID, callID, started := c.chatID, c.callID, c.startedAt
	c.state = StateEnded
	c.reason = reason
	worker, videoWorker, cancel, durationStop := c.worker, c.videoWorker, c.cancel, c.durationStop
	c.worker, c.videoWorker, c.cancel, c.durationStop = nil, nil, nil, nil
	c.mu.Unlock()

	if durationStop != nil {
		close(durationStop)
	}
	if cancel != nil {
		cancel()
	}
	if worker != nil {
		worker.Stop()
	}
	if videoWorker != nil {
		videoWorker.Stop()
	}

	c.appendTimeline(chatID, callID, reason, started)
	c.emitSnapshot()

	c.mu.Lock()
	c.state = StateIdle
	c.callID = ""
	c.mu.Unlock()
}

func (c *CallControl) appendTimeline(chatID, callID string, reason EndReason, started time.Time) {
	if c.deps.OnTimeline == nil {
		return
	}
	text := "Call ended"
	if !started.IsZero() {
		d := time.Since(started)
		text = fmt.Sprintf("Call ended (%02d:%02d)", int(d.Minutes()), int(d.Seconds())%60)
	} else if reason == ReasonDeclined {
		text = "Call declined"
	}
	c.deps.OnTimeline(TimelineEntry{
		ID:        callID + ":ended",
		ChatID:    chatID,
		Text:      text,
		Timestamp: time.Now().Unix(),
	})
}

func (c *CallControl) emitSnapshot() {
	if c.deps.OnSnapshot == nil {
		return
	}
	c.mu.Lock()
	snap := Snapshot{
		CallID:       c.callID,
		ChatID:       c.chatID,
		RemotePubkey: c.remote,
		IsVideoCall:  c.isVideo,
		IsCameraOn:   c.camera,
		IsMuted:      c.muted,
		State:        c.state,
		Reason:       c.reason,
		StartedAt:    c.startedAt,
	}
	if !c.startedAt.IsZero() && c.state == StateActive {
		snap.DurationSecond = int(time.Since(c.startedAt).Seconds())
	}
	c.mu.Unlock()
	c.deps.OnSnapshot(snap)
}

func (c *CallControl) sendSignal(ctx context.Context, chatID, callID, messageType string, body any) error {
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = b
	}
	env := Envelope{V: 1, NS: envelopeNS, CallID: callID, MessageType: messageType, Body: raw}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.deps.Relay.PublishAppMessage(ctx, chatID, 10, string(payload))
}
