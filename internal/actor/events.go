package actor

// Action is a command sent into the actor from the outside world (UI,
// CLI, timers). The actor consumes actions off a single queue, so
// handlers never run concurrently with each other.
type Action interface {
	actionOrEvent()
}

// InternalEvent is a notification the actor generates or receives from a
// background task (relay fetch completing, a CallWorker stats tick, a
// toast-dismiss timer firing) and re-queues onto itself so state mutation
// stays single-threaded.
type InternalEvent interface {
	actionOrEvent()
}

// baseMarker lets concrete Action/InternalEvent types embed a zero-cost
// marker instead of each declaring an empty method body.
type baseMarker struct{}

func (baseMarker) actionOrEvent() {}

// Login starts a session for the given identity.
type Login struct {
	baseMarker
	Pubkey       string
	SecretKeyHex string
}

// Logout tears the current session down.
type Logout struct{ baseMarker }

// CreateChat starts a 1:1 (or self) chat with the given peer.
type CreateChat struct {
	baseMarker
	PeerPubkey string
}

// CreateGroupChat starts a multi-member chat.
type CreateGroupChat struct {
	baseMarker
	PeerPubkeys []string
	Name        string
}

// SendMessage queues an outgoing chat message.
type SendMessage struct {
	baseMarker
	ChatID        string
	Content       string
	ReplyToID     string
}

// RetryMessage rebroadcasts a previously-failed send.
type RetryMessage struct {
	baseMarker
	ChatID    string
	MessageID string
}

// OpenChat navigates the router to a chat screen, making it "current".
type OpenChat struct {
	baseMarker
	ChatID string
}

// LoadOlderMessages requests an older page for the current chat.
type LoadOlderMessages struct {
	baseMarker
	ChatID string
	Limit  int
}

// StartCall/StartVideoCall/AcceptCall/RejectCall/EndCall drive CallControl.
type StartCall struct {
	baseMarker
	ChatID string
}
type StartVideoCall struct {
	baseMarker
	ChatID string
}
type AcceptCall struct{ baseMarker }
type RejectCall struct{ baseMarker }
type EndCall struct{ baseMarker }

// SetMuted toggles the local microphone on the active call.
type SetMuted struct {
	baseMarker
	Muted bool
}

// SetCameraEnabled toggles the local camera on the active video call.
type SetCameraEnabled struct {
	baseMarker
	Enabled bool
}

// Toast requests a user-facing notification that auto-dismisses.
type Toast struct {
	baseMarker
	Message string
}

// --- internal events ---

// RelayEventReceived carries one decrypted application message up from
// SessionRuntime's subscription loop.
type RelayEventReceived struct {
	baseMarker
	ChatID     string
	EventID    string
	FromPubkey string
	Kind       int
	Content    string
	Tags       map[string]string
	CreatedAt  int64
}

// PublishMessageResult reports the outcome of an outbox publish attempt.
type PublishMessageResult struct {
	baseMarker
	ChatID    string
	MessageID string
	OK        bool
	Err       error
}

// CallRuntimeConnected tells the actor that call CallID's runtime state
// changed (cmd/pikad dispatches it on every CallControl snapshot); the actor
// only re-projects state when it arrives.
type CallRuntimeConnected struct {
	baseMarker
	CallID string
}

// CallRuntimeStats tells the actor that call CallID has new runtime data
// (cmd/pikad dispatches it for each call-timeline entry). It carries no stats
// itself; the actor only re-projects state when it arrives.
type CallRuntimeStats struct {
	baseMarker
	CallID string
}

// CallRuntimeTerminalError fires when a CallWorker exhausts reconnection.
type CallRuntimeTerminalError struct {
	baseMarker
	CallID string
	Err    error
}

// ToastDismiss is re-queued by a toast's 3s timer; handlers compare Token
// against the current toast_dismiss_token and drop stale dismissals.
type ToastDismiss struct {
	baseMarker
	Token uint64
}
