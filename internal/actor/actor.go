package actor

import (
	"context"
	"log"
	"sync"
	"time"
)

// toastDismissDelay is how long a toast stays visible before its
// auto-dismiss timer fires.
const toastDismissDelay = 3 * time.Second

// Handlers bundles the actor's collaborators. Each field is a plain
// function rather than an interface so cmd/pikad can wire closures over
// its SessionRuntime/ChatStateEngine/MembershipEngine/CallControl without
// those packages needing to import actor (avoids an import cycle; keeps
// the delegation to each subsystem rather than folding its logic inline).
type Handlers struct {
	OnLogin             func(ctx context.Context, pubkey, secretKeyHex string) error
	OnLogout            func()
	OnCreateChat        func(ctx context.Context, peerPubkey string) error
	OnCreateGroupChat   func(ctx context.Context, peers []string, name string) error
	OnSendMessage       func(ctx context.Context, chatID, content, replyToID string) error
	OnRetryMessage      func(ctx context.Context, chatID, messageID string) error
	OnOpenChat          func(chatID string)
	OnLoadOlderMessages func(ctx context.Context, chatID string, limit int)
	OnStartCall         func(ctx context.Context, chatID string) error
	OnStartVideoCall    func(ctx context.Context, chatID string) error
	OnAcceptCall        func(ctx context.Context) error
	OnRejectCall        func(ctx context.Context) error
	OnEndCall           func(ctx context.Context) error
	OnSetMuted          func(muted bool)
	OnSetCameraEnabled  func(enabled bool)

	OnRelayEvent func(ctx context.Context, ev RelayEventReceived)

	// Project recomputes the state machine's derived views (chat list,
	// current chat, call snapshot, timeline) into state, after a handler
	// has run. Called once per processed action/event.
	Project func(state *AppState)
}

// Actor is the single-consumer-queue state machine: one goroutine owns
// all non-media state and is never reentrant.
type Actor struct {
	bus      *Bus
	handlers Handlers

	queue chan any

	mu    sync.Mutex
	state *AppState
	token uint64
}

// New returns an Actor with an empty logged-out state. Run must be called
// to start processing.
func New(bus *Bus, handlers Handlers) *Actor {
	return &Actor{
		bus:      bus,
		handlers: handlers,
		queue:    make(chan any, 256),
		state:    &AppState{},
	}
}

// Dispatch enqueues an Action or InternalEvent for processing. Safe to
// call from any goroutine; never blocks the caller for long (queue is
// generously buffered — a full queue indicates a stuck handler, which is
// a bug, not a condition to paper over with an unbounded channel).
func (a *Actor) Dispatch(msg any) {
	a.queue <- msg
}

// Run processes the queue until ctx is cancelled.
func (a *Actor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			a.handle(ctx, msg)
		}
	}
}

func (a *Actor) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case Login:
		if a.handlers.OnLogin != nil {
			if err := a.handlers.OnLogin(ctx, m.Pubkey, m.SecretKeyHex); err != nil {
				a.toast(ctx, "login failed: "+err.Error())
				return
			}
		}
		a.mu.Lock()
		a.state.LoggedIn = true
		a.state.Pubkey = m.Pubkey
		a.mu.Unlock()
	case Logout:
		if a.handlers.OnLogout != nil {
			a.handlers.OnLogout()
		}
		a.mu.Lock()
		a.state = &AppState{}
		a.mu.Unlock()
	case CreateChat:
		if a.handlers.OnCreateChat != nil {
			if err := a.handlers.OnCreateChat(ctx, m.PeerPubkey); err != nil {
				a.toast(ctx, "create chat failed: "+err.Error())
				return
			}
		}
	case CreateGroupChat:
		if a.handlers.OnCreateGroupChat != nil {
			if err := a.handlers.OnCreateGroupChat(ctx, m.PeerPubkeys, m.Name); err != nil {
				a.toast(ctx, "create group failed: "+err.Error())
				return
			}
		}
	case SendMessage:
		if a.handlers.OnSendMessage != nil {
			if err := a.handlers.OnSendMessage(ctx, m.ChatID, m.Content, m.ReplyToID); err != nil {
				a.toast(ctx, "send failed: "+err.Error())
				return
			}
		}
	case RetryMessage:
		if a.handlers.OnRetryMessage != nil {
			if err := a.handlers.OnRetryMessage(ctx, m.ChatID, m.MessageID); err != nil {
				a.toast(ctx, "retry failed: "+err.Error())
				return
			}
		}
	case OpenChat:
		if a.handlers.OnOpenChat != nil {
			a.handlers.OnOpenChat(m.ChatID)
		}
	case LoadOlderMessages:
		if a.handlers.OnLoadOlderMessages != nil {
			a.handlers.OnLoadOlderMessages(ctx, m.ChatID, m.Limit)
		}
	case StartCall:
		if a.handlers.OnStartCall != nil {
			if err := a.handlers.OnStartCall(ctx, m.ChatID); err != nil {
				a.toast(ctx, "call failed: "+err.Error())
				return
			}
		}
	case StartVideoCall:
		if a.handlers.OnStartVideoCall != nil {
			if err := a.handlers.OnStartVideoCall(ctx, m.ChatID); err != nil {
				a.toast(ctx, "call failed: "+err.Error())
				return
			}
		}
	case AcceptCall:
		if a.handlers.OnAcceptCall != nil {
			if err := a.handlers.OnAcceptCall(ctx); err != nil {
				a.toast(ctx, "accept failed: "+err.Error())
				return
			}
		}
	case RejectCall:
		if a.handlers.OnRejectCall != nil {
			_ = a.handlers.OnRejectCall(ctx)
		}
	case EndCall:
		if a.handlers.OnEndCall != nil {
			_ = a.handlers.OnEndCall(ctx)
		}
	case SetMuted:
		if a.handlers.OnSetMuted != nil {
			a.handlers.OnSetMuted(m.Muted)
		}
	case SetCameraEnabled:
		if a.handlers.OnSetCameraEnabled != nil {
			a.handlers.OnSetCameraEnabled(m.Enabled)
		}
	case Toast:
		a.toast(ctx, m.Message)
		return
	case RelayEventReceived:
		if a.handlers.OnRelayEvent != nil {
			a.handlers.OnRelayEvent(ctx, m)
		}
	case CallRuntimeConnected, CallRuntimeStats, CallRuntimeTerminalError:
		// State is re-projected below; CallControl already updated its own
		// internal state via its own callbacks before these events were
		// queued here purely to trigger a re-projection.
	case ToastDismiss:
		a.mu.Lock()
		if a.state.ToastToken == m.Token {
			a.state.ToastMessage = ""
		}
		a.mu.Unlock()
	default:
		log.Printf("[actor] unhandled message type %T", msg)
		return
	}

	a.emitState()
}

// toast sets the toast message, bumps its dismiss token, and schedules an
// auto-dismiss after toastDismissDelay.
func (a *Actor) toast(ctx context.Context, message string) {
	a.mu.Lock()
	a.token++
	token := a.token
	a.state.ToastMessage = message
	a.state.ToastToken = token
	a.mu.Unlock()

	go func() {
		select {
		case <-time.After(toastDismissDelay):
			a.Dispatch(ToastDismiss{Token: token})
		case <-ctx.Done():
		}
	}()

	a.emitState()
}

// emitState increments rev, lets the registered Project hook recompute
// derived views, then publishes a cloned snapshot.
func (a *Actor) emitState() {
	a.mu.Lock()
	a.state.Rev++
	if a.handlers.Project != nil {
		a.handlers.Project(a.state)
	}
	snap := a.state.Clone()
	a.mu.Unlock()

	a.bus.publish(snap)
}
