package actor

import (
	"sync"

	"github.com/rustyguts/pika/internal/call"
)

// ChatSummary is one row of the chat list projection.
type ChatSummary struct {
	ChatID        string
	DisplayName   string
	IsGroup       bool
	Preview       string
	UnreadCount   int
	LastMessageAt int64
}

// ChatMessage is one visible message in the current-chat projection.
type ChatMessage struct {
	ID             string
	SenderPubkey   string
	Content        string
	CreatedAt      int64
	Reactions      map[string]int // emoji -> count
	DeliveryStatus string         // pending|sent|failed
	HTMLState      string         // merged pika-html-state-update payload, if any
}

// CurrentChat is the current-chat projection.
type CurrentChat struct {
	ChatID               string
	Messages             []ChatMessage
	FirstUnreadMessageID string
	CanLoadOlder         bool
}

// AppState is the full, immutable-by-convention state snapshot the actor
// publishes after every action. Consumers must not mutate
// a received snapshot — EmitState always hands out a fresh deep copy.
type AppState struct {
	Rev int64

	LoggedIn bool
	Pubkey   string

	ChatList    []ChatSummary
	CurrentChat *CurrentChat

	Call *call.Snapshot

	CallTimeline []call.TimelineEntry

	ToastMessage     string
	ToastToken       uint64
}

// Clone returns a deep-enough copy for snapshot semantics: slices and the
// CurrentChat/Call pointers are copied so a consumer holding an old
// snapshot never observes a later mutation.
func (s *AppState) Clone() *AppState {
	out := *s
	out.ChatList = append([]ChatSummary(nil), s.ChatList...)
	if s.CurrentChat != nil {
		cc := *s.CurrentChat
		cc.Messages = append([]ChatMessage(nil), s.CurrentChat.Messages...)
		out.CurrentChat = &cc
	}
	if s.Call != nil {
		c := *s.Call
		out.Call = &c
	}
	out.CallTimeline = append([]call.TimelineEntry(nil), s.CallTimeline...)
	return &out
}

// Bus is the EventBus: one shared snapshot slot for synchronous readers
// plus one unbounded update channel for stream consumers.
type Bus struct {
	mu       sync.RWMutex
	snapshot *AppState

	subsMu sync.Mutex
	subs   []chan *AppState
}

// NewBus returns a Bus seeded with an empty, logged-out snapshot.
func NewBus() *Bus {
	return &Bus{snapshot: &AppState{}}
}

// Snapshot returns the most recently published state (safe to call from
// any goroutine; never blocks on a slow subscriber).
func (b *Bus) Snapshot() *AppState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// Subscribe returns a channel that receives every future published
// snapshot. The channel is unbounded in the sense that publish never
// blocks on it — a slow subscriber simply misses intermediate snapshots
// and always sees the latest by the time it next reads (last-value-wins
// delivery, implemented with a length-1 buffered channel that is drained
// before each send).
func (b *Bus) Subscribe() <-chan *AppState {
	ch := make(chan *AppState, 1)
	b.subsMu.Lock()
	b.subs = append(b.subs, ch)
	b.subsMu.Unlock()
	return ch
}

// publish installs next as the current snapshot and notifies subscribers.
func (b *Bus) publish(next *AppState) {
	b.mu.Lock()
	b.snapshot = next
	b.mu.Unlock()

	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- next:
		default:
		}
	}
}
