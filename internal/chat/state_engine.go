package chat

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/rustyguts/pika/internal/actor"
	"github.com/rustyguts/pika/internal/mls"
)

// defaultVisiblePageSize is the floor pull size for the current-chat
// projection.
const defaultVisiblePageSize = 50

// htmlFenceKind, htmlUpdateFenceKind, htmlStateFenceKind mark the three MDX
// fenced-block stream messages merged out of the visible view. They are carried as a `fence` tag on otherwise-ordinary chat
// messages rather than as distinct Nostr kinds.
const (
	fenceTag          = "fence"
	fenceHTML         = "pika-html"
	fenceHTMLUpdate   = "pika-html-update"
	fenceHTMLState    = "pika-html-state-update"
)

// NameResolver supplies display names and group metadata the projection
// needs but doesn't own (profile cache, MLS group roster). Kept narrow so
// ChatStateEngine doesn't need to import internal/profile.
type NameResolver interface {
	// DisplayName returns a profile display name for pubkey, if cached.
	DisplayName(pubkey string) (string, bool)
}

// StateEngine implements ChatStateEngine: recomputes the chat list and
// current-chat projections after every state-affecting action.
type StateEngine struct {
	engine   mls.Engine
	outbox   *OutboxEngine
	names    NameResolver
	selfPubkey string

	mu            sync.Mutex
	store         *memStore
	currentChatID string
	visibleWant   map[string]int // chatID -> desired visible count (grows via LoadOlderMessages)
}

// NewStateEngine constructs a StateEngine over engine's group storage.
func NewStateEngine(engine mls.Engine, outbox *OutboxEngine, names NameResolver, selfPubkey string) *StateEngine {
	return &StateEngine{
		engine:      engine,
		outbox:      outbox,
		names:       names,
		selfPubkey:  selfPubkey,
		store:       newMemStore(),
		visibleWant: make(map[string]int),
	}
}

// Ingest records one decrypted application message (or raw giftwrap-free
// relay event) against its chat, classifying it by kind.
func (e *StateEngine) Ingest(chatID, eventID, fromPubkey string, kind int, content string, tags map[string]string, createdAt int64) {
	k := Classify(Message{Kind: kind, Content: content, Tags: tags, CreatedAt: createdAt})

	e.mu.Lock()
	defer e.mu.Unlock()

	e.store.append(chatID, storedEvent{
		EventID:    eventID,
		FromPubkey: fromPubkey,
		Kind:       k,
		RawKind:    kind,
		Content:    content,
		TargetID:   tags["e"],
		Fence:      tags[fenceTag],
		CreatedAt:  createdAt,
	})
	if AffectsUnread(k) && chatID != e.currentChatID {
		e.store.unread[chatID]++
	}
}

// OpenChat marks chatID current and clears its unread count.
func (e *StateEngine) OpenChat(chatID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentChatID = chatID
	e.store.unread[chatID] = 0
	if _, ok := e.visibleWant[chatID]; !ok {
		e.visibleWant[chatID] = defaultVisiblePageSize
	}
}

// LoadOlderMessages grows chatID's desired visible-message count by at
// least limit. The in-memory store already holds every event
// SessionRuntime has delivered, so this only adjusts how much of it the
// current-chat projection reveals; CanLoadOlder reports whether the store
// is known to hold more than is currently shown.
func (e *StateEngine) LoadOlderMessages(chatID string, limit int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	want := e.visibleWant[chatID] + limit
	if want < defaultVisiblePageSize {
		want = defaultVisiblePageSize
	}
	e.visibleWant[chatID] = want
}

// ChatList recomputes the chat list projection.
func (e *StateEngine) ChatList() []actor.ChatSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	groups := e.engine.Groups(context.Background())
	out := make([]actor.ChatSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, actor.ChatSummary{
			ChatID:        g.NostrGroupID,
			DisplayName:   e.displayName(g),
			IsGroup:       len(g.Members) > 1,
			Preview:       e.preview(g.NostrGroupID),
			UnreadCount:   e.store.unread[g.NostrGroupID],
			LastMessageAt: e.lastMessageAt(g.NostrGroupID),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt > out[j].LastMessageAt })
	return out
}

func (e *StateEngine) displayName(g mls.GroupInfo) string {
	if len(g.Members) == 0 {
		return "Note to self"
	}
	if len(g.Members) == 1 {
		peer := g.Members[0]
		if peer.DisplayName != "" {
			return peer.DisplayName
		}
		if name, ok := e.names.DisplayName(peer.Pubkey); ok && name != "" {
			return name
		}
		return truncatedNpub(peer.Pubkey)
	}
	if g.Name != "" {
		return g.Name
	}
	return "Group (" + strconv.Itoa(len(g.Members)+1) + ")"
}

func (e *StateEngine) preview(chatID string) string {
	events := e.store.events[chatID]
	for i := len(events) - 1; i >= 0; i-- {
		if isChatVisible(events[i].Kind) {
			return events[i].Content
		}
	}
	return ""
}

func (e *StateEngine) lastMessageAt(chatID string) int64 {
	events := e.store.events[chatID]
	for i := len(events) - 1; i >= 0; i-- {
		if isChatVisible(events[i].Kind) {
			return events[i].CreatedAt
		}
	}
	return 0
}

// CurrentChat recomputes the current-chat projection
// if chatID is the open chat, or nil otherwise.
func (e *StateEngine) CurrentChat(chatID string) *actor.CurrentChat {
	e.mu.Lock()
	defer e.mu.Unlock()
	if chatID == "" || chatID != e.currentChatID {
		return nil
	}

	want := e.visibleWant[chatID]
	if want < defaultVisiblePageSize {
		want = defaultVisiblePageSize
	}

	all := e.store.events[chatID]

	reactions := make(map[string]map[string]int) // targetID -> emoji -> count
	hypernoteTally := make(map[string]int)        // "responder|target" -> count
	fenceUpdates := make(map[string]string)        // targetID -> latest pika-html-update content
	fenceStates := make(map[string]string)         // targetID -> latest pika-html-state-update content
	var visible []storedEvent
	for _, ev := range all {
		switch {
		case ev.Kind == KindReaction:
			if reactions[ev.TargetID] == nil {
				reactions[ev.TargetID] = make(map[string]int)
			}
			reactions[ev.TargetID][ev.Content]++
		case ev.Kind == KindHypernoteResponse:
			hypernoteTally[ev.FromPubkey+"|"+ev.TargetID]++
		case ev.Fence == fenceHTMLUpdate:
			fenceUpdates[ev.TargetID] = ev.Content
		case ev.Fence == fenceHTMLState:
			fenceStates[ev.TargetID] = ev.Content
		default:
			if isChatVisible(ev.Kind) {
				visible = append(visible, ev)
			}
		}
	}

	if len(visible) > want {
		visible = visible[len(visible)-want:]
	}

	messages := make([]actor.ChatMessage, 0, len(visible))
	byID := make(map[string]int, len(visible))
	for _, ev := range visible {
		content := ev.Content
		if ev.Fence == fenceHTML {
			if updated, ok := fenceUpdates[ev.EventID]; ok {
				content = updated
			}
		}
		m := actor.ChatMessage{
			ID:           ev.EventID,
			SenderPubkey: ev.FromPubkey,
			Content:      content,
			CreatedAt:    ev.CreatedAt,
		}
		if ev.Fence == fenceHTML {
			m.HTMLState = fenceStates[ev.EventID]
		}
		if rs := reactions[ev.EventID]; len(rs) > 0 {
			m.Reactions = rs
		}
		byID[ev.EventID] = len(messages)
		messages = append(messages, m)
	}
	_ = hypernoteTally // exposed for future per-message tally display; not yet surfaced on ChatMessage

	if e.outbox != nil {
		var oldestLoaded int64
		if len(visible) > 0 {
			oldestLoaded = visible[0].CreatedAt
		}
		for _, entry := range e.outbox.Entries(chatID) {
			if entry.CreatedAt <= oldestLoaded {
				continue
			}
			if _, ok := byID[entry.LocalID]; ok {
				continue
			}
			messages = append(messages, actor.ChatMessage{
				ID:             entry.LocalID,
				SenderPubkey:   e.selfPubkey,
				Content:        entry.Content,
				CreatedAt:      entry.CreatedAt,
				DeliveryStatus: entry.Delivery.String(),
			})
		}
	}

	cc := &actor.CurrentChat{
		ChatID:       chatID,
		Messages:     messages,
		CanLoadOlder: len(visible) >= want && want < countVisible(all),
	}
	unread := e.store.unread[chatID]
	if unread > 0 && unread <= len(messages) {
		cc.FirstUnreadMessageID = messages[len(messages)-unread].ID
	}
	return cc
}

func countVisible(all []storedEvent) int {
	n := 0
	for _, ev := range all {
		if isChatVisible(ev.Kind) {
			n++
		}
	}
	return n
}

func isChatVisible(k Kind) bool {
	switch k {
	case KindChat, KindReaction, KindHypernote, KindHypernoteResponse:
		return true
	default:
		return false
	}
}

func truncatedNpub(pubkey string) string {
	if len(pubkey) <= 12 {
		return pubkey
	}
	return pubkey[:8] + "…" + pubkey[len(pubkey)-4:]
}

