package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/rustyguts/pika/internal/identity"
	"github.com/rustyguts/pika/internal/mls"
	"github.com/rustyguts/pika/internal/relay"
)

// Delivery is the local override status an OutboxEntry carries until the
// real event (or a failure) is observed.
type Delivery int

const (
	DeliveryPending Delivery = iota
	DeliverySent
	DeliveryFailed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliverySent:
		return "sent"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OutboxEntry is one optimistically-inserted local message.
type OutboxEntry struct {
	LocalID   string
	ChatID    string
	Content   string
	ReplyToID string
	Seq       int64
	CreatedAt int64
	Delivery  Delivery
	FailReason string
}

type pendingSend struct {
	rumorID      string
	wrapperEvent nostr.Event
}

// OutboxResult reports the outcome of one publish attempt, mirroring
// actor.PublishMessageResult without importing the actor package.
type OutboxResult struct {
	ChatID    string
	MessageID string
	OK        bool
	Err       error
}

// outboxCap is the per-chat prune limit.
const outboxCap = 8

// OutboxEngine implements optimistic send + retry for outgoing chat
// messages.
type OutboxEngine struct {
	engine   mls.Engine
	relay    relay.Client
	identity identity.Identity

	onResult func(OutboxResult)

	mu      sync.Mutex
	byChat  map[string][]*OutboxEntry
	pending map[string]map[string]pendingSend // chatID -> localID -> pendingSend
	seq     int64
}

// NewOutboxEngine constructs an OutboxEngine. onResult, if non-nil, is
// invoked (from a background goroutine) after every publish attempt.
func NewOutboxEngine(engine mls.Engine, client relay.Client, id identity.Identity, onResult func(OutboxResult)) *OutboxEngine {
	return &OutboxEngine{
		engine:   engine,
		relay:    client,
		identity: id,
		onResult: onResult,
		byChat:   make(map[string][]*OutboxEntry),
		pending:  make(map[string]map[string]pendingSend),
	}
}

// SendMessage validates and optimistically inserts content into chatID's
// outbox, asks MLS to wrap it, then publishes the result asynchronously.
func (o *OutboxEngine) SendMessage(ctx context.Context, chatID, content, replyToID string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("chat: empty message content")
	}

	o.mu.Lock()
	o.seq++
	entry := &OutboxEntry{
		LocalID:   uuid.NewString(),
		ChatID:    chatID,
		Content:   content,
		ReplyToID: replyToID,
		Seq:       o.seq,
		CreatedAt: time.Now().Unix(),
		Delivery:  DeliveryPending,
	}
	o.byChat[chatID] = append(o.byChat[chatID], entry)
	o.pruneLocked(chatID)
	o.mu.Unlock()

	rumor := relay.Rumor{
		Kind:    relay.KindChatMessage,
		Content: content,
	}
	var replyTags map[string]string
	if replyToID != "" {
		rumor.Tags = nostr.Tags{nostr.Tag{"e", replyToID, "", "reply"}}
		replyTags = map[string]string{"e": replyToID}
	}

	ciphertext, err := o.engine.EncryptApplicationMessage(ctx, chatID, mls.AppMessage{
		Kind:      relay.KindChatMessage,
		Content:   content,
		Tags:      replyTags,
		CreatedAt: entry.CreatedAt,
	})
	if err != nil {
		o.markFailed(chatID, entry.LocalID, err.Error())
		return entry.LocalID, fmt.Errorf("chat: wrap outgoing message: %w", err)
	}

	wrapper := nostr.Event{
		PubKey:    o.identity.Pubkey,
		CreatedAt: nostr.Timestamp(entry.CreatedAt),
		Kind:      relay.KindGroupEvolution,
		Tags:      nostr.Tags{nostr.Tag{"h", chatID}},
		Content:   string(ciphertext),
	}
	if err := o.sign(&wrapper); err != nil {
		o.markFailed(chatID, entry.LocalID, err.Error())
		return entry.LocalID, err
	}

	o.mu.Lock()
	if o.pending[chatID] == nil {
		o.pending[chatID] = make(map[string]pendingSend)
	}
	o.pending[chatID][entry.LocalID] = pendingSend{rumorID: entry.LocalID, wrapperEvent: wrapper}
	o.mu.Unlock()

	go o.publish(ctx, chatID, entry.LocalID, wrapper)

	_ = rumor // reply tag travels in the encrypted AppMessage's Tags above; rumor keeps its nostr.Tags form
	return entry.LocalID, nil
}

// RetryMessage rebroadcasts a previously-failed send's wrapper event
// unchanged.
func (o *OutboxEngine) RetryMessage(ctx context.Context, chatID, messageID string) error {
	o.mu.Lock()
	chatPending := o.pending[chatID]
	send, ok := chatPending[messageID]
	if ok {
		for _, e := range o.byChat[chatID] {
			if e.LocalID == messageID {
				e.Delivery = DeliveryPending
				e.FailReason = ""
			}
		}
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("chat: no pending send for message %s", messageID)
	}
	go o.publish(ctx, chatID, messageID, send.wrapperEvent)
	return nil
}

func (o *OutboxEngine) publish(ctx context.Context, chatID, localID string, evt nostr.Event) {
	results := o.relay.Publish(ctx, evt)
	ok := false
	for _, r := range results {
		if r.OK {
			ok = true
			break
		}
	}
	if ok {
		o.mu.Lock()
		delete(o.pending[chatID], localID)
		for _, e := range o.byChat[chatID] {
			if e.LocalID == localID {
				e.Delivery = DeliverySent
			}
		}
		o.mu.Unlock()
	} else {
		o.markFailed(chatID, localID, "publish rejected by all relays")
	}
	if o.onResult != nil {
		o.onResult(OutboxResult{ChatID: chatID, MessageID: localID, OK: ok})
	}
}

func (o *OutboxEngine) markFailed(chatID, localID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.byChat[chatID] {
		if e.LocalID == localID {
			e.Delivery = DeliveryFailed
			e.FailReason = reason
		}
	}
}

// pruneLocked keeps only the outboxCap newest entries by Seq. Callers must
// hold o.mu.
func (o *OutboxEngine) pruneLocked(chatID string) {
	entries := o.byChat[chatID]
	if len(entries) <= outboxCap {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	o.byChat[chatID] = append([]*OutboxEntry(nil), entries[len(entries)-outboxCap:]...)
}

// Entries returns a snapshot of chatID's outbox, oldest first.
func (o *OutboxEngine) Entries(chatID string) []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	src := o.byChat[chatID]
	out := make([]OutboxEntry, len(src))
	for i, e := range src {
		out[i] = *e
	}
	return out
}

func (o *OutboxEngine) sign(evt *nostr.Event) error {
	if o.identity.Mode != identity.ModeLocalKey {
		return fmt.Errorf("chat: signing mode %s not yet wired to a signer bridge", o.identity.Mode)
	}
	if err := evt.Sign(o.identity.SecretKeyHex); err != nil {
		return fmt.Errorf("chat: sign event: %w", err)
	}
	return nil
}
