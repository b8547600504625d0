package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/rustyguts/pika/internal/identity"
	"github.com/rustyguts/pika/internal/mls"
	"github.com/rustyguts/pika/internal/relay"
)

// flakyRelay lets a test force every Publish to fail until told otherwise,
// to exercise OutboxEngine's retry path deterministically.
type flakyRelay struct {
	mu   sync.Mutex
	fail bool
	sent []nostr.Event
}

func (f *flakyRelay) Fetch(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	return nil, nil
}

func (f *flakyRelay) Publish(ctx context.Context, evt nostr.Event) []relay.PublishResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, evt)
	return []relay.PublishResult{{RelayURL: "fake", OK: !f.fail}}
}

func (f *flakyRelay) Subscribe(ctx context.Context, filters []nostr.Filter) (relay.Subscription, error) {
	return nil, nil
}
func (f *flakyRelay) SetRelays(urls []string) {}
func (f *flakyRelay) Relays() []string        { return nil }
func (f *flakyRelay) Close() error            { return nil }

func (f *flakyRelay) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func newTestOutboxIdentity(t *testing.T) identity.Identity {
	t.Helper()
	secret := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(secret)
	require.NoError(t, err)
	return identity.NewLocalKey(pub, secret)
}

func waitForDelivery(t *testing.T, o *OutboxEngine, chatID, localID string, want Delivery) OutboxEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range o.Entries(chatID) {
			if e.LocalID == localID && e.Delivery == want {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for delivery %v on %s", want, localID)
	return OutboxEntry{}
}

func TestSendMessageSucceeds(t *testing.T) {
	id := newTestOutboxIdentity(t)
	engine := mls.NewFake(id.Pubkey)
	r := &flakyRelay{}
	o := NewOutboxEngine(engine, r, id, nil)

	localID, err := o.SendMessage(context.Background(), "chat1", "hello", "")
	require.NoError(t, err)
	require.NotEmpty(t, localID)

	entry := waitForDelivery(t, o, "chat1", localID, DeliverySent)
	require.Equal(t, "hello", entry.Content)
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	id := newTestOutboxIdentity(t)
	engine := mls.NewFake(id.Pubkey)
	o := NewOutboxEngine(engine, &flakyRelay{}, id, nil)

	_, err := o.SendMessage(context.Background(), "chat1", "", "")
	require.Error(t, err)
}

func TestSendThenRetryAfterFailure(t *testing.T) {
	id := newTestOutboxIdentity(t)
	engine := mls.NewFake(id.Pubkey)
	r := &flakyRelay{fail: true}

	var results []OutboxResult
	var mu sync.Mutex
	o := NewOutboxEngine(engine, r, id, func(res OutboxResult) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	})

	localID, err := o.SendMessage(context.Background(), "chat1", "hi", "")
	require.NoError(t, err)
	waitForDelivery(t, o, "chat1", localID, DeliveryFailed)

	r.setFail(false)
	require.NoError(t, o.RetryMessage(context.Background(), "chat1", localID))
	waitForDelivery(t, o, "chat1", localID, DeliverySent)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(results), 2)
}

func TestRetryMessageUnknownIDFails(t *testing.T) {
	id := newTestOutboxIdentity(t)
	engine := mls.NewFake(id.Pubkey)
	o := NewOutboxEngine(engine, &flakyRelay{}, id, nil)

	err := o.RetryMessage(context.Background(), "chat1", "does-not-exist")
	require.Error(t, err)
}

func TestOutboxPrunesToCap(t *testing.T) {
	id := newTestOutboxIdentity(t)
	engine := mls.NewFake(id.Pubkey)
	o := NewOutboxEngine(engine, &flakyRelay{}, id, nil)

	var lastID string
	for i := 0; i < outboxCap+5; i++ {
		localID, err := o.SendMessage(context.Background(), "chat1", "msg", "")
		require.NoError(t, err)
		lastID = localID
	}
	waitForDelivery(t, o, "chat1", lastID, DeliverySent)

	entries := o.Entries("chat1")
	require.Len(t, entries, outboxCap)
	require.Equal(t, lastID, entries[len(entries)-1].LocalID)
}
