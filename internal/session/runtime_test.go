package session

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/rustyguts/pika/internal/identity"
	"github.com/rustyguts/pika/internal/mls"
	"github.com/rustyguts/pika/internal/relay"
)

func newTestIdentity(t *testing.T) identity.Identity {
	t.Helper()
	secret := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(secret)
	require.NoError(t, err)
	return identity.NewLocalKey(pub, secret)
}

func TestStartSubscribesAndRepublishesKeyPackage(t *testing.T) {
	id := newTestIdentity(t)
	engine := mls.NewFake(id.Pubkey)
	net := relay.NewNetwork()
	client := relay.NewFake(net, []string{"wss://relay.example"})

	rt := New(Deps{
		Identity:         id,
		Engine:           engine,
		Relay:            client,
		GiftwrapLookback: time.Hour,
		DefaultRelays:    []string{"wss://relay.example"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	events, err := client.Fetch(ctx, nostr.Filter{Kinds: []int{relay.KindKeyPackage}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, id.Pubkey, events[0].PubKey)

	relayListEvents, err := client.Fetch(ctx, nostr.Filter{Kinds: []int{relay.KindKeyPackageRelays}})
	require.NoError(t, err)
	require.Len(t, relayListEvents, 1)
}

func TestHandleGroupEventDecryptsAndForwards(t *testing.T) {
	id := newTestIdentity(t)
	engine := mls.NewFake(id.Pubkey)
	net := relay.NewNetwork()
	client := relay.NewFake(net, nil)

	received := make(chan string, 1)
	rt := New(Deps{
		Identity:         id,
		Engine:           engine,
		Relay:            client,
		GiftwrapLookback: time.Hour,
		OnEvent: func(chatID, eventID, fromPubkey string, kind int, content string, tags map[string]string, createdAt int64) {
			received <- content
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	groupID, _, err := engine.CreateGroup(ctx, "friends", []string{id.Pubkey}, nil)
	require.NoError(t, err)
	info, ok := engine.GroupInfo(ctx, groupID)
	require.True(t, ok)
	require.NoError(t, rt.RecomputeSubscriptions(ctx))

	ciphertext, err := engine.EncryptApplicationMessage(ctx, groupID, mls.AppMessage{Kind: relay.KindChatMessage, Content: "hello"})
	require.NoError(t, err)

	evt := nostr.Event{
		PubKey:    id.Pubkey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      relay.KindGroupEvolution,
		Tags:      nostr.Tags{nostr.Tag{"h", info.NostrGroupID}},
		Content:   string(ciphertext),
	}
	require.NoError(t, evt.Sign(id.SecretKeyHex))
	client.Publish(ctx, evt)

	select {
	case content := <-received:
		require.Equal(t, "hello", content)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decrypted application message")
	}
}

func TestMergedRelaysDedupesAcrossSourcesAndGroups(t *testing.T) {
	id := newTestIdentity(t)
	engine := mls.NewFake(id.Pubkey)
	net := relay.NewNetwork()
	client := relay.NewFake(net, nil)

	rt := New(Deps{
		Identity:      id,
		Engine:        engine,
		Relay:         client,
		DefaultRelays: []string{"wss://a", "wss://b"},
	})
	rt.userRelays = []string{"wss://b", "wss://c"}

	merged := rt.mergedRelays()
	require.ElementsMatch(t, []string{"wss://a", "wss://b", "wss://c"}, merged)
}
