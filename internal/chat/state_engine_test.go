package chat

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustyguts/pika/internal/mls"
	"github.com/rustyguts/pika/internal/relay"
)

type fakeNames struct{ names map[string]string }

func (f fakeNames) DisplayName(pubkey string) (string, bool) {
	n, ok := f.names[pubkey]
	return n, ok
}

func setupChat(t *testing.T, self string) (*StateEngine, mls.Engine, string) {
	t.Helper()
	engine := mls.NewFake(self)
	peerKP, err := mls.NewFake("peer").GenerateKeyPackage(context.Background())
	require.NoError(t, err)
	groupID, _, err := engine.CreateGroup(context.Background(), "", []string{self}, []mls.KeyPackage{peerKP})
	require.NoError(t, err)
	info, ok := engine.GroupInfo(context.Background(), groupID)
	require.True(t, ok)

	se := NewStateEngine(engine, nil, fakeNames{names: map[string]string{}}, self)
	return se, engine, info.NostrGroupID
}

func TestIngestIncrementsUnreadWhenNotCurrent(t *testing.T) {
	se, _, chatID := setupChat(t, "self")

	se.Ingest(chatID, "ev1", "peer", relay.KindChatMessage, "hi", nil, 100)

	list := se.ChatList()
	require.Len(t, list, 1)
	require.Equal(t, 1, list[0].UnreadCount)
	require.Equal(t, "hi", list[0].Preview)
}

func TestOpenChatClearsUnreadAndProjectsMessages(t *testing.T) {
	se, _, chatID := setupChat(t, "self")

	se.Ingest(chatID, "ev1", "peer", relay.KindChatMessage, "hi", nil, 100)
	se.Ingest(chatID, "ev2", "peer", relay.KindChatMessage, "how are you", nil, 200)

	se.OpenChat(chatID)

	list := se.ChatList()
	require.Equal(t, 0, list[0].UnreadCount)

	cc := se.CurrentChat(chatID)
	require.NotNil(t, cc)
	require.Len(t, cc.Messages, 2)
	require.Equal(t, "hi", cc.Messages[0].Content)
	require.Equal(t, "how are you", cc.Messages[1].Content)
}

func TestCurrentChatReturnsNilForNonCurrentChat(t *testing.T) {
	se, _, chatID := setupChat(t, "self")
	require.Nil(t, se.CurrentChat(chatID))

	se.OpenChat(chatID)
	require.Nil(t, se.CurrentChat("some-other-chat"))
}

func TestReactionsAreTalliedNotShownAsMessages(t *testing.T) {
	se, _, chatID := setupChat(t, "self")
	se.OpenChat(chatID)

	se.Ingest(chatID, "ev1", "peer", relay.KindChatMessage, "hi", nil, 100)
	se.Ingest(chatID, "ev2", "peer", relay.KindReaction, "👍", map[string]string{"e": "ev1"}, 101)

	cc := se.CurrentChat(chatID)
	require.Len(t, cc.Messages, 1)
	require.Equal(t, map[string]int{"👍": 1}, cc.Messages[0].Reactions)
}

func TestDisplayNameFallsBackToResolverThenTruncatedPubkey(t *testing.T) {
	self := "self"
	engine := mls.NewFake(self)
	peerKP, err := mls.NewFake("peer-with-a-very-long-pubkey-012345").GenerateKeyPackage(context.Background())
	require.NoError(t, err)
	_, _, err = engine.CreateGroup(context.Background(), "", []string{self}, []mls.KeyPackage{peerKP})
	require.NoError(t, err)

	se := NewStateEngine(engine, nil, fakeNames{names: map[string]string{}}, self)
	list := se.ChatList()
	require.Len(t, list, 1)
	require.NotEqual(t, "", list[0].DisplayName)

	seWithName := NewStateEngine(engine, nil, fakeNames{names: map[string]string{peerKP.Pubkey: "Bob"}}, self)
	list2 := seWithName.ChatList()
	require.Equal(t, "Bob", list2[0].DisplayName)
}

func TestLoadOlderMessagesIncreasesVisibleWindow(t *testing.T) {
	se, _, chatID := setupChat(t, "self")
	se.OpenChat(chatID)

	for i := 0; i < defaultVisiblePageSize+10; i++ {
		se.Ingest(chatID, fmt.Sprintf("ev%d", i), "peer", relay.KindChatMessage, "m", nil, int64(i))
	}

	cc := se.CurrentChat(chatID)
	require.Len(t, cc.Messages, defaultVisiblePageSize)
	require.True(t, cc.CanLoadOlder)

	se.LoadOlderMessages(chatID, 20)
	cc = se.CurrentChat(chatID)
	require.Len(t, cc.Messages, defaultVisiblePageSize+10)
	require.False(t, cc.CanLoadOlder)
}
