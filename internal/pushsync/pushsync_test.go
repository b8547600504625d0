package pushsync

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu            sync.Mutex
	subscribed    map[string]map[string]bool // token -> chatID -> true
	subscribeErrs map[string]error
}

func newFakeService() *fakeService {
	return &fakeService{subscribed: make(map[string]map[string]bool), subscribeErrs: make(map[string]error)}
}

func (f *fakeService) Subscribe(ctx context.Context, deviceToken, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.subscribeErrs[chatID]; ok {
		return err
	}
	if f.subscribed[deviceToken] == nil {
		f.subscribed[deviceToken] = make(map[string]bool)
	}
	f.subscribed[deviceToken][chatID] = true
	return nil
}

func (f *fakeService) Unsubscribe(ctx context.Context, deviceToken, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed[deviceToken], chatID)
	return nil
}

func (f *fakeService) subscribedChats(token string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subscribed[token]))
	for id := range f.subscribed[token] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func TestSetDeviceTokenSubscribesExistingChats(t *testing.T) {
	svc := newFakeService()
	s := Open(filepath.Join(t.TempDir(), "state.json"), svc)

	require.NoError(t, s.SetDeviceToken(context.Background(), "token1"))
	s.ReconcileChatList(context.Background(), []string{"chat1", "chat2"})
	require.Equal(t, []string{"chat1", "chat2"}, svc.subscribedChats("token1"))

	require.NoError(t, s.SetDeviceToken(context.Background(), "token2"))
	require.Empty(t, svc.subscribedChats("token1"))
	require.Equal(t, []string{"chat1", "chat2"}, svc.subscribedChats("token2"))
}

func TestReconcileChatListAddsAndRemoves(t *testing.T) {
	svc := newFakeService()
	s := Open(filepath.Join(t.TempDir(), "state.json"), svc)
	require.NoError(t, s.SetDeviceToken(context.Background(), "token1"))

	s.ReconcileChatList(context.Background(), []string{"chat1", "chat2"})
	require.Equal(t, []string{"chat1", "chat2"}, svc.subscribedChats("token1"))

	s.ReconcileChatList(context.Background(), []string{"chat2", "chat3"})
	require.Equal(t, []string{"chat2", "chat3"}, svc.subscribedChats("token1"))
}

func TestReconcileChatListNoopWithoutDeviceToken(t *testing.T) {
	svc := newFakeService()
	s := Open(filepath.Join(t.TempDir(), "state.json"), svc)

	s.ReconcileChatList(context.Background(), []string{"chat1"})
	require.Empty(t, svc.subscribedChats(""))
}

func TestOpenPersistsAndReloadsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	svc := newFakeService()
	s := Open(path, svc)
	require.NoError(t, s.SetDeviceToken(context.Background(), "token1"))
	s.ReconcileChatList(context.Background(), []string{"chat1"})

	reloaded := Open(path, svc)
	reloaded.ReconcileChatList(context.Background(), []string{"chat1", "chat2"})
	// chat1 was already subscribed from the persisted state, so only chat2
	// triggers a new Subscribe call; both should end up subscribed.
	require.Equal(t, []string{"chat1", "chat2"}, svc.subscribedChats("token1"))
}

func TestOpenStartsFreshOnCorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	svc := newFakeService()
	s := Open(path, svc)
	require.NoError(t, s.SetDeviceToken(context.Background(), "token1"))
	s.ReconcileChatList(context.Background(), []string{"chat1"})
	require.Equal(t, []string{"chat1"}, svc.subscribedChats("token1"))
}
