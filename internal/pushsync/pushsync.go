// Package pushsync implements PushSync: it keeps an external push
// notification service's per-device chat subscriptions in step with the
// locally known chat list.
package pushsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Service is the external push backend PushSync talks to (e.g. an APNs
// relay fronting a push gateway). Kept narrow so pushsync doesn't need to
// know about the transport underneath.
type Service interface {
	Subscribe(ctx context.Context, deviceToken, chatID string) error
	Unsubscribe(ctx context.Context, deviceToken, chatID string) error
}

// state is the persisted record of what the device last told the push
// service, stored alongside the rest of Pika's per-account state.
type state struct {
	DeviceToken      string   `json:"device_token"`
	SubscribedChatIDs []string `json:"subscribed_chat_ids"`
}

// Sync implements PushSync.
type Sync struct {
	service Service
	path    string

	state state
}

// Open loads (or initializes) PushSync's persisted state from path.
// Loading is best-effort: a missing or corrupt file starts from empty
// state rather than failing.
func Open(path string, service Service) *Sync {
	s := &Sync{service: service, path: path}
	data, err := os.ReadFile(path)
	if err == nil {
		if uerr := json.Unmarshal(data, &s.state); uerr != nil {
			log.Printf("[pushsync] load state: %v (starting fresh)", uerr)
			s.state = state{}
		}
	}
	return s
}

// SetDeviceToken updates the persisted APNs token. If it changes, every
// currently-subscribed chat is re-subscribed under the new token.
func (s *Sync) SetDeviceToken(ctx context.Context, token string) error {
	if token == s.state.DeviceToken {
		return nil
	}
	old := s.state.DeviceToken
	chats := append([]string(nil), s.state.SubscribedChatIDs...)
	s.state.DeviceToken = token

	if old != "" {
		for _, chatID := range chats {
			if err := s.service.Unsubscribe(ctx, old, chatID); err != nil {
				log.Printf("[pushsync] unsubscribe %s from old token: %v (non-fatal)", chatID, err)
			}
		}
	}
	if token != "" {
		for _, chatID := range chats {
			if err := s.service.Subscribe(ctx, token, chatID); err != nil {
				log.Printf("[pushsync] subscribe %s to new token: %v (non-fatal)", chatID, err)
			}
		}
	}
	return s.save()
}

// ReconcileChatList diffs chatIDs against the subscribed set and issues
// subscribe/unsubscribe calls for the difference. Called
// after every chat-list refresh.
func (s *Sync) ReconcileChatList(ctx context.Context, chatIDs []string) {
	if s.state.DeviceToken == "" {
		return
	}

	want := make(map[string]struct{}, len(chatIDs))
	for _, id := range chatIDs {
		want[id] = struct{}{}
	}
	have := make(map[string]struct{}, len(s.state.SubscribedChatIDs))
	for _, id := range s.state.SubscribedChatIDs {
		have[id] = struct{}{}
	}

	var toAdd, toRemove []string
	for id := range want {
		if _, ok := have[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for id := range have {
		if _, ok := want[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return
	}

	for _, id := range toAdd {
		if err := s.service.Subscribe(ctx, s.state.DeviceToken, id); err != nil {
			log.Printf("[pushsync] subscribe %s: %v (non-fatal)", id, err)
			continue
		}
		have[id] = struct{}{}
	}
	for _, id := range toRemove {
		if err := s.service.Unsubscribe(ctx, s.state.DeviceToken, id); err != nil {
			log.Printf("[pushsync] unsubscribe %s: %v (non-fatal)", id, err)
			continue
		}
		delete(have, id)
	}

	subscribed := make([]string, 0, len(have))
	for id := range have {
		subscribed = append(subscribed, id)
	}
	s.state.SubscribedChatIDs = subscribed
	if err := s.save(); err != nil {
		log.Printf("[pushsync] persist state: %v (non-fatal)", err)
	}
}

func (s *Sync) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("pushsync: create state dir: %w", err)
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("pushsync: marshal state: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}
