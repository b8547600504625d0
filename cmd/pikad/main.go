// Command pikad is a thin, headless wiring binary for manually exercising
// Pika's core: it has no UI of its own, only flags, logging, and the wiring
// that a real desktop/mobile shell would otherwise provide.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/rustyguts/pika/internal/actor"
	"github.com/rustyguts/pika/internal/audio"
	"github.com/rustyguts/pika/internal/call"
	"github.com/rustyguts/pika/internal/chat"
	"github.com/rustyguts/pika/internal/config"
	"github.com/rustyguts/pika/internal/identity"
	"github.com/rustyguts/pika/internal/membership"
	"github.com/rustyguts/pika/internal/mls"
	"github.com/rustyguts/pika/internal/profile"
	"github.com/rustyguts/pika/internal/relay"
	"github.com/rustyguts/pika/internal/session"
	"github.com/rustyguts/pika/internal/transport"
)

func main() {
	dataDir := flag.String("data-dir", "", "override the configured data directory")
	secretHex := flag.String("secret", "", "hex-encoded Nostr secret key (generates a fresh identity if empty)")
	moqURL := flag.String("moq-url", "", "override the configured MoQ relay URL")
	flag.Parse()

	cfg := config.Load()
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if cfg.DataDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			log.Fatalf("[pikad] resolve default data dir: %v", err)
		}
		cfg.DataDir = filepath.Join(dir, "pika")
	}
	if *moqURL != "" {
		cfg.MoQURL = *moqURL
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		log.Fatalf("[pikad] create data dir: %v", err)
	}

	id := loadOrCreateIdentity(cfg.DataDir, *secretHex)
	log.Printf("[pikad] identity: %s", id.Redacted())

	mlsEngine := mls.NewFake(id.Pubkey)
	defer mlsEngine.Close()

	network := relay.NewNetwork()
	relayClient := relay.NewFake(network, cfg.DefaultRelays)
	defer relayClient.Close()

	profileDB := filepath.Join(cfg.DataDir, "profile.db")
	profileCacheDir := filepath.Join(cfg.DataDir, "pictures")
	profileCache, err := profile.Open(profileDB, profileCacheDir, mlsEngine, noopPictureFetcher{})
	if err != nil {
		log.Fatalf("[pikad] open profile cache: %v", err)
	}
	defer profileCache.Close()

	outbox := chat.NewOutboxEngine(mlsEngine, relayClient, id, nil)
	chatState := chat.NewStateEngine(mlsEngine, outbox, profileCache, id.Pubkey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// act and runtime are assigned below, once their dependents exist;
	// memberEngine's hooks and runtime's OnEvent closure only fire after
	// Start/Run are underway, so capturing the not-yet-assigned pointers
	// here is safe.
	var act *actor.Actor
	var runtime *session.Runtime

	memberEngine := membership.New(membership.Deps{
		Engine:   mlsEngine,
		Relay:    relayClient,
		Identity: id,
		OnKeyPackageConsumed: func(ctx context.Context) {
			if err := runtime.RepublishKeyPackage(ctx); err != nil {
				log.Printf("[pikad] republish key package after consumed welcome: %v", err)
			}
		},
		RebroadcastGroupProfile: func(ctx context.Context, chatID string) {
			rebroadcastGroupProfile(ctx, runtime, profileCache, id.Pubkey, chatID)
		},
	})

	runtime = session.New(session.Deps{
		Identity:         id,
		Engine:           mlsEngine,
		Relay:            relayClient,
		DataDir:          cfg.DataDir,
		GiftwrapLookback: time.Duration(cfg.GiftwrapLookbackSec) * time.Second,
		DefaultRelays:    cfg.DefaultRelays,
		OnEvent: func(chatID, eventID, fromPubkey string, kind int, content string, tags map[string]string, createdAt int64) {
			act.Dispatch(actor.RelayEventReceived{
				ChatID:     chatID,
				EventID:    eventID,
				FromPubkey: fromPubkey,
				Kind:       kind,
				Content:    content,
				Tags:       tags,
				CreatedAt:  createdAt,
			})
		},
	})

	callRT := newCallRuntimeState()
	callControl := call.NewCallControl(call.Deps{
		Engine:       mlsEngine,
		Relay:        runtime, // SessionRuntime satisfies call.publisher
		Identity:     id.Pubkey,
		AudioBackend: audio.NewSynthetic(440, 0.2),
		Dialer:       func() transport.Media { return transport.NewFakeMedia(transport.NewFakeNetwork()) },
		MoQURL:       cfg.MoQURL,
		OnTimeline: func(entry call.TimelineEntry) {
			callRT.appendTimeline(entry)
			act.Dispatch(actor.CallRuntimeStats{CallID: entry.ID})
		},
		OnSnapshot: func(snap call.Snapshot) {
			callRT.setSnapshot(snap)
			act.Dispatch(actor.CallRuntimeConnected{CallID: snap.CallID})
		},
	})

	bus := actor.NewBus()
	act = actor.New(bus, buildHandlers(id.Pubkey, chatState, outbox, memberEngine, mlsEngine, callControl, callRT, cfg))

	if err := runtime.Start(ctx); err != nil {
		log.Fatalf("[pikad] start session: %v", err)
	}
	defer runtime.Stop()

	go act.Run(ctx)

	log.Printf("[pikad] running; data_dir=%s moq_url=%s", cfg.DataDir, cfg.MoQURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("[pikad] shutting down")
}

// buildHandlers wires actor.Handlers to the domain engines. Each handler
// also re-projects the chat list/current chat/call views into state via
// the shared Project hook, mirroring how a real shell would subscribe to
// the bus.
func buildHandlers(selfPubkey string, chatState *chat.StateEngine, outbox *chat.OutboxEngine, member *membership.Engine, mlsEngine mls.Engine, callControl *call.CallControl, callRT *callRuntimeState, cfg config.Config) actor.Handlers {
	project := func(state *actor.AppState) {
		state.ChatList = chatState.ChatList()
		if state.CurrentChat != nil {
			state.CurrentChat = chatState.CurrentChat(state.CurrentChat.ChatID)
		}
		state.Call = callRT.snapshot()
		state.CallTimeline = callRT.timeline()
	}

	// callPeer resolves the remote member of a 1:1 group, since StartCall
	// needs a pubkey but the UI action only carries a chatID.
	callPeer := func(chatID string) (string, error) {
		info, ok := mlsEngine.GroupInfo(context.Background(), chatID)
		if !ok {
			return "", fmt.Errorf("pikad: unknown chat %s", chatID)
		}
		for _, m := range info.Members {
			if m.Pubkey != selfPubkey {
				return m.Pubkey, nil
			}
		}
		return "", fmt.Errorf("pikad: chat %s has no other member to call", chatID)
	}

	return actor.Handlers{
		OnCreateChat: func(ctx context.Context, peerPubkey string) error {
			_, err := member.CreateChat(ctx, peerPubkey)
			return err
		},
		OnCreateGroupChat: func(ctx context.Context, peers []string, name string) error {
			_, failed, err := member.CreateGroupChat(ctx, peers, name)
			if len(failed) > 0 {
				log.Printf("[pikad] failed to fetch key packages for: %v", failed)
			}
			return err
		},
		OnSendMessage: func(ctx context.Context, chatID, content, replyToID string) error {
			_, err := outbox.SendMessage(ctx, chatID, content, replyToID)
			return err
		},
		OnRetryMessage: func(ctx context.Context, chatID, messageID string) error {
			return outbox.RetryMessage(ctx, chatID, messageID)
		},
		OnOpenChat: func(chatID string) {
			chatState.OpenChat(chatID)
		},
		OnLoadOlderMessages: func(ctx context.Context, chatID string, limit int) {
			chatState.LoadOlderMessages(chatID, limit)
		},
		OnStartCall: func(ctx context.Context, chatID string) error {
			peer, err := callPeer(chatID)
			if err != nil {
				return err
			}
			return callControl.StartCall(ctx, chatID, peer)
		},
		OnStartVideoCall: func(ctx context.Context, chatID string) error {
			peer, err := callPeer(chatID)
			if err != nil {
				return err
			}
			return callControl.StartVideoCall(ctx, chatID, peer)
		},
		OnAcceptCall: func(ctx context.Context) error { return callControl.AcceptCall(ctx) },
		OnRejectCall: func(ctx context.Context) error { return callControl.RejectCall(ctx) },
		OnEndCall:    func(ctx context.Context) error { return callControl.EndCall(ctx) },
		OnSetMuted:   func(muted bool) { callControl.SetMuted(muted) },
		OnSetCameraEnabled: func(enabled bool) { callControl.SetCameraEnabled(enabled) },
		OnRelayEvent: func(ctx context.Context, ev actor.RelayEventReceived) {
			if chat.Classify(chat.Message{Kind: ev.Kind, Content: ev.Content, Tags: ev.Tags, CreatedAt: ev.CreatedAt}) == chat.KindCallSignal {
				callControl.HandleIncoming(ctx, ev.ChatID, ev.FromPubkey, ev.Content, ev.CreatedAt)
				return
			}
			chatState.Ingest(ev.ChatID, ev.EventID, ev.FromPubkey, ev.Kind, ev.Content, ev.Tags, ev.CreatedAt)
		},
		Project: project,
	}
}

// rebroadcastGroupProfile republishes the caller's per-group display
// name/picture as a kind-0 application message inside chatID, so members
// added after the profile was first set (e.g. via AddMembers) still see it.
func rebroadcastGroupProfile(ctx context.Context, runtime *session.Runtime, profileCache *profile.Cache, selfPubkey, chatID string) {
	prof, ok := profileCache.GroupProfile(chatID, selfPubkey)
	if !ok {
		prof, ok = profileCache.GlobalProfile(selfPubkey)
		if !ok {
			return
		}
	}
	content, err := json.Marshal(struct {
		Name    string `json:"name"`
		Picture string `json:"picture,omitempty"`
	}{Name: prof.DisplayName, Picture: prof.PictureURL})
	if err != nil {
		log.Printf("[pikad] marshal group profile for rebroadcast: %v", err)
		return
	}
	if err := runtime.PublishAppMessage(ctx, chatID, relay.KindProfileMetadata, string(content)); err != nil {
		log.Printf("[pikad] rebroadcast group profile for %s: %v", chatID, err)
	}
}

// callRuntimeState holds the latest CallControl snapshot/timeline so the
// Project hook can read them without CallControl importing actor (it
// reports through narrow OnSnapshot/OnTimeline callbacks instead).
type callRuntimeState struct {
	mu       sync.Mutex
	snap     *call.Snapshot
	timeline []call.TimelineEntry
}

func newCallRuntimeState() *callRuntimeState { return &callRuntimeState{} }

func (s *callRuntimeState) setSnapshot(snap call.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = &snap
}

func (s *callRuntimeState) appendTimeline(entry call.TimelineEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline = append(s.timeline, entry)
	const maxTimeline = 100
	if len(s.timeline) > maxTimeline {
		s.timeline = s.timeline[len(s.timeline)-maxTimeline:]
	}
}

func (s *callRuntimeState) snapshot() *call.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil
	}
	out := *s.snap
	return &out
}

func (s *callRuntimeState) timeline() []call.TimelineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call.TimelineEntry(nil), s.timeline...)
}

func loadOrCreateIdentity(dataDir, secretHex string) identity.Identity {
	keychain, err := identity.NewFileKeychain(filepath.Join(dataDir, "keychain"))
	if err != nil {
		log.Fatalf("[pikad] open keychain: %v", err)
	}

	if secretHex != "" {
		pubkey, err := nostr.GetPublicKey(secretHex)
		if err != nil {
			log.Fatalf("[pikad] derive pubkey: %v", err)
		}
		id := identity.NewLocalKey(pubkey, secretHex)
		if err := keychain.Save(pubkey, []byte(secretHex)); err != nil {
			log.Printf("[pikad] persist identity: %v (non-fatal)", err)
		}
		return id
	}

	if raw, err := keychain.Load("default"); err == nil {
		return identity.NewLocalKey(mustPubkey(string(raw)), string(raw))
	}

	secret := nostr.GeneratePrivateKey()
	pubkey, err := nostr.GetPublicKey(secret)
	if err != nil {
		log.Fatalf("[pikad] generate identity: %v", err)
	}
	if err := keychain.Save("default", []byte(secret)); err != nil {
		log.Printf("[pikad] persist identity: %v (non-fatal)", err)
	}
	return identity.NewLocalKey(pubkey, secret)
}

func mustPubkey(secretHex string) string {
	pubkey, err := nostr.GetPublicKey(secretHex)
	if err != nil {
		log.Fatalf("[pikad] derive pubkey from stored identity: %v", err)
	}
	return pubkey
}

// noopPictureFetcher is the default ProfileCache picture fetcher until a
// real HTTP-backed one is wired: it always fails, which ProfileCache treats
// as a non-fatal, best-effort miss.
type noopPictureFetcher struct{}

func (noopPictureFetcher) FetchGlobal(ctx context.Context, url string) ([]byte, error) {
	return nil, fmt.Errorf("pikad: picture fetch not configured")
}

func (noopPictureFetcher) FetchGroupEncrypted(ctx context.Context, groupID, url, nonce, scheme string) ([]byte, error) {
	return nil, fmt.Errorf("pikad: picture fetch not configured")
}
