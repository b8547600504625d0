// Package session implements SessionRuntime: the per-login object that
// owns the MLS engine and relay client, keeps relay subscriptions in sync
// with joined groups and relay configuration, and republishes the
// identity's key package and key-package relay list whenever either
// changes.
package session

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/rustyguts/pika/internal/identity"
	"github.com/rustyguts/pika/internal/mls"
	"github.com/rustyguts/pika/internal/relay"
)

// groupMessageKinds are the kinds subscribed to per joined group, filtered
// by the group's `h` tag.
var groupMessageKinds = []int{
	relay.KindChatMessage,
	relay.KindReaction,
	relay.KindTypingIndicator,
	relay.KindGroupEvolution,
	relay.KindProfileMetadata,
	relay.KindHypernote,
	relay.KindHypernoteResponse,
}

// EventHandler receives one decrypted application message pulled off a
// group subscription. chatID is the nostr_group_id (the `h` tag value);
// eventID is the outer kind-445 event id, used as the target id for
// reactions and hypernote responses.
type EventHandler func(chatID, eventID, fromPubkey string, kind int, content string, tags map[string]string, createdAt int64)

// Deps bundles SessionRuntime's collaborators.
type Deps struct {
	Identity    identity.Identity
	Engine      mls.Engine
	Relay       relay.Client
	DataDir     string
	GiftwrapLookback time.Duration
	DefaultRelays    []string

	OnEvent EventHandler
}

// Runtime is SessionRuntime: constructed on login, torn down on logout.
type Runtime struct {
	deps Deps

	mu           sync.Mutex
	userRelays   []string // user override, set via SetUserRelays
	giftwrapSub  relay.Subscription
	groupSub     relay.Subscription

	recomputeMu sync.Mutex
	recomputing bool
	dirty       bool
	token       uint64

	cancel context.CancelFunc
}

// StoragePath returns the account-scoped MLS storage directory
// (data_dir/<pubkey>/mls).
func StoragePath(dataDir, pubkey string) string {
	return filepath.Join(dataDir, pubkey, "mls")
}

// New constructs a Runtime. It does not connect or subscribe yet — call
// Start for that.
func New(deps Deps) *Runtime {
	return &Runtime{deps: deps}
}

// Start connects the relay client to the merged relay set, performs the
// initial subscription recompute, and republishes the key package and
// key-package relay list.
func (r *Runtime) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.deps.Relay.SetRelays(r.mergedRelays())

	if err := r.RecomputeSubscriptions(runCtx); err != nil {
		cancel()
		return fmt.Errorf("session: initial subscribe: %w", err)
	}
	if err := r.republish(runCtx); err != nil {
		log.Printf("[session] republish key package: %v", err)
	}
	return nil
}

// Stop closes subscriptions and releases the MLS engine.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	if r.giftwrapSub != nil {
		r.giftwrapSub.Close()
	}
	if r.groupSub != nil {
		r.groupSub.Close()
	}
	r.mu.Unlock()
	if err := r.deps.Engine.Close(); err != nil {
		log.Printf("[session] close engine: %v", err)
	}
}

// SetUserRelays updates the user-chosen relay override and triggers a
// relay-set + subscription recompute.
func (r *Runtime) SetUserRelays(ctx context.Context, urls []string) error {
	r.mu.Lock()
	r.userRelays = urls
	r.mu.Unlock()
	r.deps.Relay.SetRelays(r.mergedRelays())
	if err := r.RecomputeSubscriptions(ctx); err != nil {
		return err
	}
	return r.republish(ctx)
}

// mergedRelays unions default relays, the user override, and every
// per-group relay MLS has advertised.
func (r *Runtime) mergedRelays() []string {
	r.mu.Lock()
	userRelays := append([]string(nil), r.userRelays...)
	r.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	add := func(urls []string) {
		for _, u := range urls {
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	add(r.deps.DefaultRelays)
	add(userRelays)
	for _, g := range r.deps.Engine.Groups(context.Background()) {
		add(g.RelayURLs)
	}
	return out
}

// RecomputeSubscriptions rebuilds the giftwrap and per-group subscriptions
// from the current joined-group set. It is debounced: if a recompute is
// already running, it flags dirty and returns immediately; the running
// recompute re-kicks itself once more when it sees the dirty flag on exit.
// Each attempt carries a monotonic token so a completion that is superseded
// by a newer attempt is discarded rather than installing stale
// subscriptions.
func (r *Runtime) RecomputeSubscriptions(ctx context.Context) error {
	r.recomputeMu.Lock()
	if r.recomputing {
		r.dirty = true
		r.recomputeMu.Unlock()
		return nil
	}
	r.recomputing = true
	r.token++
	token := r.token
	r.recomputeMu.Unlock()

	err := r.doRecompute(ctx, token)

	r.recomputeMu.Lock()
	r.recomputing = false
	again := r.dirty
	r.dirty = false
	r.recomputeMu.Unlock()

	if again {
		return r.RecomputeSubscriptions(ctx)
	}
	return err
}

func (r *Runtime) doRecompute(ctx context.Context, token uint64) error {
	giftwrapSince := nostr.Timestamp(time.Now().Add(-r.deps.GiftwrapLookback).Unix())
	giftwrapFilter := nostr.Filter{
		Kinds: []int{relay.KindGiftwrap},
		Tags:  nostr.TagMap{"p": []string{r.deps.Identity.Pubkey}},
		Since: &giftwrapSince,
	}

	groups := r.deps.Engine.Groups(ctx)
	var groupIDs []string
	for _, g := range groups {
		groupIDs = append(groupIDs, g.NostrGroupID)
	}

	giftwrapSub, err := r.deps.Relay.Subscribe(ctx, []nostr.Filter{giftwrapFilter})
	if err != nil {
		return fmt.Errorf("session: subscribe giftwrap: %w", err)
	}

	var groupSub relay.Subscription
	if len(groupIDs) > 0 {
		groupFilter := nostr.Filter{
			Kinds: groupMessageKinds,
			Tags:  nostr.TagMap{"h": groupIDs},
		}
		groupSub, err = r.deps.Relay.Subscribe(ctx, []nostr.Filter{groupFilter})
		if err != nil {
			giftwrapSub.Close()
			return fmt.Errorf("session: subscribe groups: %w", err)
		}
	}

	r.recomputeMu.Lock()
	stale := token != r.token
	r.recomputeMu.Unlock()
	if stale {
		giftwrapSub.Close()
		if groupSub != nil {
			groupSub.Close()
		}
		return nil
	}

	r.mu.Lock()
	oldGiftwrap, oldGroup := r.giftwrapSub, r.groupSub
	r.giftwrapSub, r.groupSub = giftwrapSub, groupSub
	r.mu.Unlock()

	if oldGiftwrap != nil {
		oldGiftwrap.Close()
	}
	if oldGroup != nil {
		oldGroup.Close()
	}

	go r.pumpGiftwrap(ctx, giftwrapSub)
	if groupSub != nil {
		go r.pumpGroup(ctx, groupSub)
	}
	return nil
}

func (r *Runtime) pumpGiftwrap(ctx context.Context, sub relay.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			rumor, err := relay.Unseal(r.deps.Identity.SecretKeyHex, *evt)
			if err != nil {
				log.Printf("[session] unseal giftwrap: %v", err)
				continue
			}
			if rumor.Kind != relay.KindWelcome {
				continue
			}
			if _, err := r.deps.Engine.ProcessWelcome(ctx, mls.Welcome{RawMessage: []byte(rumor.Content)}); err != nil {
				log.Printf("[session] process welcome: %v", err)
			}
		}
	}
}

func (r *Runtime) pumpGroup(ctx context.Context, sub relay.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			r.handleGroupEvent(ctx, evt)
		}
	}
}

func (r *Runtime) handleGroupEvent(ctx context.Context, evt *nostr.Event) {
	chatID := firstTag(evt.Tags, "h")
	if chatID == "" {
		return
	}
	if evt.Kind != relay.KindGroupEvolution {
		if r.deps.OnEvent != nil {
			r.deps.OnEvent(chatID, evt.ID, evt.PubKey, evt.Kind, evt.Content, tagsToMap(evt.Tags), int64(evt.CreatedAt))
		}
		return
	}
	msg, err := r.deps.Engine.DecryptApplicationMessage(ctx, chatID, []byte(evt.Content))
	if err != nil {
		log.Printf("[session] decrypt application message: %v", err)
		return
	}
	if r.deps.OnEvent != nil {
		r.deps.OnEvent(chatID, evt.ID, evt.PubKey, msg.Kind, msg.Content, msg.Tags, msg.CreatedAt)
	}
}

// tagsToMap collapses a nostr.Tags list into the name->first-value map
// mls.AppMessage.Tags uses, so MembershipEngine/ChatStateEngine only have
// to deal with one tag shape regardless of whether an event arrived as a
// raw (non-MLS) relay event or a decrypted application message.
func tagsToMap(tags nostr.Tags) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		if len(t) >= 2 {
			out[t[0]] = t[1]
		}
	}
	return out
}

func firstTag(tags nostr.Tags, name string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// RepublishKeyPackage rotates the key package after one has been consumed
// by a welcome: it best-effort deletes the now-stale kind-443 events this
// identity previously published (NIP-09), then signs and publishes a fresh
// one. It is the exported form of republish, for callers outside this
// package (e.g. MembershipEngine's OnKeyPackageConsumed hook) that need to
// rotate the key package without going through the full Start sequence.
func (r *Runtime) RepublishKeyPackage(ctx context.Context) error {
	r.deleteStaleKeyPackages(ctx)
	return r.republish(ctx)
}

// deleteStaleKeyPackages asks the configured relays to drop this identity's
// previously published key packages via a NIP-09 kind-5 request. Relays are
// not required to honor deletion requests, so failures here are logged and
// never block rotating in a fresh key package.
func (r *Runtime) deleteStaleKeyPackages(ctx context.Context) {
	events, err := r.deps.Relay.Fetch(ctx, nostr.Filter{
		Kinds:   []int{relay.KindKeyPackage},
		Authors: []string{r.deps.Identity.Pubkey},
	})
	if err != nil {
		log.Printf("[session] fetch stale key packages for deletion: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	tags := make(nostr.Tags, 0, len(events)+1)
	for _, ev := range events {
		tags = append(tags, nostr.Tag{"e", ev.ID})
	}
	tags = append(tags, nostr.Tag{"k", fmt.Sprintf("%d", relay.KindKeyPackage)})

	delEvt := nostr.Event{
		PubKey:    r.deps.Identity.Pubkey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      relay.KindDeletion,
		Content:   "key package consumed",
		Tags:      tags,
	}
	if err := r.sign(&delEvt); err != nil {
		log.Printf("[session] sign key package deletion: %v", err)
		return
	}
	r.deps.Relay.Publish(ctx, delEvt)
}

// republish signs and publishes a fresh key package (kind 443) and the
// key-package relay list (kind 10051).
func (r *Runtime) republish(ctx context.Context) error {
	kp, err := r.deps.Engine.GenerateKeyPackage(ctx)
	if err != nil {
		return fmt.Errorf("session: generate key package: %w", err)
	}
	kpEvt := nostr.Event{
		PubKey:    r.deps.Identity.Pubkey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      relay.KindKeyPackage,
		Content:   string(kp.RawEvent),
	}
	if err := r.sign(&kpEvt); err != nil {
		return err
	}
	r.deps.Relay.Publish(ctx, kpEvt)

	relays := r.mergedRelays()
	tags := make(nostr.Tags, 0, len(relays))
	for _, u := range relays {
		tags = append(tags, nostr.Tag{"relay", u})
	}
	relayListEvt := nostr.Event{
		PubKey:    r.deps.Identity.Pubkey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      relay.KindKeyPackageRelays,
		Tags:      tags,
	}
	if err := r.sign(&relayListEvt); err != nil {
		return err
	}
	r.deps.Relay.Publish(ctx, relayListEvt)
	return nil
}

func (r *Runtime) sign(evt *nostr.Event) error {
	if r.deps.Identity.Mode != identity.ModeLocalKey {
		return fmt.Errorf("session: signing mode %s not yet wired to a signer bridge", r.deps.Identity.Mode)
	}
	if err := evt.Sign(r.deps.Identity.SecretKeyHex); err != nil {
		return fmt.Errorf("session: sign event: %w", err)
	}
	return nil
}

// PublishAppMessage encrypts content as an MLS application message for
// groupID and publishes it as a kind-445 event. It satisfies the narrow
// publisher interface CallControl depends on, letting Runtime hand its
// relay/MLS plumbing to call signaling without either package importing
// the other's full surface.
func (r *Runtime) PublishAppMessage(ctx context.Context, groupID string, kind int, content string) error {
	ciphertext, err := r.deps.Engine.EncryptApplicationMessage(ctx, groupID, mls.AppMessage{
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("session: encrypt application message: %w", err)
	}
	evt := nostr.Event{
		PubKey:    r.deps.Identity.Pubkey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      relay.KindGroupEvolution,
		Tags:      nostr.Tags{nostr.Tag{"h", groupID}},
		Content:   string(ciphertext),
	}
	if err := r.sign(&evt); err != nil {
		return err
	}
	results := r.deps.Relay.Publish(ctx, evt)
	for _, res := range results {
		if res.OK {
			return nil
		}
	}
	return fmt.Errorf("session: publish rejected by all relays")
}
