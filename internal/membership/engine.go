// Package membership implements MembershipEngine: chat/group creation,
// member add/remove, and the MIP-02/03 publish-then-merge ordering rule
// that keeps local MLS state from diverging from what relays accepted.
package membership

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/rustyguts/pika/internal/identity"
	"github.com/rustyguts/pika/internal/mls"
	"github.com/rustyguts/pika/internal/relay"
)

// noteToSelfName is the fixed display name for a solo group.
const noteToSelfName = "Note to self"

const (
	evolutionPublishMaxAttempts = 5
	evolutionPublishInitialWait = 500 * time.Millisecond
	evolutionPublishMaxWait     = 8 * time.Second
)

// Deps bundles MembershipEngine's collaborators.
type Deps struct {
	Engine   mls.Engine
	Relay    relay.Client
	Identity identity.Identity

	// OnKeyPackageConsumed is called after a welcome is accepted, so the
	// caller (SessionRuntime) can rotate the now-single-use key package.
	OnKeyPackageConsumed func(ctx context.Context)

	// RebroadcastGroupProfile republishes the caller's per-group profile
	// (kind 0 inside the group) after a membership change, if set.
	RebroadcastGroupProfile func(ctx context.Context, chatID string)
}

// Engine implements MembershipEngine.
type Engine struct {
	deps Deps
}

// New constructs a membership Engine.
func New(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// CreateChat creates a new 1:1 group with peerPubkey, or a solo
// "Note to self" group if peerPubkey is the caller's own pubkey. An existing
// group with the same peer is not looked up or reused.
func (e *Engine) CreateChat(ctx context.Context, peerPubkey string) (string, error) {
	self := e.deps.Identity.Pubkey
	if peerPubkey == self {
		groupID, welcomes, err := e.deps.Engine.CreateGroup(ctx, noteToSelfName, []string{self}, nil)
		if err != nil {
			return "", fmt.Errorf("membership: create solo group: %w", err)
		}
		e.deliverWelcomes(ctx, welcomes)
		return groupID, nil
	}

	kp, err := e.fetchKeyPackage(ctx, peerPubkey)
	if err != nil {
		return "", fmt.Errorf("membership: fetch peer key package: %w", err)
	}
	groupID, welcomes, err := e.deps.Engine.CreateGroup(ctx, "", []string{self, peerPubkey}, []mls.KeyPackage{kp})
	if err != nil {
		return "", fmt.Errorf("membership: create 1:1 group: %w", err)
	}
	e.deliverWelcomes(ctx, welcomes)
	return groupID, nil
}

// CreateGroupChat fetches key packages for every peer (best-effort; peers
// whose key package can't be fetched are reported in failed, not fatal),
// creates a group with the caller as sole admin, and delivers welcomes.
func (e *Engine) CreateGroupChat(ctx context.Context, peers []string, name string) (chatID string, failed []string, err error) {
	var kps []mls.KeyPackage
	for _, p := range peers {
		kp, ferr := e.fetchKeyPackage(ctx, p)
		if ferr != nil {
			log.Printf("[membership] fetch key package for %s: %v", p, ferr)
			failed = append(failed, p)
			continue
		}
		kps = append(kps, kp)
	}
	if len(kps) == 0 && len(peers) > 0 {
		return "", failed, fmt.Errorf("membership: no peer key packages could be fetched")
	}

	groupID, welcomes, err := e.deps.Engine.CreateGroup(ctx, name, []string{e.deps.Identity.Pubkey}, kps)
	if err != nil {
		return "", failed, fmt.Errorf("membership: create group: %w", err)
	}
	e.deliverWelcomes(ctx, welcomes)
	return groupID, failed, nil
}

// AddMembers fetches key packages for peers, proposes the addition,
// publishes the evolution event with retry, merges on ack, delivers
// welcomes, and rebroadcasts the group profile.
func (e *Engine) AddMembers(ctx context.Context, chatID string, peers []string) error {
	var kps []mls.KeyPackage
	for _, p := range peers {
		kp, err := e.fetchKeyPackage(ctx, p)
		if err != nil {
			return fmt.Errorf("membership: fetch key package for %s: %w", p, err)
		}
		kps = append(kps, kp)
	}

	evo, welcomes, err := e.deps.Engine.AddMembers(ctx, chatID, kps)
	if err != nil {
		return fmt.Errorf("membership: propose add members: %w", err)
	}
	if err := e.publishAndMerge(ctx, chatID, evo); err != nil {
		return err
	}
	e.deliverWelcomes(ctx, welcomes)
	e.rebroadcastProfile(ctx, chatID)
	return nil
}

// RemoveMembers proposes removing pubkeys from chatID, publishes with
// retry, and merges on ack.
func (e *Engine) RemoveMembers(ctx context.Context, chatID string, pubkeys []string) error {
	evo, err := e.deps.Engine.RemoveMembers(ctx, chatID, pubkeys)
	if err != nil {
		return fmt.Errorf("membership: propose remove members: %w", err)
	}
	return e.publishAndMerge(ctx, chatID, evo)
}

// LeaveGroup proposes self-removal from chatID, publishes, and merges.
func (e *Engine) LeaveGroup(ctx context.Context, chatID string) error {
	evo, err := e.deps.Engine.LeaveGroup(ctx, chatID)
	if err != nil {
		return fmt.Errorf("membership: propose leave: %w", err)
	}
	return e.publishAndMerge(ctx, chatID, evo)
}

// RenameGroup proposes a display-name change for chatID.
func (e *Engine) RenameGroup(ctx context.Context, chatID, name string) error {
	evo, err := e.deps.Engine.RenameGroup(ctx, chatID, name)
	if err != nil {
		return fmt.Errorf("membership: propose rename: %w", err)
	}
	return e.publishAndMerge(ctx, chatID, evo)
}

// UpdateGroupProfile proposes a per-group profile change for the caller.
func (e *Engine) UpdateGroupProfile(ctx context.Context, chatID, name, imageURL string) error {
	evo, err := e.deps.Engine.UpdateGroupProfile(ctx, chatID, name, imageURL)
	if err != nil {
		return fmt.Errorf("membership: propose profile update: %w", err)
	}
	return e.publishAndMerge(ctx, chatID, evo)
}

// HandleIncomingWelcome unwraps a giftwrap carrying a welcome, processes it
// idempotently (reprocessing a welcome for a group already Active is a
// no-op), accepts it, and consumes the originating key package so each one
// is used at most once.
func (e *Engine) HandleIncomingWelcome(ctx context.Context, giftwrap nostr.Event) error {
	rumor, err := relay.Unseal(e.deps.Identity.SecretKeyHex, giftwrap)
	if err != nil {
		return fmt.Errorf("membership: unseal welcome: %w", err)
	}
	if rumor.Kind != relay.KindWelcome {
		return fmt.Errorf("membership: rumor kind %d is not a welcome", rumor.Kind)
	}

	info, err := e.deps.Engine.ProcessWelcome(ctx, mls.Welcome{RawMessage: []byte(rumor.Content)})
	if err != nil {
		return fmt.Errorf("membership: process welcome: %w", err)
	}
	if info.State == mls.GroupStateActive {
		// Already merged by an earlier delivery of the same welcome.
		return nil
	}
	if err := e.deps.Engine.AcceptWelcome(ctx, info.MLSGroupID); err != nil {
		return fmt.Errorf("membership: accept welcome: %w", err)
	}
	if e.deps.OnKeyPackageConsumed != nil {
		e.deps.OnKeyPackageConsumed(ctx)
	}
	return nil
}

// publishAndMerge implements the MIP-02/03 ordering rule: the evolution
// event is published (with bounded retry on relay rejection) before
// MergeCommit is ever called, and MergeCommit runs exactly once, after at
// least one relay has acked. A commit already pending for the group
// surfaces mls.ErrCommitPending unchanged, which callers turn into a toast
// rather than treating as fatal.
func (e *Engine) publishAndMerge(ctx context.Context, chatID string, evo mls.EvolutionEvent) error {
	evt := nostr.Event{
		PubKey:    e.deps.Identity.Pubkey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      relay.KindGroupEvolution,
		Tags:      nostr.Tags{nostr.Tag{"h", chatID}},
		Content:   string(evo.RawEvent),
	}
	if err := e.sign(&evt); err != nil {
		return err
	}

	wait := evolutionPublishInitialWait
	var lastErr error
	for attempt := 1; attempt <= evolutionPublishMaxAttempts; attempt++ {
		results := e.deps.Relay.Publish(ctx, evt)
		ok := false
		for _, r := range results {
			if r.OK {
				ok = true
				break
			}
			lastErr = r.Err
		}
		if ok {
			return e.deps.Engine.MergeCommit(ctx, chatID)
		}
		if attempt == evolutionPublishMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > evolutionPublishMaxWait {
			wait = evolutionPublishMaxWait
		}
	}
	return fmt.Errorf("membership: evolution event rejected by all relays after %d attempts: %w", evolutionPublishMaxAttempts, lastErr)
}

func (e *Engine) deliverWelcomes(ctx context.Context, welcomes map[string]mls.Welcome) {
	recipients := make([]string, 0, len(welcomes))
	for pubkey := range welcomes {
		recipients = append(recipients, pubkey)
	}
	sort.Strings(recipients)
	for _, pubkey := range recipients {
		w := welcomes[pubkey]
		giftwrap, err := relay.Seal(e.deps.Identity.SecretKeyHex, e.deps.Identity.Pubkey, pubkey, relay.Rumor{
			Kind:    relay.KindWelcome,
			Content: string(w.RawMessage),
		})
		if err != nil {
			log.Printf("[membership] seal welcome for %s: %v", pubkey, err)
			continue
		}
		e.deps.Relay.Publish(ctx, giftwrap)
	}
}

func (e *Engine) rebroadcastProfile(ctx context.Context, chatID string) {
	if e.deps.RebroadcastGroupProfile != nil {
		e.deps.RebroadcastGroupProfile(ctx, chatID)
	}
}

// fetchKeyPackage pulls pubkey's newest kind-443 key package from the
// currently configured relays (SessionRuntime's merged set of default,
// user-override and per-group relays). The peer's kind-10051 key-package
// relay list is not read, so relays that only appear there are not queried.
func (e *Engine) fetchKeyPackage(ctx context.Context, pubkey string) (mls.KeyPackage, error) {
	events, err := e.deps.Relay.Fetch(ctx, nostr.Filter{
		Kinds:   []int{relay.KindKeyPackage},
		Authors: []string{pubkey},
		Limit:   1,
	})
	if err != nil {
		return mls.KeyPackage{}, fmt.Errorf("membership: fetch key package: %w", err)
	}
	if len(events) == 0 {
		return mls.KeyPackage{}, fmt.Errorf("membership: no key package found for %s", pubkey)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt > events[j].CreatedAt })
	newest := events[0]
	return mls.KeyPackage{
		EventID:  newest.ID,
		Pubkey:   newest.PubKey,
		RawEvent: []byte(newest.Content),
	}, nil
}

func (e *Engine) sign(evt *nostr.Event) error {
	if e.deps.Identity.Mode != identity.ModeLocalKey {
		return fmt.Errorf("membership: signing mode %s not yet wired to a signer bridge", e.deps.Identity.Mode)
	}
	if err := evt.Sign(e.deps.Identity.SecretKeyHex); err != nil {
		return fmt.Errorf("membership: sign event: %w", err)
	}
	return nil
}
