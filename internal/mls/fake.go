package mls

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Fake is an in-memory Engine used by tests and by cmd/pikad when no real
// MLS implementation is wired in. It does not perform any actual
// cryptography: ciphertexts are the plain "<kind>:<content>" text of the
// message, which is sufficient to exercise the core's control flow.
type Fake struct {
	mu       sync.Mutex
	self     string
	groups   map[string]*GroupInfo
	pending  map[string]bool // groupID -> has a commit awaiting merge
	packages map[string]KeyPackage
}

// NewFake returns a ready-to-use Fake engine for the given self pubkey.
func NewFake(selfPubkey string) *Fake {
	return &Fake{
		self:     selfPubkey,
		groups:   make(map[string]*GroupInfo),
		pending:  make(map[string]bool),
		packages: make(map[string]KeyPackage),
	}
}

var _ Engine = (*Fake)(nil)

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (f *Fake) GenerateKeyPackage(ctx context.Context) (KeyPackage, error) {
	kp := KeyPackage{EventID: randomHex(16), Pubkey: f.self, RawEvent: []byte("kp:" + f.self)}
	f.mu.Lock()
	f.packages[kp.EventID] = kp
	f.mu.Unlock()
	return kp, nil
}

func (f *Fake) CreateGroup(ctx context.Context, name string, admins []string, members []KeyPackage) (string, map[string]Welcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	groupID := randomHex(16)
	mm := make([]Member, 0, len(members))
	for _, kp := range members {
		mm = append(mm, Member{Pubkey: kp.Pubkey})
	}
	f.groups[groupID] = &GroupInfo{
		MLSGroupID:   groupID,
		NostrGroupID: randomHex(32),
		State:        GroupStateActive,
		Name:         name,
		Members:      mm,
		AdminPubkeys: admins,
	}

	welcomes := make(map[string]Welcome, len(members))
	for _, kp := range members {
		welcomes[kp.Pubkey] = Welcome{RawMessage: []byte("welcome:" + groupID)}
	}
	return groupID, welcomes, nil
}

func (f *Fake) ProcessWelcome(ctx context.Context, w Welcome) (GroupInfo, error) {
	groupID := string(w.RawMessage)
	const prefix = "welcome:"
	if len(groupID) > len(prefix) {
		groupID = groupID[len(prefix):]
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.groups[groupID]; ok && g.State == GroupStateActive {
		// Already Active: reprocessing the same welcome is a no-op.
		return *g, nil
	}
	g := &GroupInfo{MLSGroupID: groupID, NostrGroupID: randomHex(32), State: GroupStatePending}
	f.groups[groupID] = g
	return *g, nil
}

func (f *Fake) AcceptWelcome(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return fmt.Errorf("mls: unknown group %s", groupID)
	}
	g.State = GroupStateActive
	return nil
}

func (f *Fake) AddMembers(ctx context.Context, groupID string, members []KeyPackage) (EvolutionEvent, map[string]Welcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[groupID] {
		return EvolutionEvent{}, nil, ErrCommitPending{GroupID: groupID}
	}
	g, ok := f.groups[groupID]
	if !ok {
		return EvolutionEvent{}, nil, fmt.Errorf("mls: unknown group %s", groupID)
	}
	for _, kp := range members {
		g.Members = append(g.Members, Member{Pubkey: kp.Pubkey})
	}
	f.pending[groupID] = true
	welcomes := make(map[string]Welcome, len(members))
	for _, kp := range members {
		welcomes[kp.Pubkey] = Welcome{RawMessage: []byte("welcome:" + groupID)}
	}
	return EvolutionEvent{GroupID: groupID, RawEvent: []byte("evolution:add:" + groupID)}, welcomes, nil
}

func (f *Fake) RemoveMembers(ctx context.Context, groupID string, pubkeys []string) (EvolutionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[groupID] {
		return EvolutionEvent{}, ErrCommitPending{GroupID: groupID}
	}
	g, ok := f.groups[groupID]
	if !ok {
		return EvolutionEvent{}, fmt.Errorf("mls: unknown group %s", groupID)
	}
	remove := make(map[string]bool, len(pubkeys))
	for _, p := range pubkeys {
		remove[p] = true
	}
	kept := g.Members[:0]
	for _, m := range g.Members {
		if !remove[m.Pubkey] {
			kept = append(kept, m)
		}
	}
	g.Members = kept
	f.pending[groupID] = true
	return EvolutionEvent{GroupID: groupID, RawEvent: []byte("evolution:remove:" + groupID)}, nil
}

func (f *Fake) LeaveGroup(ctx context.Context, groupID string) (EvolutionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[groupID] {
		return EvolutionEvent{}, ErrCommitPending{GroupID: groupID}
	}
	if _, ok := f.groups[groupID]; !ok {
		return EvolutionEvent{}, fmt.Errorf("mls: unknown group %s", groupID)
	}
	f.pending[groupID] = true
	return EvolutionEvent{GroupID: groupID, RawEvent: []byte("evolution:leave:" + groupID)}, nil
}

func (f *Fake) RenameGroup(ctx context.Context, groupID, name string) (EvolutionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[groupID] {
		return EvolutionEvent{}, ErrCommitPending{GroupID: groupID}
	}
	g, ok := f.groups[groupID]
	if !ok {
		return EvolutionEvent{}, fmt.Errorf("mls: unknown group %s", groupID)
	}
	g.Name = name
	f.pending[groupID] = true
	return EvolutionEvent{GroupID: groupID, RawEvent: []byte("evolution:rename:" + groupID)}, nil
}

func (f *Fake) UpdateGroupProfile(ctx context.Context, groupID, name, imageURL string) (EvolutionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[groupID] {
		return EvolutionEvent{}, ErrCommitPending{GroupID: groupID}
	}
	if _, ok := f.groups[groupID]; !ok {
		return EvolutionEvent{}, fmt.Errorf("mls: unknown group %s", groupID)
	}
	f.pending[groupID] = true
	return EvolutionEvent{GroupID: groupID, RawEvent: []byte("evolution:profile:" + groupID)}, nil
}

func (f *Fake) MergeCommit(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pending[groupID] {
		return nil
	}
	delete(f.pending, groupID)
	return nil
}

func (f *Fake) EncryptApplicationMessage(ctx context.Context, groupID string, msg AppMessage) ([]byte, error) {
	return []byte(fmt.Sprintf("%d:%s", msg.Kind, msg.Content)), nil
}

func (f *Fake) DecryptApplicationMessage(ctx context.Context, groupID string, ciphertext []byte) (AppMessage, error) {
	s := string(ciphertext)
	for i, c := range s {
		if c == ':' {
			var kind int
			_, err := fmt.Sscanf(s[:i], "%d", &kind)
			if err != nil {
				return AppMessage{}, fmt.Errorf("mls: malformed application message")
			}
			return AppMessage{Kind: kind, Content: s[i+1:]}, nil
		}
	}
	return AppMessage{}, fmt.Errorf("mls: malformed application message")
}

func (f *Fake) ExporterSecret(ctx context.Context, groupID, label string, length int) ([]byte, error) {
	seed := groupID + "|" + label
	out := make([]byte, 0, length)
	for len(out) < length {
		out = append(out, []byte(seed)...)
	}
	return out[:length], nil
}

func (f *Fake) GroupInfo(ctx context.Context, groupID string) (GroupInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return GroupInfo{}, false
	}
	return *g, true
}

func (f *Fake) Groups(ctx context.Context) []GroupInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]GroupInfo, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, *g)
	}
	return out
}

func (f *Fake) DecryptMedia(ctx context.Context, groupID string, ciphertext []byte, nonce, scheme string) ([]byte, error) {
	return ciphertext, nil
}

func (f *Fake) Close() error { return nil }
