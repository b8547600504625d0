// Package mls defines the abstraction the core consumes for MLS group
// membership, key packages, and application-message encryption. The actual
// cryptographic engine lives outside this repository; Engine is the seam.
package mls

import "context"

// GroupState is the lifecycle state of one MLS group inside Engine storage.
type GroupState int

const (
	GroupStatePending GroupState = iota // welcome received, not yet merged
	GroupStateActive
)

// Member is one participant in a group's ratchet tree, as seen by MLS.
type Member struct {
	Pubkey      string
	DisplayName string
	ImageURL    string
	IsAdmin     bool
}

// GroupInfo is what Engine reports about one group.
type GroupInfo struct {
	MLSGroupID    string
	NostrGroupID  string // hex chat id carried on application messages
	State         GroupState
	Name          string
	Members       []Member // excludes self
	AdminPubkeys  []string
	RelayURLs     []string // per-group relays advertised in MLS
}

// KeyPackage is a signed, single-use join credential (kind 443 event).
type KeyPackage struct {
	EventID   string
	Pubkey    string
	RawEvent  []byte
}

// Welcome is an MLS handshake message that lets a recipient join a group.
type Welcome struct {
	RawMessage []byte
}

// EvolutionEvent is a commit that mutates group membership or metadata
// (published as kind 445).
type EvolutionEvent struct {
	GroupID  string
	RawEvent []byte
}

// AppMessage is a plaintext MLS application message payload prior to
// group encryption, or the decrypted output of one.
type AppMessage struct {
	Kind      int
	Content   string
	Tags      map[string]string
	CreatedAt int64
}

// Engine is the MLS abstraction: group creation, welcome processing,
// key-package generation, message encryption/decryption, membership
// updates. Implementations must be safe for concurrent use from multiple
// goroutines (methods take no lock from the caller's perspective).
type Engine interface {
	// GenerateKeyPackage creates and signs a fresh, single-use key package.
	GenerateKeyPackage(ctx context.Context) (KeyPackage, error)

	// CreateGroup creates a new group with self plus the given key packages
	// as initial members. Returns the group id, any welcome rumors to
	// deliver to each added member, and an error.
	CreateGroup(ctx context.Context, name string, admins []string, members []KeyPackage) (groupID string, welcomes map[string]Welcome, err error)

	// ProcessWelcome validates an incoming welcome without committing it.
	// Calling it twice for a group already Active is a no-op.
	ProcessWelcome(ctx context.Context, w Welcome) (GroupInfo, error)

	// AcceptWelcome commits a previously processed welcome, moving the
	// group into GroupStateActive.
	AcceptWelcome(ctx context.Context, groupID string) error

	// AddMembers proposes adding the given key packages to a group.
	// Returns the evolution event to publish and welcome rumors to deliver
	// to each new member — the welcomes MUST NOT be delivered until the
	// caller has published the event and called MergeCommit.
	AddMembers(ctx context.Context, groupID string, members []KeyPackage) (EvolutionEvent, map[string]Welcome, error)

	// RemoveMembers proposes removing the given pubkeys from a group.
	RemoveMembers(ctx context.Context, groupID string, pubkeys []string) (EvolutionEvent, error)

	// LeaveGroup proposes self-removal from a group.
	LeaveGroup(ctx context.Context, groupID string) (EvolutionEvent, error)

	// RenameGroup proposes a group metadata update changing its display name.
	RenameGroup(ctx context.Context, groupID, name string) (EvolutionEvent, error)

	// UpdateGroupProfile proposes a group metadata update for the caller's
	// own per-group profile (name/image).
	UpdateGroupProfile(ctx context.Context, groupID, name, imageURL string) (EvolutionEvent, error)

	// MergeCommit applies a previously proposed evolution locally. Must be
	// called only after the evolution event has been acknowledged by at
	// least one relay. Returns ErrCommitPending if another evolution for
	// the same group is already pending merge.
	MergeCommit(ctx context.Context, groupID string) error

	// EncryptApplicationMessage wraps msg for publication as a kind-445
	// MLS application message inside groupID.
	EncryptApplicationMessage(ctx context.Context, groupID string, msg AppMessage) ([]byte, error)

	// DecryptApplicationMessage unwraps a kind-445 ciphertext received for
	// groupID.
	DecryptApplicationMessage(ctx context.Context, groupID string, ciphertext []byte) (AppMessage, error)

	// ExporterSecret derives a labelled secret from the group's current
	// epoch, used for per-call frame-encryption key material. label is e.g. "audio-tx".
	ExporterSecret(ctx context.Context, groupID, label string, length int) ([]byte, error)

	// GroupInfo returns the current known state of a group.
	GroupInfo(ctx context.Context, groupID string) (GroupInfo, bool)

	// Groups lists all groups known to the engine (Active and Pending).
	Groups(ctx context.Context) []GroupInfo

	// DecryptMedia decrypts a per-group-encrypted profile image payload,
	// given the imeta parameters advertised alongside it.
	DecryptMedia(ctx context.Context, groupID string, ciphertext []byte, nonce, scheme string) ([]byte, error)

	// Close releases engine resources (e.g. closes the backing database).
	// Called on logout, after which the database file itself is deleted by
	// the caller.
	Close() error
}

// ErrCommitPending is returned by MergeCommit and by the mutating methods
// above when a prior evolution for the same group has not yet merged
// (MIP-02/03 ordering rule).
type ErrCommitPending struct{ GroupID string }

func (e ErrCommitPending) Error() string {
	return "mls: group " + e.GroupID + " has a pending commit"
}
