// Package identity manages the local user's signing identity: a raw keypair
// or a handle to an external signer. An Identity is created on login and
// destroyed on logout; it is persisted through a per-process Keychain scoped
// to the account pubkey.
package identity

import "fmt"

// Mode discriminates how signing is performed for this identity.
type Mode int

const (
	// ModeLocalKey signs directly with an in-memory secret key.
	ModeLocalKey Mode = iota
	// ModeExternalSigner defers signing to an installed app (e.g. Amber).
	ModeExternalSigner
	// ModeBunkerSigner defers signing to a remote NIP-46 bunker over a relay.
	ModeBunkerSigner
)

func (m Mode) String() string {
	switch m {
	case ModeLocalKey:
		return "local_key"
	case ModeExternalSigner:
		return "external_signer"
	case ModeBunkerSigner:
		return "bunker_signer"
	default:
		return "unknown"
	}
}

// ExternalSigner identifies an installed external signer app.
type ExternalSigner struct {
	Pkg  string
	User string
}

// BunkerSigner identifies a remote NIP-46 bunker connection.
type BunkerSigner struct {
	URI string
}

// Identity is the authenticated user's signing handle. Exactly one exists
// while logged in; it is destroyed (zeroed secret, nil signer) on logout.
type Identity struct {
	Pubkey string
	Mode   Mode

	// SecretKeyHex is populated only for ModeLocalKey. Never logged.
	SecretKeyHex string

	External *ExternalSigner
	Bunker   *BunkerSigner
}

// NewLocalKey constructs a local-key identity.
func NewLocalKey(pubkey, secretHex string) Identity {
	return Identity{Pubkey: pubkey, Mode: ModeLocalKey, SecretKeyHex: secretHex}
}

// NewExternalSigner constructs an identity backed by an installed signer app.
func NewExternalSigner(pubkey, pkg, user string) Identity {
	return Identity{Pubkey: pubkey, Mode: ModeExternalSigner, External: &ExternalSigner{Pkg: pkg, User: user}}
}

// NewBunkerSigner constructs an identity backed by a remote bunker.
func NewBunkerSigner(pubkey, uri string) Identity {
	return Identity{Pubkey: pubkey, Mode: ModeBunkerSigner, Bunker: &BunkerSigner{URI: uri}}
}

// Destroy zeroes sensitive fields. Called on logout before the Identity value
// is dropped.
func (id *Identity) Destroy() {
	id.SecretKeyHex = ""
	id.External = nil
	id.Bunker = nil
}

// Redacted returns a string safe to log: pubkey and mode, never the secret.
func (id Identity) Redacted() string {
	return fmt.Sprintf("pubkey=%s mode=%s", shortHex(id.Pubkey), id.Mode)
}

func shortHex(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:8] + "…" + s[len(s)-4:]
}
