package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Rumor is an unsigned event embedded inside a wrapper (giftwrap or MLS
// frame), per GLOSSARY.
type Rumor struct {
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      nostr.Tags `json:"tags"`
	Content   string     `json:"content"`
}

// Seal encrypts a rumor into a kind-13 seal event signed by the sender, then
// wraps the seal into a kind-1059 giftwrap addressed to recipientPubkey,
// following NIP-59. The giftwrap is signed by a random one-time key so
// relays cannot link it to the sender.
func Seal(senderSecretHex, senderPubkey, recipientPubkey string, rumor Rumor) (nostr.Event, error) {
	rumor.PubKey = senderPubkey
	if rumor.CreatedAt == 0 {
		rumor.CreatedAt = time.Now().Unix()
	}
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("relay: marshal rumor: %w", err)
	}

	convKey, err := nip44.GenerateConversationKey(recipientPubkey, senderSecretHex)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("relay: derive seal key: %w", err)
	}
	sealContent, err := nip44.Encrypt(string(rumorJSON), convKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("relay: encrypt seal: %w", err)
	}

	seal := nostr.Event{
		PubKey:    senderPubkey,
		CreatedAt: nostr.Timestamp(jitteredNow()),
		Kind:      13,
		Tags:      nostr.Tags{},
		Content:   sealContent,
	}
	if err := seal.Sign(senderSecretHex); err != nil {
		return nostr.Event{}, fmt.Errorf("relay: sign seal: %w", err)
	}

	onceSecret := nostr.GeneratePrivateKey()
	oncePubkey, err := nostr.GetPublicKey(onceSecret)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("relay: onetime key: %w", err)
	}
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("relay: marshal seal: %w", err)
	}
	wrapKey, err := nip44.GenerateConversationKey(recipientPubkey, onceSecret)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("relay: derive wrap key: %w", err)
	}
	wrapContent, err := nip44.Encrypt(string(sealJSON), wrapKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("relay: encrypt wrap: %w", err)
	}

	giftwrap := nostr.Event{
		PubKey:    oncePubkey,
		CreatedAt: nostr.Timestamp(jitteredNow()),
		Kind:      KindGiftwrap,
		Tags:      nostr.Tags{nostr.Tag{"p", recipientPubkey}},
		Content:   wrapContent,
	}
	if err := giftwrap.Sign(onceSecret); err != nil {
		return nostr.Event{}, fmt.Errorf("relay: sign giftwrap: %w", err)
	}
	return giftwrap, nil
}

// Unseal reverses Seal: it decrypts a giftwrap addressed to the recipient and
// returns the embedded rumor. The rumor's PubKey must match the seal's signer
// (the true sender, not the giftwrap's one-time key) or Unseal fails.
func Unseal(recipientSecretHex string, giftwrap nostr.Event) (Rumor, error) {
	wrapKey, err := nip44.GenerateConversationKey(giftwrap.PubKey, recipientSecretHex)
	if err != nil {
		return Rumor{}, fmt.Errorf("relay: derive wrap key: %w", err)
	}
	sealJSON, err := nip44.Decrypt(giftwrap.Content, wrapKey)
	if err != nil {
		return Rumor{}, fmt.Errorf("relay: decrypt wrap: %w", err)
	}
	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return Rumor{}, fmt.Errorf("relay: unmarshal seal: %w", err)
	}

	convKey, err := nip44.GenerateConversationKey(seal.PubKey, recipientSecretHex)
	if err != nil {
		return Rumor{}, fmt.Errorf("relay: derive seal key: %w", err)
	}
	rumorJSON, err := nip44.Decrypt(seal.Content, convKey)
	if err != nil {
		return Rumor{}, fmt.Errorf("relay: decrypt seal: %w", err)
	}
	var rumor Rumor
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return Rumor{}, fmt.Errorf("relay: unmarshal rumor: %w", err)
	}
	if rumor.PubKey != seal.PubKey {
		return Rumor{}, fmt.Errorf("relay: seal/rumor pubkey mismatch")
	}
	return rumor, nil
}

// jitteredNow returns the current Unix timestamp. Giftwrap/seal timestamps
// are deliberately not randomized here beyond what callers choose to do —
// real NIP-59 implementations backdate them up to 48h to frustrate
// correlation; that policy belongs to the caller (SessionRuntime), not to
// the sealing primitive.
func jitteredNow() int64 { return time.Now().Unix() }
