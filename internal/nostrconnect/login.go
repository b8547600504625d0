// Package nostrconnect implements NostrConnectLogin: the NIP-46 pairing
// handshake that lets a remote signer app authenticate this client without
// it ever holding the user's secret key.
package nostrconnect

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/rustyguts/pika/internal/relay"
)

const (
	pairingTimeout    = 95 * time.Second
	callbackLookback  = 5 * time.Minute
	maxSecretLen      = 256
)

var acceptedAckResults = map[string]bool{"ack": true, "ok": true, "success": true}

// PendingSnapshot is the persisted state of an in-flight pairing attempt,
// surviving the OS suspending the app mid-handshake.
type PendingSnapshot struct {
	StartedAt        time.Time
	ClientNsec       string
	Relays           []string
	Secret           string
	CallbackReceived bool
}

// Persister saves/loads the pending snapshot across process restarts.
type Persister interface {
	Save(PendingSnapshot) error
	Load() (PendingSnapshot, bool)
	Clear()
}

// Deps bundles Login's collaborators.
type Deps struct {
	Relays    []string
	Persist   Persister
	OnBunkerURI func(uri string)
	OnTimeout   func()
	// OpenURI hands a nostrconnect:// URI to the OS to launch a signer app.
	OpenURI func(uri string)
}

// Login implements NostrConnectLogin.
type Login struct {
	deps Deps

	clientPubkey string
	clientSecret string
	secret       string
	cancel       context.CancelFunc
}

// New constructs a Login. Start must be called to begin pairing.
func New(deps Deps) *Login {
	return &Login{deps: deps}
}

// Start generates (or resumes) client keys and a pairing secret, builds
// the nostrconnect:// URI, hands it to the OS, persists a pending
// snapshot, and begins listening for the signer's response. It returns
// once the subscription is live; the result arrives via OnBunkerURI or
// OnTimeout.
func (l *Login) Start(ctx context.Context, client relay.Client) error {
	if snap, ok := l.deps.Persist.Load(); ok && time.Since(snap.StartedAt) < pairingTimeout {
		l.clientSecret = snap.ClientNsec
		l.secret = snap.Secret
	} else {
		l.clientSecret = nostr.GeneratePrivateKey()
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("nostrconnect: generate secret: %w", err)
		}
		l.secret = secret
	}

	pubkey, err := nostr.GetPublicKey(l.clientSecret)
	if err != nil {
		return fmt.Errorf("nostrconnect: derive client pubkey: %w", err)
	}
	l.clientPubkey = pubkey

	uri := l.buildConnectURI()
	if err := l.deps.Persist.Save(PendingSnapshot{
		StartedAt: time.Now(),
		ClientNsec: l.clientSecret,
		Relays:     l.deps.Relays,
		Secret:     l.secret,
	}); err != nil {
		log.Printf("[nostrconnect] persist pending snapshot: %v (non-fatal)", err)
	}

	log.Printf("[nostrconnect] pairing started: %s", redactURI(uri))
	if l.deps.OpenURI != nil {
		l.deps.OpenURI(uri)
	}

	runCtx, cancel := context.WithTimeout(ctx, pairingTimeout)
	l.cancel = cancel
	go l.listen(runCtx, client)
	return nil
}

// HandleCallback processes a deep-link callback URL carrying
// remote_signer_pubkey, completing the handshake without waiting on the
// relay subscription.
func (l *Login) HandleCallback(callbackURL string) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		log.Printf("[nostrconnect] parse callback: %v", err)
		return
	}
	signerPubkey := u.Query().Get("remote_signer_pubkey")
	if signerPubkey == "" {
		return
	}
	l.complete(signerPubkey)
}

func (l *Login) buildConnectURI() string {
	v := url.Values{}
	v.Set("secret", l.secret)
	for _, r := range l.deps.Relays {
		v.Add("relay", r)
	}
	return fmt.Sprintf("nostrconnect://%s?%s", l.clientPubkey, v.Encode())
}

func (l *Login) listen(ctx context.Context, client relay.Client) {
	defer func() {
		client.Close()
	}()

	since := nostr.Timestamp(time.Now().Add(-callbackLookback).Unix())
	sub, err := client.Subscribe(ctx, []nostr.Filter{{
		Kinds: []int{relay.KindNostrConnect},
		Tags:  nostr.TagMap{"p": []string{l.clientPubkey}},
		Since: &since,
	}})
	if err != nil {
		log.Printf("[nostrconnect] subscribe: %v", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				l.timeout()
			}
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if signerPubkey, ok := l.handleEvent(ctx, client, evt); ok {
				l.complete(signerPubkey)
				return
			}
		}
	}
}

// handleEvent decrypts and interprets one kind-24133 event, returning the
// remote signer pubkey and true if the handshake should complete.
func (l *Login) handleEvent(ctx context.Context, client relay.Client, evt *nostr.Event) (string, bool) {
	plaintext, err := l.decrypt(evt.PubKey, evt.Content)
	if err != nil {
		log.Printf("[nostrconnect] decrypt event from %s: %v", shortPubkey(evt.PubKey), err)
		return "", false
	}

	var req struct {
		ID     string   `json:"id"`
		Method string   `json:"method"`
		Params []string `json:"params"`
	}
	if err := json.Unmarshal([]byte(plaintext), &req); err == nil && req.Method != "" {
		if req.Method != "connect" {
			return "", false
		}
		var candidate string
		if len(req.Params) > 1 {
			candidate = req.Params[1]
		}
		if candidate != "" && candidate != l.secret && !isValidSecret(candidate) {
			return "", false
		}
		if candidate != "" && candidate != l.secret {
			l.secret = candidate // interop: adopt the signer's secret
		}
		l.reply(ctx, client, evt.PubKey, req.ID, "ack")
		return evt.PubKey, true
	}

	var resp struct {
		ID     string `json:"id"`
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return "", false
	}
	if resp.Result == l.secret || acceptedAckResults[resp.Result] {
		return evt.PubKey, true
	}
	if isValidSecret(resp.Result) {
		l.secret = resp.Result // interop: adopt a different valid secret
		return evt.PubKey, true
	}
	return "", false
}

func (l *Login) reply(ctx context.Context, client relay.Client, toPubkey, reqID, result string) {
	payload, err := json.Marshal(struct {
		ID     string `json:"id"`
		Result string `json:"result"`
	}{ID: reqID, Result: result})
	if err != nil {
		return
	}
	convKey, err := nip44.GenerateConversationKey(toPubkey, l.clientSecret)
	if err != nil {
		log.Printf("[nostrconnect] derive reply key: %v", err)
		return
	}
	ciphertext, err := nip44.Encrypt(string(payload), convKey)
	if err != nil {
		log.Printf("[nostrconnect] encrypt reply: %v", err)
		return
	}
	evt := nostr.Event{
		PubKey:    l.clientPubkey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      relay.KindNostrConnect,
		Tags:      nostr.Tags{nostr.Tag{"p", toPubkey}},
		Content:   ciphertext,
	}
	if err := evt.Sign(l.clientSecret); err != nil {
		log.Printf("[nostrconnect] sign reply: %v", err)
		return
	}
	client.Publish(ctx, evt)
}

// decrypt tries NIP-44 first, falling back to NIP-04 for older signers.
func (l *Login) decrypt(fromPubkey, content string) (string, error) {
	convKey, err := nip44.GenerateConversationKey(fromPubkey, l.clientSecret)
	if err == nil {
		if plaintext, derr := nip44.Decrypt(content, convKey); derr == nil {
			return plaintext, nil
		}
	}
	shared, err := nip04.ComputeSharedSecret(fromPubkey, l.clientSecret)
	if err != nil {
		return "", fmt.Errorf("derive nip04 shared secret: %w", err)
	}
	return nip04.Decrypt(content, shared)
}

func (l *Login) complete(signerPubkey string) {
	l.deps.Persist.Clear()
	uri := fmt.Sprintf("bunker://%s?%s", signerPubkey, url.Values{
		"relay":  l.deps.Relays,
		"secret": []string{l.secret},
	}.Encode())
	log.Printf("[nostrconnect] pairing complete: %s", redactURI(uri))
	if l.cancel != nil {
		l.cancel()
	}
	if l.deps.OnBunkerURI != nil {
		l.deps.OnBunkerURI(uri)
	}
}

func (l *Login) timeout() {
	l.deps.Persist.Clear()
	log.Printf("[nostrconnect] pairing timed out after %s", pairingTimeout)
	if l.deps.OnTimeout != nil {
		l.deps.OnTimeout()
	}
}

// randomSecret returns a normalized, URL-safe pairing secret.
func randomSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// isValidSecret normalizes and validates a pairing secret: after trimming,
// it must be non-empty, at most 256 chars, and free of control or
// whitespace characters.
func isValidSecret(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxSecretLen {
		return false
	}
	for _, r := range s {
		if r <= 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// redactURI renders a URI as scheme://host?<redacted> for safe logging.
func redactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return fmt.Sprintf("%s://%s?<redacted>", u.Scheme, u.Host)
}

func shortPubkey(pubkey string) string {
	if len(pubkey) <= 12 {
		return pubkey
	}
	return pubkey[:8] + "…" + pubkey[len(pubkey)-4:]
}
