// Package relay defines the abstraction the core consumes for Nostr relay
// I/O: filter-based event fetch, event publish with per-relay acks, and
// subscription notification streams. Event/Filter shapes are the ones from
// github.com/nbd-wtf/go-nostr so a real implementation can wrap an
// nbd-wtf/go-nostr relay pool directly.
package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// PublishResult reports the outcome of publishing to one relay.
type PublishResult struct {
	RelayURL string
	OK       bool
	Err      error
}

// Subscription streams events matching a filter set until Close is called.
type Subscription interface {
	Events() <-chan *nostr.Event
	Close()
}

// Client is the Nostr relay abstraction: filter-based fetch, publish with
// per-relay acks, and subscription notification streams.
type Client interface {
	// Fetch performs a one-shot query against the configured relays and
	// returns the deduplicated union of matching events. Bounded by the
	// caller's context (typical timeout 5-10s).
	Fetch(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)

	// Publish signs nothing itself — evt must already be signed — and
	// broadcasts it to all configured relays, returning one result per
	// relay attempted.
	Publish(ctx context.Context, evt nostr.Event) []PublishResult

	// Subscribe opens a live subscription against the configured relays.
	Subscribe(ctx context.Context, filters []nostr.Filter) (Subscription, error)

	// SetRelays replaces the relay URL set used for Fetch/Publish/Subscribe.
	SetRelays(urls []string)

	// Relays returns the currently configured relay URLs.
	Relays() []string

	// Close disconnects from all relays.
	Close() error
}
