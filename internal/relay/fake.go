package relay

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Fake is an in-memory Client backed by a shared Network, used by tests to
// exercise SessionRuntime/MembershipEngine/OutboxEngine without a real relay.
type Fake struct {
	mu    sync.Mutex
	urls  []string
	net   *Network
	subs  map[*fakeSub]struct{}
	subMu sync.Mutex
}

// Network is a shared in-memory event store multiple Fake clients can
// publish to and fetch/subscribe from, simulating a relay set.
type Network struct {
	mu     sync.Mutex
	events []*nostr.Event
	subs   []*fakeSub
}

// NewNetwork creates an empty shared network.
func NewNetwork() *Network { return &Network{} }

// NewFake returns a Client attached to net.
func NewFake(net *Network, urls []string) *Fake {
	return &Fake{net: net, urls: urls, subs: make(map[*fakeSub]struct{})}
}

var _ Client = (*Fake)(nil)

func matches(f nostr.Filter, evt *nostr.Event) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == evt.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Authors) > 0 {
		found := false
		for _, a := range f.Authors {
			if a == evt.PubKey {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && int64(evt.CreatedAt) < int64(*f.Since) {
		return false
	}
	for tagName, values := range f.Tags {
		found := false
		for _, tag := range evt.Tags {
			if len(tag) >= 2 && tag[0] == tagName {
				for _, v := range values {
					if tag[1] == v {
						found = true
					}
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *Fake) Fetch(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	var out []*nostr.Event
	for _, evt := range f.net.events {
		if matches(filter, evt) {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (f *Fake) Publish(ctx context.Context, evt nostr.Event) []PublishResult {
	f.net.mu.Lock()
	f.net.events = append(f.net.events, &evt)
	subs := append([]*fakeSub(nil), f.net.subs...)
	f.net.mu.Unlock()

	for _, s := range subs {
		s.deliver(&evt)
	}

	results := make([]PublishResult, 0, len(f.urls))
	for _, u := range f.urls {
		results = append(results, PublishResult{RelayURL: u, OK: true})
	}
	if len(results) == 0 {
		results = append(results, PublishResult{RelayURL: "fake", OK: true})
	}
	return results
}

type fakeSub struct {
	filters []nostr.Filter
	ch      chan *nostr.Event
	net     *Network
}

func (s *fakeSub) deliver(evt *nostr.Event) {
	for _, f := range s.filters {
		if matches(f, evt) {
			select {
			case s.ch <- evt:
			default:
			}
			return
		}
	}
}

func (s *fakeSub) Events() <-chan *nostr.Event { return s.ch }

func (s *fakeSub) Close() {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	for i, sub := range s.net.subs {
		if sub == s {
			s.net.subs = append(s.net.subs[:i], s.net.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
}

func (f *Fake) Subscribe(ctx context.Context, filters []nostr.Filter) (Subscription, error) {
	s := &fakeSub{filters: filters, ch: make(chan *nostr.Event, 64), net: f.net}
	f.net.mu.Lock()
	f.net.subs = append(f.net.subs, s)
	f.net.mu.Unlock()
	return s, nil
}

func (f *Fake) SetRelays(urls []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = urls
}

func (f *Fake) Relays() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

func (f *Fake) Close() error { return nil }
