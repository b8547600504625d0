package transport

import (
	"context"
	"fmt"
	"sync"
)

// FakeNetwork is a shared in-memory broadcast medium multiple FakeMedia
// handles can publish to / subscribe from, used to simulate a two-party MoQ
// session in tests (e.g. CallWorker reconnect/replay scenarios).
type FakeNetwork struct {
	mu   sync.Mutex
	subs map[string][]chan Frame // key: participantLabel/track
}

// NewFakeNetwork returns an empty shared network.
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{subs: make(map[string][]chan Frame)}
}

// FakeMedia is an in-memory Media implementation for tests. ConnectErr,
// PublishErr and DropPublishes let tests force reconnect-loop failures.
type FakeMedia struct {
	mu        sync.Mutex
	net       *FakeNetwork
	connected bool
	self      string

	ConnectErr    error
	PublishErr    error
	DropPublishes bool
}

// NewFakeMedia returns a disconnected Media handle attached to net.
func NewFakeMedia(net *FakeNetwork) *FakeMedia {
	return &FakeMedia{net: net}
}

var _ Media = (*FakeMedia)(nil)

func (m *FakeMedia) Connect(ctx context.Context, moqURL, broadcastBase, participantLabel, authToken string, ice []ICEServer) error {
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.mu.Lock()
	m.connected = true
	m.self = participantLabel
	m.mu.Unlock()
	return nil
}

func (m *FakeMedia) Disconnect() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *FakeMedia) key(label string, track TrackName) string { return label + "/" + string(track) }

func (m *FakeMedia) Publish(ctx context.Context, track TrackName, frame Frame) error {
	m.mu.Lock()
	connected, self := m.connected, m.self
	m.mu.Unlock()
	if !connected {
		return fmt.Errorf("transport: not connected")
	}
	if m.PublishErr != nil {
		return m.PublishErr
	}
	if m.DropPublishes {
		return nil
	}
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	for _, ch := range m.net.subs[m.key(self, track)] {
		select {
		case ch <- frame:
		default:
		}
	}
	return nil
}

func (m *FakeMedia) Subscribe(ctx context.Context, peerLabel string, track TrackName) (<-chan Frame, error) {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("transport: not connected")
	}
	ch := make(chan Frame, 64)
	m.net.mu.Lock()
	key := m.key(peerLabel, track)
	m.net.subs[key] = append(m.net.subs[key], ch)
	m.net.mu.Unlock()
	return ch, nil
}

// SubscriptionReady on FakeMedia returns immediately; tests that need to
// simulate slow-ready relays should wrap FakeMedia or sleep before calling.
func (m *FakeMedia) SubscriptionReady(ctx context.Context, peerLabel string, track TrackName) error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return fmt.Errorf("transport: not connected")
	}
	return nil
}
