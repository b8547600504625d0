// Package transport defines the MediaTransport abstraction the call runtime
// consumes: connect/subscribe/publish/disconnect over a MoQ-like broadcast
// path. A concrete WebTransport-backed implementation lives in
// webtransport.go; Media itself is the documented seam, not the wire
// protocol underneath it.
package transport

import "context"

// Frame is one encrypted media object on the wire.
type Frame struct {
	Seq         uint64
	TimestampUs uint64
	Keyframe    bool
	Payload     []byte
}

// TrackName identifies an addressable stream inside a broadcast.
type TrackName string

const (
	TrackAudio TrackName = "audio0"
	TrackVideo TrackName = "video0"
)

// ICEServer is the STUN/TURN configuration shape advertised to clients,
// used as the connection-hint type passed to Media.Connect for NAT
// traversal fallback when the MoQ relay itself is unreachable directly.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Media is the transport abstraction: connect, subscribe to an inbound
// track, publish to an outbound track, disconnect. One Media handle is
// shared by the audio and video CallWorker threads behind a mutex owned by
// the caller.
type Media interface {
	// Connect dials the MoQ URL and joins broadcastBase as participantLabel.
	Connect(ctx context.Context, moqURL, broadcastBase, participantLabel, authToken string, ice []ICEServer) error

	// Disconnect tears down the connection. Safe to call multiple times.
	Disconnect() error

	// Publish sends one frame on the named track of the local broadcast.
	Publish(ctx context.Context, track TrackName, frame Frame) error

	// Subscribe returns a channel of inbound frames for peerLabel's track.
	// The channel is closed when the subscription ends (disconnect or
	// context cancellation).
	Subscribe(ctx context.Context, peerLabel string, track TrackName) (<-chan Frame, error)

	// SubscriptionReady blocks until the named subscription has received at
	// least one frame or the context expires.
	SubscriptionReady(ctx context.Context, peerLabel string, track TrackName) error
}
