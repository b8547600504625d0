package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// connectTimeout bounds the initial dial; once connected the caller's
// context governs the session lifetime.
const connectTimeout = 10 * time.Second

// WebTransportMedia is the concrete, network-backed Media implementation
// (cmd/pikad dials FakeMedia, not this type). One instance is shared by the audio and video CallWorker threads; only
// Connect/Disconnect take mu exclusively, the rest read session state under
// the same lock held just long enough to snapshot it.
type WebTransportMedia struct {
	mu      sync.Mutex
	session *webtransport.Session

	subMu sync.Mutex
	subs  map[string]*wtSubscription
}

type wtSubscription struct {
	ch      chan Frame
	ready   chan struct{}
	readied bool
}

// NewWebTransportMedia returns an unconnected Media handle.
func NewWebTransportMedia() *WebTransportMedia {
	return &WebTransportMedia{subs: make(map[string]*wtSubscription)}
}

var _ Media = (*WebTransportMedia)(nil)

func (m *WebTransportMedia) Connect(ctx context.Context, moqURL, broadcastBase, participantLabel, authToken string, ice []ICEServer) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec — dev/self-signed relay cert
		QUICConfig: &quic.Config{
			EnableDatagrams: true,
		},
	}
	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}

	_, sess, err := d.Dial(dialCtx, moqURL, header)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", moqURL, err)
	}

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()
	log.Printf("[transport] connected to %s as %s/%s", moqURL, broadcastBase, participantLabel)
	return nil
}

func (m *WebTransportMedia) Disconnect() error {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()

	m.subMu.Lock()
	for k, s := range m.subs {
		close(s.ch)
		delete(m.subs, k)
	}
	m.subMu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.CloseWithError(0, "disconnect")
}

// datagramHeaderLen is [seq u64 | ts_us u64 | keyframe u8 | track u8].
const datagramHeaderLen = 8 + 8 + 1 + 1

func encodeDatagram(track TrackName, f Frame) []byte {
	buf := make([]byte, datagramHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint64(buf[0:8], f.Seq)
	binary.BigEndian.PutUint64(buf[8:16], f.TimestampUs)
	if f.Keyframe {
		buf[16] = 1
	}
	if track == TrackVideo {
		buf[17] = 1
	}
	copy(buf[datagramHeaderLen:], f.Payload)
	return buf
}

func decodeDatagram(buf []byte) (TrackName, Frame, error) {
	if len(buf) < datagramHeaderLen {
		return "", Frame{}, fmt.Errorf("transport: short datagram (%d bytes)", len(buf))
	}
	f := Frame{
		Seq:         binary.BigEndian.Uint64(buf[0:8]),
		TimestampUs: binary.BigEndian.Uint64(buf[8:16]),
		Keyframe:    buf[16] != 0,
		Payload:     append([]byte(nil), buf[datagramHeaderLen:]...),
	}
	track := TrackAudio
	if buf[17] != 0 {
		track = TrackVideo
	}
	return track, f, nil
}

func (m *WebTransportMedia) Publish(ctx context.Context, track TrackName, frame Frame) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("transport: not connected")
	}
	return sess.SendDatagram(encodeDatagram(track, frame))
}

func (m *WebTransportMedia) subKey(peerLabel string, track TrackName) string {
	return peerLabel + "/" + string(track)
}

func (m *WebTransportMedia) Subscribe(ctx context.Context, peerLabel string, track TrackName) (<-chan Frame, error) {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("transport: not connected")
	}

	key := m.subKey(peerLabel, track)
	sub := &wtSubscription{ch: make(chan Frame, 64), ready: make(chan struct{})}
	m.subMu.Lock()
	m.subs[key] = sub
	m.subMu.Unlock()

	go m.receiveLoop(ctx, sess, key)
	return sub.ch, nil
}

// receiveLoop reads datagrams off the shared session and routes them to the
// per-(peer,track) subscription channel named by key. Audio and video each
// get their own goroutine since the audio and video CallWorker threads
// subscribe independently; both goroutines share the same
// underlying QUIC datagram stream via sess.ReceiveDatagram, which quic-go
// serializes internally, and each simply ignores datagrams whose decoded
// track doesn't match its own key.
func (m *WebTransportMedia) receiveLoop(ctx context.Context, sess *webtransport.Session, key string) {
	wantTrack := TrackAudio
	if len(key) > 0 && key[len(key)-len(TrackVideo):] == string(TrackVideo) {
		wantTrack = TrackVideo
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			m.subMu.Lock()
			if sub, ok := m.subs[key]; ok {
				close(sub.ch)
				delete(m.subs, key)
			}
			m.subMu.Unlock()
			return
		}
		track, frame, err := decodeDatagram(buf)
		if err != nil || track != wantTrack {
			continue
		}
		m.subMu.Lock()
		sub, ok := m.subs[key]
		if ok {
			select {
			case sub.ch <- frame:
			default:
			}
			if !sub.readied {
				sub.readied = true
				close(sub.ready)
			}
		}
		m.subMu.Unlock()
	}
}

func (m *WebTransportMedia) SubscriptionReady(ctx context.Context, peerLabel string, track TrackName) error {
	key := m.subKey(peerLabel, track)
	m.subMu.Lock()
	sub, ok := m.subs[key]
	m.subMu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no subscription for %s", key)
	}
	select {
	case <-sub.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
