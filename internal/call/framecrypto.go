package call

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"
)

// ErrCounterExhausted is returned by Encrypt when the sender counter has
// reached its maximum value. It is a stop condition, not a per-frame error:
// callers must cease publication on this direction.
var ErrCounterExhausted = errors.New("framecrypto: counter exhausted")

// ErrAuthFail is returned by Decrypt when AEAD authentication fails.
var ErrAuthFail = errors.New("framecrypto: authentication failed")

// ErrMalformedHeader is returned by Decrypt when the input is too short to
// contain a valid frame header.
var ErrMalformedHeader = errors.New("framecrypto: malformed header")

// headerLen is [counter u32 | group_seq u64 | frame_idx u16 | keyframe u8].
const headerLen = 4 + 8 + 2 + 1

// DirectionKeys is a 32-byte AEAD key plus a 4-byte salt for one direction
// (tx or rx) of one media stream (audio or video), derived from an MLS
// exporter secret.
type DirectionKeys struct {
	Key  [32]byte
	Salt [4]byte
}

// FrameInfo is the per-frame header bound into the AEAD associated data.
type FrameInfo struct {
	Counter  uint32
	GroupSeq uint64
	FrameIdx uint16
	Keyframe bool
}

func (info FrameInfo) header() []byte {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint32(buf[0:4], info.Counter)
	binary.BigEndian.PutUint64(buf[4:12], info.GroupSeq)
	binary.BigEndian.PutUint16(buf[12:14], info.FrameIdx)
	if info.Keyframe {
		buf[14] = 1
	}
	return buf
}

func parseHeader(buf []byte) FrameInfo {
	return FrameInfo{
		Counter:  binary.BigEndian.Uint32(buf[0:4]),
		GroupSeq: binary.BigEndian.Uint64(buf[4:12]),
		FrameIdx: binary.BigEndian.Uint16(buf[12:14]),
		Keyframe: buf[14] != 0,
	}
}

// perFrameAEAD derives a fresh AES-256-GCM instance and nonce for one
// frame's counter, mixing the direction key with the counter via HKDF so
// each counter value uses distinct key material.
func perFrameAEAD(keys DirectionKeys, counter uint32) (cipher.AEAD, []byte, error) {
	info := make([]byte, 4)
	binary.BigEndian.PutUint32(info, counter)

	kdf := hkdf.New(sha256.New, keys.Key[:], keys.Salt[:], info)
	subkey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, nil, fmt.Errorf("framecrypto: derive subkey: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, nil, fmt.Errorf("framecrypto: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("framecrypto: gcm: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	copy(nonce, keys.Salt[:])
	binary.BigEndian.PutUint32(nonce[len(keys.Salt):], counter)
	return aead, nonce, nil
}

// Encrypt authenticates and encrypts payload, binding it to info. Fails
// only on key-material misconfiguration or counter exhaustion
// (counter == math.MaxUint32, sender-side fatal).
func Encrypt(payload []byte, keys DirectionKeys, info FrameInfo) ([]byte, error) {
	if info.Counter == math.MaxUint32 {
		return nil, ErrCounterExhausted
	}
	aead, nonce, err := perFrameAEAD(keys, info.Counter)
	if err != nil {
		return nil, err
	}
	header := info.header()
	ciphertext := aead.Seal(nil, nonce, payload, header)
	out := make([]byte, 0, len(header)+len(ciphertext))
	out = append(out, header...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptedFrame is the output of Decrypt.
type DecryptedFrame struct {
	Payload []byte
	Info    FrameInfo
}

// Decrypt authenticates and decrypts a frame encoded by Encrypt.
func Decrypt(frame []byte, keys DirectionKeys) (DecryptedFrame, error) {
	if len(frame) < headerLen {
		return DecryptedFrame{}, ErrMalformedHeader
	}
	header := frame[:headerLen]
	info := parseHeader(header)

	aead, nonce, err := perFrameAEAD(keys, info.Counter)
	if err != nil {
		return DecryptedFrame{}, err
	}
	plaintext, err := aead.Open(nil, nonce, frame[headerLen:], header)
	if err != nil {
		return DecryptedFrame{}, ErrAuthFail
	}
	return DecryptedFrame{Payload: plaintext, Info: info}, nil
}
