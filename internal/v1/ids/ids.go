// Package ids generates session/client identifiers and mints the
// self-authenticating room-ID capability tokens the hub hands out.
package ids

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers as protocol error codes.
var (
	// ErrNotConfigured means ROOM_ID_SECRET is unset; room IDs cannot be
	// minted or validated.
	ErrNotConfigured = errors.New("room id secret not configured")
	// ErrInvalidRoomID means a room ID failed length, decode, or MAC
	// verification.
	ErrInvalidRoomID = errors.New("invalid room id")
)

const (
	roomIDNonceLen = 12
	roomIDTagLen   = 8
	roomIDDecLen   = roomIDNonceLen + roomIDTagLen // 20 bytes
	roomIDEncLen   = 27                            // base64.RawURLEncoding of 20 bytes
)

// NewSessionID returns a fresh `S-`-prefixed session identifier: 64 bits
// of cryptographic randomness, hex-encoded.
func NewSessionID() string {
	return "S-" + randomHex()
}

// NewClientID returns a fresh `C-`-prefixed client identifier, same shape
// as a session ID.
func NewClientID() string {
	return "C-" + randomHex()
}

func randomHex() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken;
		// there is no sane fallback for an unguessable ID in that case.
		panic(fmt.Sprintf("ids: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// RoomIDMinter mints and validates self-authenticating room IDs bound to
// a secret and an environment-specific context string, per the scheme:
// 12-byte random nonce || 8-byte truncated HMAC-SHA256(nonce), base64
// URL-safe encoded without padding (27 characters).
type RoomIDMinter struct {
	secret  []byte
	context []byte
}

// NewRoomIDMinter builds a minter from ROOM_ID_SECRET and ROOM_ID_ENV. An
// empty secret is valid to construct (methods then return
// ErrNotConfigured) so callers can build the minter before config
// validation runs and still surface the right protocol error at use time.
func NewRoomIDMinter(secret, env string) *RoomIDMinter {
	return &RoomIDMinter{
		secret:  []byte(secret),
		context: []byte(fmt.Sprintf("id:v1|%s|room", env)),
	}
}

// Mint generates a new valid room ID.
func (m *RoomIDMinter) Mint() (string, error) {
	if len(m.secret) == 0 {
		return "", ErrNotConfigured
	}

	var nonce [roomIDNonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("ids: crypto/rand failed: %w", err)
	}

	tag := m.mac(nonce[:])

	buf := make([]byte, 0, roomIDDecLen)
	buf = append(buf, nonce[:]...)
	buf = append(buf, tag...)

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Validate checks that rid is a well-formed, correctly-MACed room ID.
func (m *RoomIDMinter) Validate(rid string) error {
	if len(m.secret) == 0 {
		return ErrNotConfigured
	}
	if len(rid) != roomIDEncLen {
		return ErrInvalidRoomID
	}

	decoded, err := base64.RawURLEncoding.Strict().DecodeString(rid)
	if err != nil {
		return ErrInvalidRoomID
	}
	if len(decoded) != roomIDDecLen {
		return ErrInvalidRoomID
	}

	nonce := decoded[:roomIDNonceLen]
	gotTag := decoded[roomIDNonceLen:]
	wantTag := m.mac(nonce)

	if subtle.ConstantTimeCompare(gotTag, wantTag) != 1 {
		return ErrInvalidRoomID
	}
	return nil
}

// mac computes the truncated HMAC-SHA256 tag over nonce, bound to the
// minter's context string.
func (m *RoomIDMinter) mac(nonce []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(m.context)
	h.Write(nonce)
	return h.Sum(nil)[:roomIDTagLen]
}
