package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID_NewClientID(t *testing.T) {
	sid := NewSessionID()
	cid := NewClientID()

	assert.True(t, strings.HasPrefix(sid, "S-"))
	assert.True(t, strings.HasPrefix(cid, "C-"))
	assert.Len(t, sid, len("S-")+16)
	assert.Len(t, cid, len("C-")+16)

	// Probabilistically unique.
	assert.NotEqual(t, NewSessionID(), NewSessionID())
}

func TestRoomIDMinter_MintAndValidate(t *testing.T) {
	m := NewRoomIDMinter("a-very-secret-value-123", "dev")

	rid, err := m.Mint()
	require.NoError(t, err)
	assert.Len(t, rid, roomIDEncLen)

	err = m.Validate(rid)
	assert.NoError(t, err)
}

func TestRoomIDMinter_NotConfigured(t *testing.T) {
	m := NewRoomIDMinter("", "dev")

	_, err := m.Mint()
	assert.ErrorIs(t, err, ErrNotConfigured)

	err = m.Validate("x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRoomIDMinter_InvalidLength(t *testing.T) {
	m := NewRoomIDMinter("a-very-secret-value-123", "dev")

	err := m.Validate("too-short")
	assert.ErrorIs(t, err, ErrInvalidRoomID)
}

func TestRoomIDMinter_InvalidDecode(t *testing.T) {
	m := NewRoomIDMinter("a-very-secret-value-123", "dev")

	// 27 chars but not valid base64 (contains a padding char disallowed by RawURLEncoding).
	err := m.Validate(strings.Repeat("=", roomIDEncLen))
	assert.ErrorIs(t, err, ErrInvalidRoomID)
}

func TestRoomIDMinter_TamperedOneBit(t *testing.T) {
	m := NewRoomIDMinter("a-very-secret-value-123", "dev")

	rid, err := m.Mint()
	require.NoError(t, err)

	// Flip the last character.
	tampered := []byte(rid)
	if tampered[len(tampered)-1] == 'A' {
		tampered[len(tampered)-1] = 'B'
	} else {
		tampered[len(tampered)-1] = 'A'
	}

	err = m.Validate(string(tampered))
	assert.ErrorIs(t, err, ErrInvalidRoomID)
}

func TestRoomIDMinter_CrossEnvironmentRejected(t *testing.T) {
	dev := NewRoomIDMinter("a-very-secret-value-123", "dev")
	prod := NewRoomIDMinter("a-very-secret-value-123", "prod")

	rid, err := dev.Mint()
	require.NoError(t, err)

	err = prod.Validate(rid)
	assert.ErrorIs(t, err, ErrInvalidRoomID)
}

func TestRoomIDMinter_WrongSecretRejected(t *testing.T) {
	a := NewRoomIDMinter("secret-one-aaaaaaaaaaa", "dev")
	b := NewRoomIDMinter("secret-two-bbbbbbbbbbb", "dev")

	rid, err := a.Mint()
	require.NoError(t, err)

	err = b.Validate(rid)
	assert.ErrorIs(t, err, ErrInvalidRoomID)
}
