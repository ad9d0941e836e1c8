package tokenstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndConsume(t *testing.T) {
	s := New()

	token, expiresAt, err := s.Issue("1.2.3.4", 5*time.Minute, KindCall)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	rec, err := s.Consume(token)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", rec.IssuedToIP)
	assert.Equal(t, KindCall, rec.Kind)
}

func TestConsume_ReusableWithinTTL(t *testing.T) {
	s := New()
	token, _, err := s.Issue("1.2.3.4", time.Minute, KindCall)
	require.NoError(t, err)

	_, err = s.Consume(token)
	require.NoError(t, err)

	// Second consume does not delete; still valid.
	_, err = s.Consume(token)
	assert.NoError(t, err)
}

func TestConsume_Unknown(t *testing.T) {
	s := New()
	_, err := s.Consume("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestConsume_Expired(t *testing.T) {
	s := New()
	token, _, err := s.Issue("1.2.3.4", -1*time.Second, KindDiagnostic)
	require.NoError(t, err)

	_, err = s.Consume(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestSweep_RemovesExpiredOnly(t *testing.T) {
	s := New()

	expired, _, err := s.Issue("1.2.3.4", -1*time.Second, KindDiagnostic)
	require.NoError(t, err)
	live, _, err := s.Issue("1.2.3.4", time.Minute, KindCall)
	require.NoError(t, err)

	removed := s.Sweep()
	assert.Equal(t, 1, removed)

	_, err = s.Consume(expired)
	assert.ErrorIs(t, err, ErrUnknown)

	_, err = s.Consume(live)
	assert.NoError(t, err)
}

func TestRunSweeper_StopsOnSignal(t *testing.T) {
	s := New()
	_, _, err := s.Issue("1.2.3.4", -1*time.Second, KindDiagnostic)
	require.NoError(t, err)

	stop := make(chan struct{})
	s.RunSweeper(stop, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	close(stop)

	s.mu.Lock()
	n := len(s.tokens)
	s.mu.Unlock()
	assert.Equal(t, 0, n)
}
