package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-cli/credvault/internal/util"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSession(timeout time.Duration) (*Session, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	return New(timeout, WithClock(clock.Now)), clock
}

func TestSessionStartsLocked(t *testing.T) {
	s, _ := newTestSession(time.Minute)
	assert.False(t, s.IsValid())
	_, err := s.Key()
	assert.ErrorIs(t, err, util.ErrSessionExpired)
	assert.ErrorIs(t, s.Touch(), util.ErrSessionExpired)
}

func TestSessionKeyCopyAndWipe(t *testing.T) {
	s, _ := newTestSession(time.Minute)
	key := []byte("0123456789abcdef0123456789abcdef")
	s.Start(key)

	assert.Equal(t, make([]byte, len(key)), key, "caller's key slice is wiped")
	assert.True(t, s.IsValid())

	got, err := s.Key()
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", string(got))

	got[0] = 'X'
	again, err := s.Key()
	require.NoError(t, err)
	assert.Equal(t, byte('0'), again[0], "Key returns a copy")
}

func TestSessionExpiresWithoutActivity(t *testing.T) {
	s, clock := newTestSession(5 * time.Minute)
	s.Start([]byte("k"))

	clock.Advance(4 * time.Minute)
	assert.True(t, s.IsValid())

	clock.Advance(time.Minute)
	assert.False(t, s.IsValid(), "elapsed == timeout is expired")
	_, err := s.Key()
	assert.ErrorIs(t, err, util.ErrSessionExpired)
}

func TestSessionTouchExtends(t *testing.T) {
	s, clock := newTestSession(5 * time.Minute)
	s.Start([]byte("k"))

	for i := 0; i < 10; i++ {
		clock.Advance(4 * time.Minute)
		require.NoError(t, s.Touch())
	}
	assert.True(t, s.IsValid())

	clock.Advance(3 * time.Minute)
	_, err := s.Key()
	require.NoError(t, err, "Key touches the session")
	clock.Advance(3 * time.Minute)
	assert.True(t, s.IsValid())
}

func TestSessionInvalidate(t *testing.T) {
	s, _ := newTestSession(time.Minute)
	s.Start([]byte("k"))
	s.Invalidate()
	assert.False(t, s.IsValid())
	assert.False(t, s.State().Unlocked)
}

func TestSessionState(t *testing.T) {
	s, clock := newTestSession(10 * time.Minute)
	s.Start([]byte("k"))
	clock.Advance(4 * time.Minute)

	snap := s.State()
	assert.True(t, snap.Unlocked)
	assert.Equal(t, 6*time.Minute, snap.Remaining)
	assert.Equal(t, 10*time.Minute, snap.Timeout)
}

func TestSessionDefaultTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, New(0).Timeout())
	s := New(time.Minute)
	s.SetTimeout(-1)
	assert.Equal(t, DefaultTimeout, s.Timeout())
}
