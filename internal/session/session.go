// Package session caches the unlocked working key for a bounded, resettable
// window. The key lives only in a guarded memory buffer and is wiped on
// timeout, explicit lock or process exit.
package session

import (
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/vault-cli/credvault/internal/util"
)

// DefaultTimeout is the idle timeout used when none is configured.
const DefaultTimeout = 5 * time.Minute

// Clock returns the current time.
type Clock func() time.Time

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(s *Session) { s.now = c }
}

// Session holds the working key and activity timestamps.
type Session struct {
	mu           sync.Mutex
	key          *memguard.LockedBuffer
	unlockedAt   time.Time
	lastActivity time.Time
	timeout      time.Duration
	now          Clock
}

// Snapshot is a read-only view of the session state.
type Snapshot struct {
	Unlocked     bool
	UnlockedAt   time.Time
	LastActivity time.Time
	Timeout      time.Duration
	Remaining    time.Duration
}

// New returns a locked session. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration, opts ...Option) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Session{timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start unlocks the session with key. The caller's slice is wiped.
func (s *Session) Start(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked()
	s.key = memguard.NewBufferFromBytes(key)
	now := s.now()
	s.unlockedAt = now
	s.lastActivity = now
}

// IsValid reports whether the session is unlocked and not idle past the
// timeout. An expired session is wiped.
func (s *Session) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validLocked()
}

func (s *Session) validLocked() bool {
	if s.key == nil || !s.key.IsAlive() {
		return false
	}
	if s.now().Sub(s.lastActivity) >= s.timeout {
		s.destroyLocked()
		return false
	}
	return true
}

// Touch resets the idle timer.
func (s *Session) Touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked() {
		return util.ErrSessionExpired
	}
	s.lastActivity = s.now()
	return nil
}

// Key returns a copy of the working key and touches the session. Callers
// should wipe the copy when done.
func (s *Session) Key() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked() {
		return nil, util.ErrSessionExpired
	}
	s.lastActivity = s.now()
	return append([]byte(nil), s.key.Bytes()...), nil
}

// Invalidate wipes the key and locks the session.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked()
}

func (s *Session) destroyLocked() {
	if s.key != nil {
		s.key.Destroy()
		s.key = nil
	}
	s.unlockedAt = time.Time{}
	s.lastActivity = time.Time{}
}

// Timeout returns the idle timeout.
func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetTimeout changes the idle timeout. A non-positive value selects
// DefaultTimeout.
func (s *Session) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// State returns a snapshot without touching the session.
func (s *Session) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Timeout: s.timeout}
	if !s.validLocked() {
		return snap
	}
	snap.Unlocked = true
	snap.UnlockedAt = s.unlockedAt
	snap.LastActivity = s.lastActivity
	snap.Remaining = s.timeout - s.now().Sub(s.lastActivity)
	return snap
}

// Purge wipes every guarded buffer in the process. Call it on exit.
func Purge() {
	memguard.Purge()
}
