package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vault-cli/credvault/internal/util"
)

const (
	// DefaultLockTimeout is how long Lock waits for a busy vault.
	DefaultLockTimeout = 10 * time.Second
	// StaleLockAge is the age after which an unreadable lock file is reclaimed.
	StaleLockAge = 5 * time.Minute

	lockPollInterval = 50 * time.Millisecond
)

// ErrLockNotHeld is returned when attempting to release a lock that isn't held
var ErrLockNotHeld = errors.New("lock not held")

// LockOwner is recorded in the lock file so a lock left by a dead process
// can be told apart from a live one.
type LockOwner struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock is an exclusive advisory lock scoped to one vault file. The lock
// file is created with O_EXCL and additionally held with an OS lock.
type FileLock struct {
	path     string
	lockFile *os.File
	token    string
	locked   bool
	poll     time.Duration
}

// NewFileLock creates a new file lock for the given path
func NewFileLock(vaultPath string) *FileLock {
	return &FileLock{
		path: vaultPath + ".lock",
		poll: lockPollInterval,
	}
}

// Path returns the lock file path.
func (fl *FileLock) Path() string { return fl.path }

// Lock acquires the lock, polling until timeout elapses or ctx is done.
// A zero timeout fails fast. Contention is reported as util.ErrLockContention.
func (fl *FileLock) Lock(ctx context.Context, timeout time.Duration) error {
	if fl.locked {
		return errors.New("lock already held")
	}
	if err := os.MkdirAll(filepath.Dir(fl.path), 0o700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := fl.tryLock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}

		if fl.isLockStale() {
			log.Warn().Str("lock", fl.path).Msg("removing stale vault lock")
			if rmErr := os.Remove(fl.path); rmErr != nil && !os.IsNotExist(rmErr) {
				return fmt.Errorf("failed to remove stale lock: %w", rmErr)
			}
			continue
		}

		if timeout <= 0 || !time.Now().Before(deadline) {
			return fl.contention()
		}

		wait := fl.poll
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", util.ErrLockContention, ctx.Err())
		case <-timer.C:
		}
	}
}

func (fl *FileLock) tryLock() error {
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	host, _ := os.Hostname()
	owner := LockOwner{
		PID:        os.Getpid(),
		Host:       host,
		Token:      uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	}
	cleanup := func() {
		_ = file.Close()
		_ = os.Remove(fl.path)
	}

	if err := platformLock(file); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", util.ErrLockContention, err)
	}
	data, err := json.Marshal(owner)
	if err == nil {
		_, err = file.Write(data)
	}
	if err == nil {
		err = file.Sync()
	}
	if err != nil {
		_ = platformUnlock(file)
		cleanup()
		return fmt.Errorf("failed to record lock owner: %w", err)
	}

	fl.lockFile = file
	fl.token = owner.Token
	fl.locked = true
	return nil
}

func (fl *FileLock) contention() error {
	owner, err := ReadLockOwner(fl.path)
	if err != nil {
		return util.Errorf(util.ErrLockContention, "%s is locked by another process", fl.path)
	}
	return util.Errorf(util.ErrLockContention, "locked by pid %d on %s since %s",
		owner.PID, owner.Host, owner.AcquiredAt.Format(time.RFC3339))
}

// Unlock releases the file lock
func (fl *FileLock) Unlock() error {
	if !fl.locked {
		return ErrLockNotHeld
	}

	var err error
	if fl.lockFile != nil {
		if unlockErr := platformUnlock(fl.lockFile); unlockErr != nil {
			err = unlockErr
		}
		if closeErr := fl.lockFile.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		fl.lockFile = nil
	}

	// Only remove the file if it is still ours.
	if owner, readErr := ReadLockOwner(fl.path); readErr == nil && owner.Token == fl.token {
		if removeErr := os.Remove(fl.path); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
			err = removeErr
		}
	}

	fl.locked = false
	fl.token = ""
	return err
}

// IsLocked returns true if the lock is currently held
func (fl *FileLock) IsLocked() bool {
	return fl.locked
}

// ReadLockOwner parses the owner record from a lock file.
func ReadLockOwner(path string) (*LockOwner, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var owner LockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, err
	}
	return &owner, nil
}

// isLockStale reports whether the lock file belongs to a dead process on
// this host, or is unreadable and older than StaleLockAge.
func (fl *FileLock) isLockStale() bool {
	info, err := os.Stat(fl.path)
	if err != nil {
		return false
	}

	owner, err := ReadLockOwner(fl.path)
	if err != nil {
		return time.Since(info.ModTime()) > StaleLockAge
	}

	host, _ := os.Hostname()
	if owner.Host != host {
		return false
	}
	return !processAlive(owner.PID)
}
