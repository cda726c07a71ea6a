package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vault-cli/credvault/internal/util"
)

// deadPID is above any pid_max and never names a live process.
const deadPID = 2147483000

func TestFileLock(t *testing.T) {
	vaultPath := filepath.Join(t.TempDir(), "vault.dat")
	ctx := context.Background()

	lock1 := NewFileLock(vaultPath)
	if err := lock1.Lock(ctx, time.Second); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if !lock1.IsLocked() {
		t.Error("Lock should be held")
	}

	owner, err := ReadLockOwner(lock1.Path())
	if err != nil {
		t.Fatalf("Failed to read lock owner: %v", err)
	}
	if owner.PID != os.Getpid() || owner.Token == "" {
		t.Errorf("Unexpected owner record: %+v", owner)
	}

	lock2 := NewFileLock(vaultPath)
	err = lock2.Lock(ctx, 100*time.Millisecond)
	if !errors.Is(err, util.ErrLockContention) {
		t.Errorf("Expected contention error, got %v", err)
	}

	if err := lock1.Unlock(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
	if lock1.IsLocked() {
		t.Error("Lock should be released")
	}
	if _, err := os.Stat(lock1.Path()); !os.IsNotExist(err) {
		t.Error("Lock file should be removed on unlock")
	}

	if err := lock2.Lock(ctx, time.Second); err != nil {
		t.Fatalf("Failed to acquire lock after release: %v", err)
	}
	if err := lock2.Unlock(); err != nil {
		t.Fatalf("Failed to release second lock: %v", err)
	}

	if err := lock2.Unlock(); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("Expected ErrLockNotHeld, got %v", err)
	}
}

func TestFileLockFailsFast(t *testing.T) {
	vaultPath := filepath.Join(t.TempDir(), "vault.dat")
	held := NewFileLock(vaultPath)
	if err := held.Lock(context.Background(), 0); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer held.Unlock()

	start := time.Now()
	err := NewFileLock(vaultPath).Lock(context.Background(), 0)
	if !errors.Is(err, util.ErrLockContention) {
		t.Fatalf("Expected contention error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Zero timeout should not wait")
	}
}

func TestFileLockHonoursContext(t *testing.T) {
	vaultPath := filepath.Join(t.TempDir(), "vault.dat")
	held := NewFileLock(vaultPath)
	if err := held.Lock(context.Background(), 0); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer held.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewFileLock(vaultPath).Lock(ctx, time.Minute)
	if !errors.Is(err, util.ErrLockContention) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected cancelled contention error, got %v", err)
	}
}

func TestFileLockReclaimsStaleLock(t *testing.T) {
	vaultPath := filepath.Join(t.TempDir(), "vault.dat")
	lock := NewFileLock(vaultPath)

	host, _ := os.Hostname()
	data, _ := json.Marshal(LockOwner{PID: deadPID, Host: host, Token: "old", AcquiredAt: time.Now()})
	if err := os.WriteFile(lock.Path(), data, 0o600); err != nil {
		t.Fatalf("Failed to plant lock: %v", err)
	}

	if err := lock.Lock(context.Background(), 0); err != nil {
		t.Fatalf("Stale lock should be reclaimed: %v", err)
	}
	defer lock.Unlock()

	owner, err := ReadLockOwner(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock owner: %v", err)
	}
	if owner.Token == "old" {
		t.Error("Lock file should belong to the new owner")
	}
}

func TestFileLockKeepsForeignHostLock(t *testing.T) {
	vaultPath := filepath.Join(t.TempDir(), "vault.dat")
	lock := NewFileLock(vaultPath)

	data, _ := json.Marshal(LockOwner{PID: deadPID, Host: "some-other-host", Token: "remote"})
	if err := os.WriteFile(lock.Path(), data, 0o600); err != nil {
		t.Fatalf("Failed to plant lock: %v", err)
	}

	if err := lock.Lock(context.Background(), 0); !errors.Is(err, util.ErrLockContention) {
		t.Fatalf("Expected contention error, got %v", err)
	}
}

func TestFileLockReclaimsOldUnreadableLock(t *testing.T) {
	vaultPath := filepath.Join(t.TempDir(), "vault.dat")
	lock := NewFileLock(vaultPath)

	if err := os.WriteFile(lock.Path(), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("Failed to plant lock: %v", err)
	}
	if err := lock.Lock(context.Background(), 0); !errors.Is(err, util.ErrLockContention) {
		t.Fatalf("Fresh unreadable lock should be respected, got %v", err)
	}

	old := time.Now().Add(-2 * StaleLockAge)
	if err := os.Chtimes(lock.Path(), old, old); err != nil {
		t.Fatalf("Failed to age lock: %v", err)
	}
	if err := lock.Lock(context.Background(), 0); err != nil {
		t.Fatalf("Old unreadable lock should be reclaimed: %v", err)
	}
	lock.Unlock()
}

func TestAtomicWriter(t *testing.T) {
	tempDir := t.TempDir()
	targetPath := filepath.Join(tempDir, "test.txt")

	writer, err := NewAtomicWriter(targetPath)
	if err != nil {
		t.Fatalf("Failed to create atomic writer: %v", err)
	}

	testData := []byte("Hello, World!")
	if _, err := writer.Write(testData); err != nil {
		t.Fatalf("Failed to write data: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	data, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("Failed to read target file: %v", err)
	}
	if string(data) != string(testData) {
		t.Errorf("File content mismatch: got %s, want %s", string(data), string(testData))
	}

	writer2, err := NewAtomicWriter(targetPath + ".2")
	if err != nil {
		t.Fatalf("Failed to create second atomic writer: %v", err)
	}
	writer2.Write([]byte("This should be aborted"))
	if err := writer2.Abort(); err != nil {
		t.Fatalf("Failed to abort: %v", err)
	}
	if _, err := os.Stat(targetPath + ".2"); !os.IsNotExist(err) {
		t.Error("Aborted file should not exist")
	}

	entries, _ := os.ReadDir(tempDir)
	if len(entries) != 1 {
		t.Errorf("Temp files left behind: %d entries", len(entries))
	}
}

func TestAtomicCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := AtomicCopyFile(src, dst); err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "payload" {
		t.Errorf("got %q", got)
	}
}
