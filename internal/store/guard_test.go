package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

func newTestGuard(t *testing.T) (*Guard, []byte) {
	t.Helper()
	key, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	g := NewGuard(filepath.Join(t.TempDir(), "vault.dat"), time.Second, zerolog.Nop())
	require.NoError(t, g.Write(context.Background(), key, vault.NewDocument()))
	return g, key
}

func addEntry(doc *vault.Document, service string) error {
	return doc.Add(domain.VaultEntry{Service: service, Identifier: "user", Secret: []byte{1, 2, 3}})
}

func TestGuardUpdateAndRead(t *testing.T) {
	g, key := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, g.Update(ctx, key, func(doc *vault.Document) error {
		return addEntry(doc, "Gmail")
	}))

	doc, err := g.Read(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 1, doc.Len())
	assert.Equal(t, "Gmail", doc.Entries[0].Service)

	info, err := os.Stat(g.Path())
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
	_, err = os.Stat(g.Path() + ".lock")
	assert.True(t, os.IsNotExist(err), "lock must be released")
}

func TestGuardUpdateErrorLeavesFileUnchanged(t *testing.T) {
	g, key := newTestGuard(t)
	ctx := context.Background()
	before, err := g.Checksum()
	require.NoError(t, err)

	boom := errors.New("boom")
	err = g.Update(ctx, key, func(doc *vault.Document) error {
		if err := addEntry(doc, "x"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := g.Checksum()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = os.Stat(g.Path() + ".lock")
	assert.True(t, os.IsNotExist(err), "lock must be released on error")
}

func TestGuardCorruptedFile(t *testing.T) {
	g, key := newTestGuard(t)
	ctx := context.Background()
	require.NoError(t, g.Update(ctx, key, func(doc *vault.Document) error {
		return addEntry(doc, "Gmail")
	}))

	data, err := os.ReadFile(g.Path())
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(g.Path(), data, 0o600))

	_, err = g.Read(ctx, key)
	assert.ErrorIs(t, err, util.ErrIntegrity)

	err = g.Update(ctx, key, func(doc *vault.Document) error { return nil })
	assert.ErrorIs(t, err, util.ErrIntegrity)

	after, err := os.ReadFile(g.Path())
	require.NoError(t, err)
	assert.Equal(t, data, after, "corrupted file must not be rewritten")
}

func TestGuardWrongKey(t *testing.T) {
	g, _ := newTestGuard(t)
	other, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)

	_, err = g.Read(context.Background(), other)
	assert.ErrorIs(t, err, util.ErrIntegrity)
}

func TestGuardMissingFile(t *testing.T) {
	g := NewGuard(filepath.Join(t.TempDir(), "none.dat"), time.Second, zerolog.Nop())
	assert.False(t, g.Exists())
	_, err := g.Read(context.Background(), make([]byte, crypto.KeySize))
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestGuardBusy(t *testing.T) {
	g, key := newTestGuard(t)
	g.lockTimeout = 0

	held := NewFileLock(g.Path())
	require.NoError(t, held.Lock(context.Background(), 0))
	defer held.Unlock()

	_, err := g.Read(context.Background(), key)
	assert.ErrorIs(t, err, util.ErrLockContention)
}

func TestGuardRekey(t *testing.T) {
	g, oldKey := newTestGuard(t)
	ctx := context.Background()
	require.NoError(t, g.Update(ctx, oldKey, func(doc *vault.Document) error {
		return addEntry(doc, "Gmail")
	}))
	newKey, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)

	failed := errors.New("record not saved")
	err = g.Rekey(ctx, oldKey, newKey, func() error { return failed })
	assert.ErrorIs(t, err, failed)
	_, err = g.Read(ctx, oldKey)
	require.NoError(t, err, "failed commit must keep the old key valid")

	committed := false
	require.NoError(t, g.Rekey(ctx, oldKey, newKey, func() error {
		committed = true
		return nil
	}))
	assert.True(t, committed)

	doc, err := g.Read(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Len())
	_, err = g.Read(ctx, oldKey)
	assert.ErrorIs(t, err, util.ErrIntegrity)

	entries, err := os.ReadDir(filepath.Dir(g.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestGuardRawRoundTrip(t *testing.T) {
	g, key := newTestGuard(t)
	ctx := context.Background()

	raw, err := g.ReadRaw(ctx)
	require.NoError(t, err)
	require.NoError(t, g.Update(ctx, key, func(doc *vault.Document) error {
		return addEntry(doc, "later")
	}))
	require.NoError(t, g.ReplaceRaw(ctx, raw))

	got, err := g.ReadRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
	require.NoError(t, g.Verify(ctx, key))
}
