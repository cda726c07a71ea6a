package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-cli/credvault/internal/auth"
	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/store"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

type fakeKeys struct {
	key        []byte
	record     *domain.AuthenticationRecord
	restored   *domain.AuthenticationRecord
	restoreErr error
}

func (f *fakeKeys) BackupKey() ([]byte, error) { return append([]byte(nil), f.key...), nil }

func (f *fakeKeys) LoadRecord() (*domain.AuthenticationRecord, error) {
	if f.record == nil {
		return nil, util.Errorf(util.ErrNotFound, "auth record")
	}
	return f.record, nil
}

func (f *fakeKeys) RestoreRecord(rec *domain.AuthenticationRecord) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = rec
	return nil
}

func testRecord(t *testing.T) *domain.AuthenticationRecord {
	t.Helper()
	salt, err := crypto.RandomBytes(32)
	require.NoError(t, err)
	keySalt, err := crypto.RandomBytes(32)
	require.NoError(t, err)
	hash, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	return &domain.AuthenticationRecord{
		Version:    auth.RecordVersion,
		Salt:       salt,
		KeySalt:    keySalt,
		Iterations: 10,
		Digest:     "sha256",
		AuthHash:   hash,
	}
}

type fixture struct {
	guard    *store.Guard
	manager  *Manager
	keys     *fakeKeys
	vaultKey []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	backupKey, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	vaultKey, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)

	keys := &fakeKeys{key: backupKey, record: testRecord(t)}
	guard := store.NewGuard(filepath.Join(dir, "vault.dat"), time.Second, zerolog.Nop())
	return &fixture{
		guard:    guard,
		manager:  NewManager(filepath.Join(dir, "backups"), guard, keys, zerolog.Nop()),
		keys:     keys,
		vaultKey: vaultKey,
	}
}

func (f *fixture) addEntry(t *testing.T, service string) {
	t.Helper()
	ctx := context.Background()
	if !f.guard.Exists() {
		require.NoError(t, f.guard.Write(ctx, f.vaultKey, vault.NewDocument()))
	}
	require.NoError(t, f.guard.Update(ctx, f.vaultKey, func(doc *vault.Document) error {
		return doc.Add(domain.VaultEntry{Service: service, Identifier: "me", Secret: []byte{9}})
	}))
}

func TestCreateSkipsMissingVault(t *testing.T) {
	f := newFixture(t)
	path, ok, err := f.manager.Create(context.Background(), Options{Encrypt: true})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, path)

	require.NoError(t, os.WriteFile(f.guard.Path(), nil, 0o600))
	_, ok, err = f.manager.Create(context.Background(), Options{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackupRoundTripIsByteExact(t *testing.T) {
	for _, encrypt := range []bool{true, false} {
		f := newFixture(t)
		ctx := context.Background()
		f.addEntry(t, "Gmail")
		original, err := os.ReadFile(f.guard.Path())
		require.NoError(t, err)

		path, ok, err := f.manager.Create(ctx, Options{Encrypt: encrypt})
		require.NoError(t, err)
		require.True(t, ok)

		f.addEntry(t, "Later")
		changed, err := os.ReadFile(f.guard.Path())
		require.NoError(t, err)
		require.NotEqual(t, original, changed)

		restored, err := f.manager.Restore(ctx, path, false)
		require.NoError(t, err)
		assert.False(t, restored, "unconfirmed restore is a no-op")
		still, err := os.ReadFile(f.guard.Path())
		require.NoError(t, err)
		assert.Equal(t, changed, still)

		restored, err = f.manager.Restore(ctx, path, true)
		require.NoError(t, err)
		assert.True(t, restored)

		got, err := os.ReadFile(f.guard.Path())
		require.NoError(t, err)
		assert.Equal(t, original, got, "encrypt=%v", encrypt)
	}
}

func TestEncryptedBackupHidesVault(t *testing.T) {
	f := newFixture(t)
	f.addEntry(t, "Gmail")
	path, ok, err := f.manager.Create(context.Background(), Options{Encrypt: true})
	require.NoError(t, err)
	require.True(t, ok)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "CVB1", string(data[:4]))

	f.keys.key[0] ^= 1
	_, err = f.manager.Open(path)
	assert.ErrorIs(t, err, util.ErrIntegrity)
}

func TestListNewestFirstAndDelete(t *testing.T) {
	f := newFixture(t)
	f.addEntry(t, "Gmail")
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	var paths []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		f.manager.now = func() time.Time { return at }
		path, ok, err := f.manager.Create(context.Background(), Options{Encrypt: i%2 == 0})
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, os.Chtimes(path, at, at))
		paths = append(paths, path)
	}
	assert.Equal(t, "vault-20240601-100000.000000000.bak", filepath.Base(paths[0]))

	list, err := f.manager.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, paths[2], list[0].Path)
	assert.Equal(t, paths[0], list[2].Path)
	assert.True(t, list[0].Encrypted)
	assert.False(t, list[1].Encrypted)

	latest, err := f.manager.Latest()
	require.NoError(t, err)
	assert.Equal(t, paths[2], latest.Path)

	require.NoError(t, f.manager.Delete(list[1].Name))
	list, err = f.manager.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	assert.ErrorIs(t, f.manager.Delete(f.guard.Path()), util.ErrValidation)
	assert.ErrorIs(t, f.manager.Delete(filepath.Join(f.manager.Dir(), "..", "vault.dat")), util.ErrValidation)
	assert.ErrorIs(t, f.manager.Delete(paths[1]), util.ErrNotFound)
}

func TestAuthRecordSnapshot(t *testing.T) {
	f := newFixture(t)
	f.addEntry(t, "Gmail")
	ctx := context.Background()

	plain, ok, err := f.manager.Create(ctx, Options{Encrypt: true})
	require.NoError(t, err)
	require.True(t, ok)
	restored, withAuth, err := f.manager.RestoreWithAuth(ctx, plain, true)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.False(t, withAuth)

	withRecord, ok, err := f.manager.Create(ctx, Options{Encrypt: true, IncludeAuth: true})
	require.NoError(t, err)
	require.True(t, ok)

	restored, withAuth, err = f.manager.RestoreWithAuth(ctx, withRecord, false)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Nil(t, f.keys.restored)

	restored, withAuth, err = f.manager.RestoreWithAuth(ctx, withRecord, true)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.True(t, withAuth)
	assert.Equal(t, 10, f.keys.restored.Iterations)
}

func TestRestoreWithAuthRejectsBadRecordBeforeReplacing(t *testing.T) {
	f := newFixture(t)
	f.addEntry(t, "Gmail")
	ctx := context.Background()

	f.keys.record.AuthHash = []byte("short")
	path, ok, err := f.manager.Create(ctx, Options{Encrypt: true, IncludeAuth: true})
	require.NoError(t, err)
	require.True(t, ok)

	f.addEntry(t, "Bank")
	before, err := f.guard.ReadRaw(ctx)
	require.NoError(t, err)

	restored, _, err := f.manager.RestoreWithAuth(ctx, path, true)
	assert.ErrorIs(t, err, util.ErrFormat)
	assert.False(t, restored)
	after, err := f.guard.ReadRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRestoreWithAuthRollsBackVault(t *testing.T) {
	f := newFixture(t)
	f.addEntry(t, "Gmail")
	ctx := context.Background()

	path, ok, err := f.manager.Create(ctx, Options{Encrypt: true, IncludeAuth: true})
	require.NoError(t, err)
	require.True(t, ok)

	f.addEntry(t, "Bank")
	before, err := f.guard.ReadRaw(ctx)
	require.NoError(t, err)

	f.keys.restoreErr = util.Errorf(util.ErrStorageUnavailable, "keyring locked")
	restored, withAuth, err := f.manager.RestoreWithAuth(ctx, path, true)
	assert.ErrorIs(t, err, util.ErrStorageUnavailable)
	assert.False(t, restored)
	assert.False(t, withAuth)
	after, err := f.guard.ReadRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestOpenRejectsForeignFiles(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	bogus := filepath.Join(dir, "x.bak")
	require.NoError(t, os.WriteFile(bogus, []byte("PK\x03\x04zipfile"), 0o600))

	_, err := f.manager.Open(bogus)
	assert.ErrorIs(t, err, util.ErrFormat)
	_, err = f.manager.Open(filepath.Join(dir, "missing.bak"))
	assert.ErrorIs(t, err, util.ErrNotFound)
	_, err = f.manager.Restore(context.Background(), bogus, true)
	assert.ErrorIs(t, err, util.ErrFormat)
}
