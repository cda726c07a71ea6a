package recovery

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-cli/credvault/internal/auth"
	"github.com/vault-cli/credvault/internal/backup"
	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/device"
	"github.com/vault-cli/credvault/internal/securestore"
	"github.com/vault-cli/credvault/internal/session"
	"github.com/vault-cli/credvault/internal/store"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

const password = "Correct1!"

type fixture struct {
	dir     string
	primary securestore.Backend
	mirror  *securestore.FileBackend
	salt    *device.SaltFile
	auth    *auth.Manager
	guard   *store.Guard
	backups *backup.Manager
	engine  *Engine
}

func newFixture(t *testing.T, primary func(dir string) securestore.Backend) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, primary: primary(dir)}

	recoveryDir := filepath.Join(dir, "recovery")
	f.salt = device.NewSaltFile(recoveryDir)
	f.mirror = securestore.NewFileBackend(recoveryDir, func() ([]byte, error) {
		salt, err := f.salt.Ensure()
		if err != nil {
			return nil, err
		}
		return device.Key(salt), nil
	}, zerolog.Nop())

	f.auth = auth.NewManager(f.primary, session.New(time.Minute),
		auth.WithMirror(f.mirror),
		auth.WithParams(auth.Params{Iterations: 1000, MaxFailedAttempts: 3, LockoutCooldown: 30 * time.Second}))
	require.NoError(t, f.auth.Setup(password))

	f.guard = store.NewGuard(filepath.Join(dir, "vault.dat"), time.Second, zerolog.Nop())
	f.backups = backup.NewManager(filepath.Join(dir, "backups"), f.guard, f.auth, zerolog.Nop())
	f.engine = NewEngine(Config{
		Auth:    f.auth,
		Mirror:  f.mirror,
		Salt:    f.salt,
		Backups: f.backups,
		Guard:   f.guard,
		Logger:  zerolog.Nop(),
	})

	require.NoError(t, f.auth.Authenticate(password))
	codec, err := f.auth.FieldCodec()
	require.NoError(t, err)
	defer codec.Close()
	entry, err := codec.NewEntry("Gmail", "alice@example.com", []byte("S3cr3t!23"), time.Now())
	require.NoError(t, err)
	doc := vault.NewDocument()
	require.NoError(t, doc.Add(entry))
	key := f.workingKey(t)
	require.NoError(t, f.guard.Write(context.Background(), key, doc))
	return f
}

func memoryPrimary(string) securestore.Backend { return securestore.NewMemoryBackend() }

func filePrimary(dir string) securestore.Backend {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return securestore.NewFileBackend(filepath.Join(dir, "secure"), func() ([]byte, error) {
		return append([]byte(nil), key...), nil
	}, zerolog.Nop())
}

func (f *fixture) workingKey(t *testing.T) []byte {
	t.Helper()
	key, err := f.auth.WorkingKey()
	require.NoError(t, err)
	return key
}

func (f *fixture) wipePrimary(t *testing.T) {
	t.Helper()
	require.NoError(t, f.primary.Remove(securestore.KeySecretKey))
	require.NoError(t, f.primary.Remove(securestore.KeyAuthRecord))
}

func (f *fixture) assertPassword(t *testing.T, pw string) {
	t.Helper()
	ok, err := f.auth.Verify(pw)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecoverMasterArtifactHealthy(t *testing.T) {
	f := newFixture(t, memoryPrimary)
	require.NoError(t, os.Remove(f.mirror.Path()))

	rep, err := f.engine.RecoverMasterArtifact()
	require.NoError(t, err)
	assert.Equal(t, OutcomeHealthy, rep.Outcome)

	_, err = f.mirror.Retrieve(securestore.KeyAuthRecord)
	assert.NoError(t, err, "healthy run refreshes the mirror")
}

func TestRecoverMasterArtifactFromStoreMirror(t *testing.T) {
	f := newFixture(t, filePrimary)
	fb := f.primary.(*securestore.FileBackend)
	require.NoError(t, os.Remove(fb.Path()))

	rep, err := f.engine.RecoverMasterArtifact()
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestoredFromBackup, rep.Outcome)
	assert.ErrorIs(t, rep.Cause, util.ErrNotFound)
	f.assertPassword(t, password)
}

func TestRecoverMasterArtifactWithDeviceKey(t *testing.T) {
	f := newFixture(t, memoryPrimary)
	f.wipePrimary(t)

	rep, err := f.engine.RecoverMasterArtifact()
	require.NoError(t, err)
	assert.Equal(t, OutcomeDecrypted, rep.Outcome)
	f.assertPassword(t, password)

	require.NoError(t, f.auth.Authenticate(password))
	_, err = f.guard.Read(context.Background(), f.workingKey(t))
	assert.NoError(t, err, "vault stays readable with the recovered secret key")
}

func TestRecoverMasterArtifactReplacesCorruptStore(t *testing.T) {
	f := newFixture(t, filePrimary)
	fb := f.primary.(*securestore.FileBackend)
	garbage := bytes.Repeat([]byte{0xA5}, 16384)
	require.NoError(t, os.WriteFile(fb.Path(), garbage, 0o600))
	require.NoError(t, os.WriteFile(fb.MirrorPath(), garbage, 0o600))

	rep, err := f.engine.RecoverMasterArtifact()
	require.NoError(t, err)
	assert.Equal(t, OutcomeDecrypted, rep.Outcome)
	assert.ErrorIs(t, rep.Cause, util.ErrIntegrity)
	f.assertPassword(t, password)

	matches, err := filepath.Glob(fb.Path() + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestRecoverMasterArtifactResetRequired(t *testing.T) {
	f := newFixture(t, memoryPrimary)
	f.wipePrimary(t)
	require.NoError(t, os.Remove(f.mirror.Path()))
	require.NoError(t, os.Remove(f.mirror.MirrorPath()))

	rep, err := f.engine.RecoverMasterArtifact()
	require.NoError(t, err)
	assert.Equal(t, OutcomeResetRequired, rep.Outcome)
	assert.NotEmpty(t, rep.Warning)

	before, err := os.ReadFile(f.guard.Path())
	require.NoError(t, err)

	rep, err = f.engine.ResetMasterPassword(context.Background(), "NewPass1!", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmationRequired, rep.Outcome)
	after, err := os.ReadFile(f.guard.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after, "unconfirmed reset changes nothing")

	rep, err = f.engine.ResetMasterPassword(context.Background(), "NewPass1!", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRegenerated, rep.Outcome)
	assert.Contains(t, rep.Warning, "secret key")
	f.assertPassword(t, "NewPass1!")

	doc, err := f.guard.Read(context.Background(), f.workingKey(t))
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Len())

	matches, err := filepath.Glob(f.guard.Path() + ".orphaned-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	orphan, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, before, orphan)
}

func TestResetMasterPasswordRejectsWeakPassword(t *testing.T) {
	f := newFixture(t, memoryPrimary)
	_, err := f.engine.ResetMasterPassword(context.Background(), "weak", true)
	assert.ErrorIs(t, err, util.ErrValidation)
	f.assertPassword(t, password)
}

func TestRecoverVaultWrongPassword(t *testing.T) {
	f := newFixture(t, memoryPrimary)
	_, err := f.engine.RecoverVault(context.Background(), "Wrong1!", true)
	assert.ErrorIs(t, err, util.ErrAuthenticationFailed)
}

func TestRecoverVaultHealthyRefreshesBackup(t *testing.T) {
	f := newFixture(t, memoryPrimary)
	rep, err := f.engine.RecoverVault(context.Background(), password, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHealthy, rep.Outcome)

	list, err := f.backups.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecoverVaultFromBackup(t *testing.T) {
	f := newFixture(t, memoryPrimary)
	ctx := context.Background()
	_, ok, err := f.backups.Create(ctx, backup.Options{Encrypt: true})
	require.NoError(t, err)
	require.True(t, ok)

	data, err := os.ReadFile(f.guard.Path())
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, os.WriteFile(f.guard.Path(), data, 0o600))

	rep, err := f.engine.RecoverVault(ctx, password, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmationRequired, rep.Outcome)
	assert.ErrorIs(t, rep.Cause, util.ErrIntegrity)
	untouched, err := os.ReadFile(f.guard.Path())
	require.NoError(t, err)
	assert.Equal(t, data, untouched)

	rep, err = f.engine.RecoverVault(ctx, password, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestoredFromBackup, rep.Outcome)

	doc, err := f.guard.Read(ctx, f.workingKey(t))
	require.NoError(t, err)
	_, err = doc.Find("gmail", "alice@example.com")
	assert.NoError(t, err)

	matches, err := filepath.Glob(f.guard.Path() + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	preserved, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, data, preserved)
}

func TestRecoverVaultWithoutBackup(t *testing.T) {
	f := newFixture(t, memoryPrimary)
	require.NoError(t, os.Remove(f.guard.Path()))

	rep, err := f.engine.RecoverVault(context.Background(), password, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeResetRequired, rep.Outcome)
	assert.ErrorIs(t, rep.Cause, util.ErrNotFound)
}

func TestRecoverRecoverySalt(t *testing.T) {
	f := newFixture(t, memoryPrimary)
	original, err := f.salt.Load()
	require.NoError(t, err)

	rep, err := f.engine.RecoverRecoverySalt()
	require.NoError(t, err)
	assert.Equal(t, OutcomeHealthy, rep.Outcome)

	require.NoError(t, os.WriteFile(f.salt.BackupPath(), []byte("zz"), 0o600))
	rep, err = f.engine.RecoverRecoverySalt()
	require.NoError(t, err)
	assert.Equal(t, OutcomeHealthy, rep.Outcome)
	restored, err := f.salt.LoadBackup()
	require.NoError(t, err)
	assert.Equal(t, original, restored)

	require.NoError(t, os.Remove(f.salt.Path()))
	rep, err = f.engine.RecoverRecoverySalt()
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestoredFromBackup, rep.Outcome)
	restored, err = f.salt.Load()
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestRecoverRecoverySaltRegenerates(t *testing.T) {
	f := newFixture(t, memoryPrimary)
	original, err := f.salt.Load()
	require.NoError(t, err)
	require.NoError(t, os.Remove(f.salt.Path()))
	require.NoError(t, os.Remove(f.salt.BackupPath()))

	rep, err := f.engine.RecoverRecoverySalt()
	require.NoError(t, err)
	assert.Equal(t, OutcomeRegenerated, rep.Outcome)
	assert.NotEmpty(t, rep.Warning)

	fresh, err := f.salt.Load()
	require.NoError(t, err)
	assert.NotEqual(t, original, fresh)

	// The recovery store was re-sealed under the new salt.
	f.wipePrimary(t)
	rep, err = f.engine.RecoverMasterArtifact()
	require.NoError(t, err)
	assert.Equal(t, OutcomeDecrypted, rep.Outcome)
	f.assertPassword(t, password)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "restored-from-backup", OutcomeRestoredFromBackup.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
