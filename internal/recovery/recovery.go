// Package recovery repairs the three on-disk artifacts credvault depends on:
// the master-password artifact, the vault file and the recovery salt.
// Every path prefers a mirrored or backed-up copy and refreshes that copy
// after a successful recovery.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/vault-cli/credvault/internal/auth"
	"github.com/vault-cli/credvault/internal/backup"
	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/device"
	"github.com/vault-cli/credvault/internal/securestore"
	"github.com/vault-cli/credvault/internal/store"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

// Outcome classifies what a recovery run did.
type Outcome int

const (
	// OutcomeHealthy means nothing needed repair.
	OutcomeHealthy Outcome = iota
	// OutcomeRestoredFromBackup means a mirror or backup copy was reinstated.
	OutcomeRestoredFromBackup
	// OutcomeDecrypted means the artifact was recovered with the device key.
	OutcomeDecrypted
	// OutcomeRegenerated means a fresh artifact replaced a lost one.
	OutcomeRegenerated
	// OutcomeResetRequired means no copy survived and only a destructive
	// reset remains.
	OutcomeResetRequired
	// OutcomeConfirmationRequired means repair is possible but overwrites
	// files, so the caller must confirm.
	OutcomeConfirmationRequired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHealthy:
		return "healthy"
	case OutcomeRestoredFromBackup:
		return "restored-from-backup"
	case OutcomeDecrypted:
		return "decrypted"
	case OutcomeRegenerated:
		return "regenerated"
	case OutcomeResetRequired:
		return "reset-required"
	case OutcomeConfirmationRequired:
		return "confirmation-required"
	default:
		return "unknown"
	}
}

// Report describes one recovery run. Cause carries the underlying error
// when the artifact was found damaged, so callers can tell a wrong password
// from corruption with errors.Is.
type Report struct {
	Outcome Outcome
	Detail  string
	Warning string
	Cause   error
}

// mirrorRestorer is implemented by backends that keep a mirror copy.
type mirrorRestorer interface {
	RestoreFromMirror() error
}

// Config wires an Engine.
type Config struct {
	Auth    *auth.Manager
	Mirror  *securestore.FileBackend
	Salt    *device.SaltFile
	Backups *backup.Manager
	Guard   *store.Guard
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Engine runs the recovery paths. None of them needs an unlocked session.
type Engine struct {
	auth    *auth.Manager
	mirror  *securestore.FileBackend
	salt    *device.SaltFile
	backups *backup.Manager
	guard   *store.Guard
	logger  zerolog.Logger
	now     func() time.Time
}

// NewEngine returns an engine for cfg.
func NewEngine(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		auth:    cfg.Auth,
		mirror:  cfg.Mirror,
		salt:    cfg.Salt,
		backups: cfg.Backups,
		guard:   cfg.Guard,
		logger:  cfg.Logger.With().Str("component", "recovery").Logger(),
		now:     now,
	}
}

func (e *Engine) artifactsReadable() error {
	if _, err := e.auth.LoadRecord(); err != nil {
		return err
	}
	sk, err := e.auth.SecretKey()
	if err != nil {
		return err
	}
	crypto.Zeroize(sk)
	return nil
}

// RecoverMasterArtifact restores the secret key and authentication record.
// Order: the primary backend's own mirror, then the device-key sealed
// recovery store (and its mirror). When nothing survives the report asks
// for ResetMasterPassword.
func (e *Engine) RecoverMasterArtifact() (Report, error) {
	cause := e.artifactsReadable()
	if cause == nil {
		if err := e.auth.SyncMirror(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to refresh recovery mirror")
			return Report{Outcome: OutcomeHealthy, Detail: "master-password artifact is intact", Warning: "recovery mirror could not be refreshed: " + err.Error()}, nil
		}
		return Report{Outcome: OutcomeHealthy, Detail: "master-password artifact is intact; recovery mirror refreshed"}, nil
	}
	if !errors.Is(cause, util.ErrNotFound) && !errors.Is(cause, util.ErrFormat) && !errors.Is(cause, util.ErrIntegrity) {
		return Report{}, cause
	}
	e.logger.Warn().Err(cause).Msg("master-password artifact unreadable")

	if r, ok := e.auth.Backend().(mirrorRestorer); ok {
		if err := r.RestoreFromMirror(); err == nil && e.artifactsReadable() == nil {
			e.refreshMirror()
			return Report{Outcome: OutcomeRestoredFromBackup, Detail: "secure store restored from its mirror copy", Cause: cause}, nil
		}
	}

	if e.mirror != nil {
		if err := e.copyFromMirror(); err == nil {
			return Report{Outcome: OutcomeDecrypted, Detail: "master-password artifact recovered with the device recovery key", Cause: cause}, nil
		}
		if err := e.mirror.RestoreFromMirror(); err == nil {
			if err := e.copyFromMirror(); err == nil {
				return Report{Outcome: OutcomeDecrypted, Detail: "master-password artifact recovered from the recovery store's mirror with the device recovery key", Cause: cause}, nil
			}
		}
	}

	return Report{
		Outcome: OutcomeResetRequired,
		Detail:  "no recoverable copy of the master-password artifact was found",
		Warning: "resetting the master password makes the current vault unreadable; it will be preserved beside the new one",
		Cause:   cause,
	}, nil
}

func (e *Engine) refreshMirror() {
	if err := e.auth.SyncMirror(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to refresh recovery mirror")
	}
}

func (e *Engine) copyFromMirror() error {
	if err := e.discardCorruptStore(); err != nil {
		return err
	}
	primary := e.auth.Backend()
	for _, key := range []string{securestore.KeySecretKey, securestore.KeyAuthRecord} {
		v, err := e.mirror.Retrieve(key)
		if err != nil {
			return err
		}
		if key == securestore.KeyAuthRecord {
			if _, err := auth.DecodeRecord(v); err != nil {
				return err
			}
		}
		err = primary.Store(key, v)
		crypto.Zeroize(v)
		if err != nil {
			return err
		}
	}
	return e.artifactsReadable()
}

// ResetMasterPassword is the destructive last resort. The current vault
// file, which can no longer be decrypted, is preserved beside a fresh empty
// vault keyed to newPassword. Without confirmation nothing changes.
func (e *Engine) ResetMasterPassword(ctx context.Context, newPassword string, confirmed bool) (Report, error) {
	if !confirmed {
		return Report{
			Outcome: OutcomeConfirmationRequired,
			Detail:  "resetting the master password was not confirmed",
			Warning: "reset makes existing vault data unreadable",
		}, nil
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return Report{}, err
	}

	var preserved string
	if e.guard.Exists() {
		var err error
		if preserved, err = e.preserve("orphaned"); err != nil {
			return Report{}, err
		}
	}
	if err := e.discardCorruptStore(); err != nil {
		return Report{}, err
	}

	regenerated, err := e.auth.ResetMasterPassword(newPassword)
	if err != nil {
		return Report{}, err
	}
	if err := e.auth.Authenticate(newPassword); err != nil {
		return Report{}, err
	}
	key, err := e.auth.WorkingKey()
	if err != nil {
		return Report{}, err
	}
	defer crypto.Zeroize(key)
	if err := e.guard.Write(ctx, key, vault.NewDocument()); err != nil {
		return Report{}, err
	}
	e.refreshMirror()

	warning := "entries from the previous vault cannot be decrypted with the new master password"
	if preserved != "" {
		warning += "; the old vault was kept at " + preserved
	}
	if regenerated {
		warning += "; a new installation secret key was generated"
	}
	return Report{Outcome: OutcomeRegenerated, Detail: "master password reset and an empty vault created", Warning: warning}, nil
}

// RecoverVault checks the vault against password. The password is verified
// first so a wrong password is reported as util.ErrAuthenticationFailed and
// never mistaken for corruption. A damaged or missing vault is replaced,
// once confirmed, by the newest backup that decrypts under password; the
// damaged file is preserved.
func (e *Engine) RecoverVault(ctx context.Context, password string, confirmed bool) (Report, error) {
	if err := e.auth.Authenticate(password); err != nil {
		return Report{}, err
	}
	key, err := e.auth.WorkingKey()
	if err != nil {
		return Report{}, err
	}
	defer crypto.Zeroize(key)

	cause := e.guard.Verify(ctx, key)
	if cause == nil {
		rep := Report{Outcome: OutcomeHealthy, Detail: "vault authenticates and decodes"}
		e.refreshBackup(ctx, &rep)
		return rep, nil
	}
	if !isDamage(cause) {
		return Report{}, cause
	}
	e.logger.Warn().Err(cause).Msg("vault failed verification")

	if !confirmed {
		return Report{
			Outcome: OutcomeConfirmationRequired,
			Detail:  "vault is damaged: " + describe(cause),
			Warning: "restoring replaces the vault file; the damaged copy is kept",
			Cause:   cause,
		}, nil
	}

	list, err := e.backups.List()
	if err != nil {
		return Report{}, err
	}

	var preserved string
	if e.guard.Exists() {
		if preserved, err = e.preserve("corrupt"); err != nil {
			return Report{}, err
		}
	}

	skipped := 0
	for _, b := range list {
		snap, err := e.backups.Open(b.Path)
		if err != nil {
			skipped++
			continue
		}
		plain, err := vault.Decrypt(snap.Vault, key)
		if err != nil {
			skipped++
			continue
		}
		_, err = vault.UnmarshalDocument(plain)
		crypto.Zeroize(plain)
		if err != nil {
			skipped++
			continue
		}
		if err := e.guard.ReplaceRaw(ctx, snap.Vault); err != nil {
			return Report{}, err
		}
		rep := Report{
			Outcome: OutcomeRestoredFromBackup,
			Detail:  fmt.Sprintf("vault restored from %s", b.Name),
			Cause:   cause,
		}
		if preserved != "" {
			rep.Warning = "damaged vault kept at " + preserved
		}
		if skipped > 0 {
			rep.Warning = joinWarning(rep.Warning, fmt.Sprintf("%d newer backup(s) did not decrypt with this password", skipped))
		}
		e.refreshBackup(ctx, &rep)
		return rep, nil
	}

	rep := Report{
		Outcome: OutcomeResetRequired,
		Detail:  "vault is damaged (" + describe(cause) + ") and no backup decrypts with this password",
		Warning: "use reset to start an empty vault",
		Cause:   cause,
	}
	if preserved != "" {
		rep.Warning = joinWarning("damaged vault kept at "+preserved, rep.Warning)
	}
	return rep, nil
}

func (e *Engine) refreshBackup(ctx context.Context, rep *Report) {
	if _, _, err := e.backups.Create(ctx, backup.Options{Encrypt: true, IncludeAuth: true}); err != nil {
		e.logger.Warn().Err(err).Msg("failed to refresh backup")
		rep.Warning = joinWarning(rep.Warning, "backup could not be refreshed: "+err.Error())
	}
}

// RecoverRecoverySalt repairs the recovery salt pair. When both copies are
// lost a fresh salt is generated and the recovery store is re-sealed under
// it; anything sealed under the old salt is no longer recoverable.
func (e *Engine) RecoverRecoverySalt() (Report, error) {
	primary, pErr := e.salt.Load()
	backupSalt, bErr := e.salt.LoadBackup()

	switch {
	case pErr == nil && bErr == nil && string(primary) == string(backupSalt):
		return Report{Outcome: OutcomeHealthy, Detail: "recovery salt and its backup copy agree"}, nil
	case pErr == nil:
		if err := e.salt.Save(primary); err != nil {
			return Report{}, err
		}
		return Report{Outcome: OutcomeHealthy, Detail: "recovery salt intact; backup copy refreshed", Cause: bErr}, nil
	case bErr == nil:
		if err := e.salt.Save(backupSalt); err != nil {
			return Report{}, err
		}
		return Report{Outcome: OutcomeRestoredFromBackup, Detail: "recovery salt restored from its backup copy", Cause: pErr}, nil
	}

	if _, err := e.salt.Generate(); err != nil {
		return Report{}, err
	}
	rep := Report{
		Outcome: OutcomeRegenerated,
		Detail:  "a new recovery salt was generated",
		Warning: "anything sealed under the previous recovery salt can no longer be recovered with the device key",
		Cause:   pErr,
	}
	if e.mirror != nil {
		for _, path := range []string{e.mirror.Path(), e.mirror.MirrorPath()} {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				e.logger.Warn().Err(err).Str("path", path).Msg("failed to drop stale recovery store")
			}
		}
		if err := e.auth.SyncMirror(); err != nil {
			rep.Warning = joinWarning(rep.Warning, "recovery store could not be re-sealed: "+err.Error())
		} else {
			rep.Detail += "; recovery store re-sealed under it"
		}
	}
	return rep, nil
}

// discardCorruptStore moves an unopenable file-backed secure store aside so
// a reset can start a fresh one.
func (e *Engine) discardCorruptStore() error {
	fb, ok := e.auth.Backend().(*securestore.FileBackend)
	if !ok {
		return nil
	}
	if _, err := fb.Keys(); !errors.Is(err, util.ErrIntegrity) {
		return nil
	}
	dst := fmt.Sprintf("%s.corrupt-%s", fb.Path(), e.now().UTC().Format("20060102-150405"))
	if err := os.Rename(fb.Path(), dst); err != nil {
		return fmt.Errorf("move corrupted secure store aside: %w", err)
	}
	e.logger.Warn().Str("path", dst).Msg("corrupted secure store moved aside")
	return nil
}

func (e *Engine) preserve(tag string) (string, error) {
	dst := fmt.Sprintf("%s.%s-%s", e.guard.Path(), tag, e.now().UTC().Format("20060102-150405"))
	if err := store.AtomicCopyFile(e.guard.Path(), dst); err != nil {
		return "", fmt.Errorf("preserve vault file: %w", err)
	}
	e.logger.Info().Str("path", dst).Msg("vault file preserved")
	return dst, nil
}

func isDamage(err error) bool {
	return errors.Is(err, util.ErrIntegrity) || errors.Is(err, util.ErrFormat) ||
		errors.Is(err, util.ErrCrypto) || errors.Is(err, util.ErrNotFound)
}

func describe(err error) string {
	switch {
	case errors.Is(err, util.ErrNotFound):
		return "vault file is missing"
	case errors.Is(err, util.ErrIntegrity):
		return "authentication check failed, the file was modified or corrupted"
	case errors.Is(err, util.ErrCrypto):
		return "cipher failure after authentication"
	case errors.Is(err, util.ErrFormat):
		return "file is malformed"
	default:
		return err.Error()
	}
}

func joinWarning(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
