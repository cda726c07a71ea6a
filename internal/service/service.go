// Package service is the core facade the CLI talks to. It wires storage
// backend selection, authentication, the session, the integrity guard,
// backups, recovery and the audit log for one data directory.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/vault-cli/credvault/internal/audit"
	"github.com/vault-cli/credvault/internal/auth"
	"github.com/vault-cli/credvault/internal/backup"
	"github.com/vault-cli/credvault/internal/config"
	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/device"
	"github.com/vault-cli/credvault/internal/recovery"
	"github.com/vault-cli/credvault/internal/securestore"
	"github.com/vault-cli/credvault/internal/session"
	"github.com/vault-cli/credvault/internal/store"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

// secureStoreKeyInfo separates the file backend's seal key from the
// recovery store's, both derived from the device key.
const secureStoreKeyInfo = "credvault/securestore/v1"

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	Logger zerolog.Logger
	// Backend replaces backend selection.
	Backend securestore.Backend
	// Now replaces the wall clock for the session, auth and audit.
	Now func() time.Time
}

// Service is an opened data directory.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time

	backend  securestore.Backend
	warnings []error
	mirror   *securestore.FileBackend
	salt     *device.SaltFile

	session  *session.Session
	auth     *auth.Manager
	guard    *store.Guard
	backups  *backup.Manager
	recovery *recovery.Engine
	audit    *audit.Log
}

// Open prepares the data directory and wires every component. It never
// prompts and never unlocks.
func Open(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &Service{cfg: cfg, logger: logger, now: now}
	s.salt = device.NewSaltFile(cfg.RecoveryDir())
	s.mirror = securestore.NewFileBackend(cfg.RecoveryDir(), s.deviceKey, logger)
	if s.fresh() {
		if _, err := s.salt.Ensure(); err != nil {
			logger.Warn().Err(err).Msg("failed to create recovery salt")
		}
	} else if err := s.checkSalt(); err != nil {
		logger.Warn().Err(err).Msg("recovery salt damaged, run 'credvault recover salt'")
	}

	if opts.Backend != nil {
		s.backend = opts.Backend
	} else if s.backend, err = s.selectBackend(dataDir); err != nil {
		return nil, err
	}

	s.session = session.New(cfg.SessionDuration(), session.WithClock(session.Clock(now)))
	s.auth = auth.NewManager(s.backend, s.session,
		auth.WithMirror(s.mirror),
		auth.WithParams(auth.Params{
			Iterations:        cfg.KDF.Iterations,
			Digest:            cfg.KDF.Digest,
			MaxFailedAttempts: cfg.Auth.MaxFailedAttempts,
			LockoutCooldown:   cfg.Cooldown(),
		}),
		auth.WithLogger(logger),
		auth.WithClock(now),
	)
	s.guard = store.NewGuard(cfg.VaultPath(), cfg.LockWait(), logger)
	s.backups = backup.NewManager(cfg.BackupDir(), s.guard, s.auth, logger)
	s.recovery = recovery.NewEngine(recovery.Config{
		Auth:    s.auth,
		Mirror:  s.mirror,
		Salt:    s.salt,
		Backups: s.backups,
		Guard:   s.guard,
		Logger:  logger,
		Now:     now,
	})
	s.audit = audit.New(cfg.AuditPath(), logger)
	return s, nil
}

// fresh reports whether nothing keyed to a recovery salt exists yet. Only
// then may Open create the salt; a lost salt on an existing installation is
// left for the recovery engine, which reports the regeneration.
func (s *Service) fresh() bool {
	for _, path := range []string{
		s.cfg.VaultPath(),
		s.mirror.Path(),
		s.mirror.MirrorPath(),
		securestore.NewFileBackend(s.cfg.SecureStoreDir(), nil, s.logger).Path(),
	} {
		if _, err := os.Stat(path); err == nil {
			return false
		}
	}
	return true
}

// deviceKey derives the device key from the primary salt, falling back to
// its backup copy.
func (s *Service) deviceKey() ([]byte, error) {
	salt, err := s.salt.Load()
	if err != nil {
		var bErr error
		if salt, bErr = s.salt.LoadBackup(); bErr != nil {
			return nil, fmt.Errorf("%w (run 'credvault recover salt')", err)
		}
	}
	return device.Key(salt), nil
}

func (s *Service) fileStoreKey() ([]byte, error) {
	dk, err := s.deviceKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(dk)
	return crypto.ExpandKey(dk, secureStoreKeyInfo, crypto.KeySize)
}

func (s *Service) selectBackend(dataDir string) (securestore.Backend, error) {
	native := securestore.NewNativeBackend(securestore.DefaultService, dataDir, s.logger)
	file := securestore.NewFileBackend(s.cfg.SecureStoreDir(), s.fileStoreKey, s.logger)

	var candidates []securestore.Backend
	switch s.cfg.Storage.Backend {
	case config.BackendNative:
		candidates = []securestore.Backend{native}
	case config.BackendFile:
		candidates = []securestore.Backend{file}
	default:
		candidates = []securestore.Backend{native, file}
	}

	backend, warnings := securestore.Select(candidates...)
	for _, w := range warnings {
		s.logger.Warn().Err(w).Msg("secure storage backend skipped")
	}
	if backend == nil {
		return nil, warnings[len(warnings)-1]
	}
	s.warnings = warnings
	s.logger.Debug().Str("backend", backend.Name()).Msg("secure storage selected")
	return backend, nil
}

// Config returns the configuration the service was opened with.
func (s *Service) Config() *config.Config { return s.cfg }

// BackendName names the secure storage backend in use.
func (s *Service) BackendName() string { return s.backend.Name() }

// StorageWarnings lists backends that were skipped during selection.
func (s *Service) StorageWarnings() []error { return s.warnings }

// Recovery returns the recovery engine.
func (s *Service) Recovery() *recovery.Engine { return s.recovery }

// Initialized reports whether a master password has been set.
func (s *Service) Initialized() (bool, error) {
	return s.auth.Initialized()
}

// State is the authentication state.
func (s *Service) State() auth.State { return s.auth.State() }

// SessionState describes the session without exposing its key.
func (s *Service) SessionState() session.Snapshot { return s.session.State() }

// Setup sets the first master password, creates an empty vault and leaves
// the session unlocked. The returned estimate is advisory.
func (s *Service) Setup(ctx context.Context, password string) (crypto.Strength, error) {
	strength := crypto.EstimateStrength(password)
	if ok, err := s.auth.Initialized(); err != nil {
		return strength, err
	} else if ok {
		return strength, util.Errorf(util.ErrValidation, "vault is already initialized")
	}
	if s.guard.Exists() {
		return strength, util.Errorf(util.ErrValidation,
			"a vault file exists at %s but no master password is stored; run 'credvault recover master'", s.guard.Path())
	}

	if err := s.auth.Setup(password); err != nil {
		return strength, err
	}
	if err := s.auth.Authenticate(password); err != nil {
		return strength, err
	}
	key, err := s.auth.WorkingKey()
	if err != nil {
		return strength, err
	}
	defer crypto.Zeroize(key)
	err = s.guard.Write(ctx, key, vault.NewDocument())
	s.record(audit.OpSetup, "", err)
	return strength, err
}

// Unlock authenticates password and starts the session.
func (s *Service) Unlock(password string) error {
	err := s.auth.Authenticate(password)
	s.record(audit.OpUnlock, "", err)
	return err
}

// UnlockWithRetry prompts up to maxAttempts times.
func (s *Service) UnlockWithRetry(ctx context.Context, prompt auth.PromptFunc, maxAttempts int) error {
	err := s.auth.UnlockWithRetry(ctx, prompt, maxAttempts)
	s.record(audit.OpUnlock, "", err)
	return err
}

// Lock wipes the session key.
func (s *Service) Lock() {
	if s.session.IsValid() {
		s.record(audit.OpLock, "", nil)
	}
	s.auth.Lock()
}

// ChangeMasterPassword re-encrypts the vault under a new password. The
// session stays unlocked with the new working key.
func (s *Service) ChangeMasterPassword(ctx context.Context, oldPassword, newPassword string) error {
	rekey := func(oldKey, newKey []byte, commit func() error) error {
		if !s.guard.Exists() {
			return commit()
		}
		return s.guard.Rekey(ctx, oldKey, newKey, commit)
	}
	err := s.auth.ChangeMasterPassword(oldPassword, newPassword, rekey)
	s.record(audit.OpPasswordChange, "", err)
	return err
}

// EncryptValue seals an arbitrary value under the session working key.
func (s *Service) EncryptValue(plaintext []byte) ([]byte, error) {
	key, err := s.auth.WorkingKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(key)
	return vault.Encrypt(plaintext, key)
}

// DecryptValue opens a value sealed by EncryptValue.
func (s *Service) DecryptValue(payload []byte) (crypto.Secret, error) {
	key, err := s.auth.WorkingKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(key)
	plain, err := vault.Decrypt(payload, key)
	if err != nil {
		return nil, err
	}
	return crypto.Secret(plain), nil
}

// Close locks the session and releases locked memory.
func (s *Service) Close() error {
	s.auth.Lock()
	return nil
}

// record appends an audit event. Audit failures never fail the operation.
func (s *Service) record(op, subject string, opErr error) {
	if err := s.audit.Record(op, subject, opErr == nil); err != nil {
		s.logger.Warn().Err(err).Str("op", op).Msg("failed to write audit event")
	}
}

// withKey runs fn with a copy of the working key that is wiped afterwards.
func (s *Service) withKey(fn func(key []byte) error) error {
	key, err := s.auth.WorkingKey()
	if err != nil {
		if errors.Is(err, util.ErrSessionExpired) {
			return fmt.Errorf("%w: unlock the vault first", err)
		}
		return err
	}
	defer crypto.Zeroize(key)
	return fn(key)
}
