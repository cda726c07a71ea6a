// Package auth owns the per-installation secret key and the authentication
// record, verifies master passwords and unlocks the session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/securestore"
	"github.com/vault-cli/credvault/internal/session"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

// BackupKeyInfo is the HKDF label for the backup snapshot key.
const BackupKeyInfo = "credvault/backup/v1"

// State is the authentication state.
type State int

const (
	StateUninitialized State = iota
	StateLocked
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Params controls key derivation and the failed-attempt policy.
type Params struct {
	Iterations        int
	Digest            string
	MaxFailedAttempts int
	LockoutCooldown   time.Duration
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		Iterations:        DefaultIterations,
		Digest:            crypto.DigestSHA256,
		MaxFailedAttempts: 5,
		LockoutCooldown:   30 * time.Second,
	}
}

// RekeyFunc re-encrypts vault data from oldKey to newKey. It must call
// commit after the new data is durable and before it replaces the old.
type RekeyFunc func(oldKey, newKey []byte, commit func() error) error

// Option configures a Manager.
type Option func(*Manager)

// WithMirror keeps a second copy of the secret key and record, used by
// recovery when the primary backend loses them.
func WithMirror(b securestore.Backend) Option {
	return func(m *Manager) { m.mirror = b }
}

// WithParams overrides DefaultParams.
func WithParams(p Params) Option {
	return func(m *Manager) { m.params = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager implements the setup, authenticate and change-password flows.
// Failed attempts drain a token bucket of MaxFailedAttempts tokens that
// refills one token per LockoutCooldown; an empty bucket locks out further
// attempts until it refills. A success refills it completely.
type Manager struct {
	backend securestore.Backend
	mirror  securestore.Backend
	session *session.Session
	params  Params
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewManager returns a manager persisting to backend and unlocking sess.
func NewManager(backend securestore.Backend, sess *session.Session, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		session: sess,
		params:  DefaultParams(),
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.params.Iterations <= 0 {
		m.params.Iterations = DefaultIterations
	}
	if m.params.Digest == "" {
		m.params.Digest = crypto.DigestSHA256
	}
	if m.params.MaxFailedAttempts <= 0 {
		m.params.MaxFailedAttempts = DefaultParams().MaxFailedAttempts
	}
	if m.params.LockoutCooldown <= 0 {
		m.params.LockoutCooldown = DefaultParams().LockoutCooldown
	}
	m.logger = m.logger.With().Str("component", "auth").Str("backend", backend.Name()).Logger()
	m.resetLimiter()
	return m
}

func (m *Manager) resetLimiter() {
	m.limiter = rate.NewLimiter(rate.Every(m.params.LockoutCooldown), m.params.MaxFailedAttempts)
}

// Backend returns the primary storage backend.
func (m *Manager) Backend() securestore.Backend { return m.backend }

// Session returns the session this manager unlocks.
func (m *Manager) Session() *session.Session { return m.session }

// Initialized reports whether both the secret key and the record exist.
func (m *Manager) Initialized() (bool, error) {
	for _, key := range []string{securestore.KeySecretKey, securestore.KeyAuthRecord} {
		if _, err := m.backend.Retrieve(key); err != nil {
			if errors.Is(err, util.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// State derives the current state from storage and the session.
func (m *Manager) State() State {
	if ok, err := m.Initialized(); err != nil || !ok {
		return StateUninitialized
	}
	if m.session.IsValid() {
		return StateUnlocked
	}
	return StateLocked
}

// Setup creates the secret key if absent and stores a record for password.
// The manager is left locked.
func (m *Manager) Setup(password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok, err := m.Initialized(); err != nil {
		return err
	} else if ok {
		return util.Errorf(util.ErrValidation, "vault is already initialized")
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}

	sk, err := m.ensureSecretKey()
	if err != nil {
		return err
	}
	defer crypto.Zeroize(sk)

	rec, err := newRecord(password, sk, m.params.Iterations, m.params.Digest, m.now())
	if err != nil {
		return err
	}
	if err := m.saveRecord(rec); err != nil {
		return err
	}
	m.logger.Info().Int("iterations", rec.Iterations).Str("digest", rec.Digest).Msg("master password set")
	return nil
}

func (m *Manager) ensureSecretKey() ([]byte, error) {
	sk, err := m.SecretKey()
	if err == nil {
		return sk, nil
	}
	if !errors.Is(err, util.ErrNotFound) {
		return nil, err
	}
	sk, err = crypto.RandomBytes(SecretKeySize)
	if err != nil {
		return nil, err
	}
	if err := m.storeBoth(securestore.KeySecretKey, sk); err != nil {
		crypto.Zeroize(sk)
		return nil, err
	}
	m.logger.Info().Msg("generated installation secret key")
	return sk, nil
}

// SecretKey loads the installation secret key. It never leaves the process.
func (m *Manager) SecretKey() ([]byte, error) {
	sk, err := m.backend.Retrieve(securestore.KeySecretKey)
	if err != nil {
		return nil, err
	}
	if len(sk) != SecretKeySize {
		crypto.Zeroize(sk)
		return nil, util.Errorf(util.ErrFormat, "secret key has %d bytes, want %d", len(sk), SecretKeySize)
	}
	return sk, nil
}

// LoadRecord loads the stored authentication record.
func (m *Manager) LoadRecord() (*domain.AuthenticationRecord, error) {
	data, err := m.backend.Retrieve(securestore.KeyAuthRecord)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(data)
}

// RestoreRecord stores rec as the current record, for example from a backup
// snapshot or a recovery mirror.
func (m *Manager) RestoreRecord(rec *domain.AuthenticationRecord) error {
	if err := ValidateRecord(rec); err != nil {
		return err
	}
	return m.saveRecord(rec)
}

// ValidateRecord checks an in-memory record the same way a stored one is
// checked on load.
func ValidateRecord(rec *domain.AuthenticationRecord) error {
	if rec == nil {
		return util.Errorf(util.ErrFormat, "authentication record is missing")
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = DecodeRecord(data)
	return err
}

func (m *Manager) saveRecord(rec *domain.AuthenticationRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode authentication record: %w", err)
	}
	return m.storeBoth(securestore.KeyAuthRecord, data)
}

// storeBoth writes key to the primary backend and refreshes the mirror. A
// mirror failure is only logged.
func (m *Manager) storeBoth(key string, value []byte) error {
	if err := m.backend.Store(key, value); err != nil {
		return err
	}
	if m.mirror != nil {
		if err := m.mirror.Store(key, value); err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("failed to refresh recovery mirror")
		}
	}
	return nil
}

// SyncMirror copies the current secret key and record into the mirror.
func (m *Manager) SyncMirror() error {
	if m.mirror == nil {
		return nil
	}
	for _, key := range []string{securestore.KeySecretKey, securestore.KeyAuthRecord} {
		v, err := m.backend.Retrieve(key)
		if err != nil {
			return err
		}
		err = m.mirror.Store(key, v)
		crypto.Zeroize(v)
		if err != nil {
			return err
		}
	}
	return nil
}

// Verify checks candidate against the record in constant time without
// touching the session or the attempt limiter.
func (m *Manager) Verify(candidate string) (bool, error) {
	rec, sk, err := m.loadMaterial()
	if err != nil {
		return false, err
	}
	defer crypto.Zeroize(sk)
	return verify(rec, candidate, sk)
}

func verify(rec *domain.AuthenticationRecord, candidate string, sk []byte) (bool, error) {
	got, err := authHash(rec, candidate, sk)
	if err != nil {
		return false, err
	}
	defer crypto.Zeroize(got)
	return crypto.TimingSafeEqual(got, rec.AuthHash), nil
}

func (m *Manager) loadMaterial() (*domain.AuthenticationRecord, []byte, error) {
	rec, err := m.LoadRecord()
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, nil, util.Errorf(util.ErrNotFound, "vault is not initialized")
		}
		return nil, nil, err
	}
	sk, err := m.SecretKey()
	if err != nil {
		return nil, nil, err
	}
	return rec, sk, nil
}

// Authenticate verifies candidate and, on success, unlocks the session with
// the derived working key. A wrong password returns
// util.ErrAuthenticationFailed; while locked out, util.ErrLockedOut is
// returned without evaluating the candidate.
func (m *Manager) Authenticate(candidate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if tokens := m.limiter.TokensAt(now); tokens < 1 {
		wait := time.Duration(math.Ceil((1 - tokens) * float64(m.params.LockoutCooldown)))
		return util.Errorf(util.ErrLockedOut, "retry in %s", wait.Round(time.Second))
	}

	key, err := m.check(candidate, now)
	if err != nil {
		return err
	}
	m.session.Start(key)
	m.logger.Debug().Msg("session unlocked")
	return nil
}

// check verifies candidate and returns the working key. Must hold m.mu.
func (m *Manager) check(candidate string, now time.Time) ([]byte, error) {
	rec, sk, err := m.loadMaterial()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(sk)

	ok, err := verify(rec, candidate, sk)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.limiter.AllowN(now, 1)
		m.logger.Warn().Float64("attempts_left", math.Floor(m.limiter.TokensAt(now))).Msg("master password rejected")
		return nil, util.ErrAuthenticationFailed
	}
	m.resetLimiter()
	return workingKey(rec, candidate, sk)
}

// PromptFunc supplies a candidate password for the given 1-based attempt.
type PromptFunc func(ctx context.Context, attempt int) (string, error)

// UnlockWithRetry prompts for the master password up to maxAttempts times.
// Only authentication failures are retried; prompt errors, lockout and
// storage errors end the loop.
func (m *Manager) UnlockWithRetry(ctx context.Context, prompt PromptFunc, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = m.params.MaxFailedAttempts
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var candidate string
		candidate, err = prompt(ctx, attempt)
		if err != nil {
			return err
		}
		err = m.Authenticate(candidate)
		if err == nil || !errors.Is(err, util.ErrAuthenticationFailed) {
			return err
		}
	}
	return err
}

// Lock wipes the session.
func (m *Manager) Lock() {
	m.session.Invalidate()
}

// WorkingKey returns a copy of the unlocked session key.
func (m *Manager) WorkingKey() ([]byte, error) {
	return m.session.Key()
}

// FieldCodec returns the field-level secret codec. It requires an unlocked
// session.
func (m *Manager) FieldCodec() (*vault.FieldCodec, error) {
	if err := m.session.Touch(); err != nil {
		return nil, err
	}
	sk, err := m.SecretKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(sk)
	return vault.NewFieldCodec(sk)
}

// BackupKey derives the backup snapshot key from the secret key. It does
// not require a session, so backups can be restored out of band.
func (m *Manager) BackupKey() ([]byte, error) {
	sk, err := m.SecretKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(sk)
	return crypto.ExpandKey(sk, BackupKeyInfo, crypto.KeySize)
}

// ChangeMasterPassword re-verifies oldPassword, then replaces the record and
// the working key. The secret key is untouched, so field ciphertexts stay
// valid. rekey moves the vault to the new key; when it fails after the new
// record was committed, the old record is put back.
func (m *Manager) ChangeMasterPassword(oldPassword, newPassword string, rekey RekeyFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.limiter.TokensAt(now) < 1 {
		return util.Errorf(util.ErrLockedOut, "too many failed attempts")
	}
	oldRec, err := m.LoadRecord()
	if err != nil {
		return err
	}
	oldKey, err := m.check(oldPassword, now)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(oldKey)

	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	if oldPassword == newPassword {
		return util.Errorf(util.ErrValidation, "new master password must differ from the current one")
	}

	sk, err := m.SecretKey()
	if err != nil {
		return err
	}
	defer crypto.Zeroize(sk)

	newRec, err := newRecord(newPassword, sk, m.params.Iterations, m.params.Digest, now)
	if err != nil {
		return err
	}
	newRec.CreatedAt = oldRec.CreatedAt
	newKey, err := workingKey(newRec, newPassword, sk)
	if err != nil {
		return err
	}

	committed := false
	commit := func() error {
		if err := m.saveRecord(newRec); err != nil {
			return err
		}
		committed = true
		return nil
	}

	if rekey != nil {
		err = rekey(oldKey, newKey, commit)
	} else {
		err = commit()
	}
	if err != nil {
		if committed {
			if rbErr := m.saveRecord(oldRec); rbErr != nil {
				m.logger.Error().Err(rbErr).Msg("failed to roll back authentication record")
				return fmt.Errorf("%w: password change half-applied: %v (rollback: %v)", util.ErrFatalInternal, err, rbErr)
			}
		}
		crypto.Zeroize(newKey)
		return err
	}

	m.session.Start(newKey)
	m.logger.Info().Msg("master password changed")
	return nil
}

// ResetMasterPassword replaces the record without verifying the old
// password. The secret key is kept when it can still be read, otherwise a
// new one is generated and regenerated reports true: data sealed under the
// old key is then unrecoverable.
func (m *Manager) ResetMasterPassword(newPassword string) (regenerated bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ValidatePassword(newPassword); err != nil {
		return false, err
	}
	sk, err := m.SecretKey()
	if err != nil {
		if !errors.Is(err, util.ErrNotFound) && !errors.Is(err, util.ErrFormat) && !errors.Is(err, util.ErrIntegrity) {
			return false, err
		}
		if err := m.backend.Remove(securestore.KeySecretKey); err != nil {
			return false, err
		}
		if sk, err = m.ensureSecretKey(); err != nil {
			return false, err
		}
		regenerated = true
	}
	defer crypto.Zeroize(sk)

	rec, err := newRecord(newPassword, sk, m.params.Iterations, m.params.Digest, m.now())
	if err != nil {
		return regenerated, err
	}
	if err := m.saveRecord(rec); err != nil {
		return regenerated, err
	}
	m.session.Invalidate()
	m.resetLimiter()
	m.logger.Warn().Bool("secret_key_regenerated", regenerated).Msg("master password reset")
	return regenerated, nil
}
