package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/securestore"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

// Check is one doctor finding.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
	Hint   string `json:"hint,omitempty"`
}

// HealthReport is the result of Doctor.
type HealthReport struct {
	Checks []Check `json:"checks"`
}

// OK reports whether every check passed.
func (r HealthReport) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Doctor inspects every artifact without modifying anything. The vault
// envelope is only authenticated when the session is unlocked; otherwise
// its header is checked.
func (s *Service) Doctor(ctx context.Context) HealthReport {
	var r HealthReport
	add := func(name string, err error, okDetail string) {
		c := Check{Name: name, OK: err == nil, Detail: okDetail}
		if err != nil {
			c.Detail = err.Error()
			c.Hint = util.Remediation(err)
		}
		r.Checks = append(r.Checks, c)
	}

	backendDetail := s.backend.Name()
	if len(s.warnings) > 0 {
		backendDetail += fmt.Sprintf(" (%d backend(s) skipped)", len(s.warnings))
	}
	add("secure storage", nil, backendDetail)

	add("master password", s.checkAuthArtifacts(), "secret key and authentication record present")
	add("recovery salt", s.checkSalt(), "recovery salt and backup copy present")
	add("recovery store", s.checkRecoveryStore(), "device-key recovery copy present")

	vaultDetail := "vault authenticates"
	if !s.session.IsValid() {
		vaultDetail = "vault header is valid; unlock to authenticate contents"
	}
	add("vault", s.checkVault(ctx), vaultDetail)
	add("file permissions", s.checkPermissions(), "vault file is readable by its owner only")

	n, err := s.audit.Verify()
	add("audit log", err, fmt.Sprintf("%d event(s), chain intact", n))
	return r
}

func (s *Service) checkAuthArtifacts() error {
	if _, err := s.auth.LoadRecord(); err != nil {
		return err
	}
	sk, err := s.auth.SecretKey()
	if err != nil {
		return err
	}
	crypto.Zeroize(sk)
	return nil
}

func (s *Service) checkSalt() error {
	_, err := s.salt.Load()
	if err == nil {
		_, err = s.salt.LoadBackup()
	}
	if err != nil {
		return fmt.Errorf("%w (run 'credvault recover salt')", err)
	}
	return nil
}

func (s *Service) checkRecoveryStore() error {
	v, err := s.mirror.Retrieve(securestore.KeyAuthRecord)
	if err != nil {
		return err
	}
	crypto.Zeroize(v)
	return nil
}

func (s *Service) checkVault(ctx context.Context) error {
	if !s.guard.Exists() {
		return util.Errorf(util.ErrNotFound, "vault file %s", s.guard.Path())
	}
	if s.session.IsValid() {
		return s.withKey(func(key []byte) error {
			return s.guard.Verify(ctx, key)
		})
	}
	data, err := os.ReadFile(s.guard.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return util.Errorf(util.ErrNotFound, "vault file %s", s.guard.Path())
		}
		return err
	}
	_, err = vault.ParsePayload(data)
	return err
}

func (s *Service) checkPermissions() error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(s.guard.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return util.Errorf(util.ErrValidation, "vault file permissions %o are too permissive, fix with: chmod 600 %s",
			perm, s.guard.Path())
	}
	return nil
}
