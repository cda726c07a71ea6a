package device

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/store"
	"github.com/vault-cli/credvault/internal/util"
)

// SaltSize is the recovery salt length in bytes.
const SaltSize = 32

// SaltFile is the recovery salt and its mirrored backup copy.
type SaltFile struct {
	path string
}

// NewSaltFile returns the salt pair stored in dir.
func NewSaltFile(dir string) *SaltFile {
	return &SaltFile{path: filepath.Join(dir, "recovery.salt")}
}

// Path returns the primary salt path.
func (s *SaltFile) Path() string { return s.path }

// BackupPath returns the mirrored copy's path.
func (s *SaltFile) BackupPath() string { return s.path + ".bak" }

// Load reads the primary salt.
func (s *SaltFile) Load() ([]byte, error) {
	return readSalt(s.path)
}

// LoadBackup reads the mirrored salt.
func (s *SaltFile) LoadBackup() ([]byte, error) {
	return readSalt(s.BackupPath())
}

// Save writes salt to both files.
func (s *SaltFile) Save(salt []byte) error {
	if len(salt) != SaltSize {
		return util.Errorf(util.ErrValidation, "recovery salt must be %d bytes", SaltSize)
	}
	encoded := []byte(hex.EncodeToString(salt) + "\n")
	if err := store.AtomicWriteFile(s.path, encoded); err != nil {
		return fmt.Errorf("failed to write recovery salt: %w", err)
	}
	if err := store.AtomicWriteFile(s.BackupPath(), encoded); err != nil {
		return fmt.Errorf("failed to write recovery salt backup: %w", err)
	}
	return nil
}

// Generate creates and saves a fresh salt. Anything keyed to the previous
// salt can no longer be recovered with the device key.
func (s *SaltFile) Generate() ([]byte, error) {
	salt, err := crypto.RandomBytes(SaltSize)
	if err != nil {
		return nil, err
	}
	if err := s.Save(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Ensure loads the salt, creating it on first use. It repairs either copy
// from the other when one is missing.
func (s *SaltFile) Ensure() ([]byte, error) {
	salt, err := s.Load()
	if err == nil {
		if _, bErr := s.LoadBackup(); bErr != nil {
			return salt, s.Save(salt)
		}
		return salt, nil
	}
	if !errors.Is(err, util.ErrNotFound) {
		return nil, err
	}
	if backup, bErr := s.LoadBackup(); bErr == nil {
		return backup, s.Save(backup)
	}
	return s.Generate()
}

func readSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, util.Errorf(util.ErrNotFound, "recovery salt %s", path)
		}
		return nil, fmt.Errorf("failed to read recovery salt: %w", err)
	}
	salt, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(salt) != SaltSize {
		return nil, util.Errorf(util.ErrFormat, "recovery salt %s is malformed", path)
	}
	return salt, nil
}
