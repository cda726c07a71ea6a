// Package store owns the vault file on disk: the advisory lock that
// serialises writers, atomic temp-file replacement and the integrity guard
// that seals the whole document.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

// Guard wraps every read and write of the vault file with the whole-file
// envelope, an exclusive lock and an atomic replace.
type Guard struct {
	path        string
	lockTimeout time.Duration
	logger      zerolog.Logger
}

// NewGuard returns a guard for the vault file at path.
func NewGuard(path string, lockTimeout time.Duration, logger zerolog.Logger) *Guard {
	return &Guard{
		path:        filepath.Clean(path),
		lockTimeout: lockTimeout,
		logger:      logger.With().Str("component", "guard").Logger(),
	}
}

// Path returns the vault file path.
func (g *Guard) Path() string { return g.path }

// Exists reports whether the vault file is present.
func (g *Guard) Exists() bool {
	_, err := os.Stat(g.path)
	return err == nil
}

// WithLock runs fn while holding the vault lock. The lock is released on
// every return path, including a panic in fn.
func (g *Guard) WithLock(ctx context.Context, fn func() error) (err error) {
	lock := NewFileLock(g.path)
	if err := lock.Lock(ctx, g.lockTimeout); err != nil {
		return err
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			g.logger.Warn().Err(unlockErr).Msg("failed to release vault lock")
			if err == nil {
				err = unlockErr
			}
		}
	}()
	return fn()
}

// Read decrypts and decodes the vault under key. A file that fails
// authentication is reported as util.ErrIntegrity and left untouched.
func (g *Guard) Read(ctx context.Context, key []byte) (*vault.Document, error) {
	var doc *vault.Document
	err := g.WithLock(ctx, func() error {
		var err error
		doc, err = g.read(key)
		return err
	})
	return doc, err
}

// Update runs a read-modify-write cycle under the lock. Nothing is written
// when fn returns an error.
func (g *Guard) Update(ctx context.Context, key []byte, fn func(doc *vault.Document) error) error {
	return g.WithLock(ctx, func() error {
		doc, err := g.read(key)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return g.write(key, doc)
	})
}

// Write replaces the vault with doc.
func (g *Guard) Write(ctx context.Context, key []byte, doc *vault.Document) error {
	return g.WithLock(ctx, func() error {
		return g.write(key, doc)
	})
}

// ReadRaw returns the encrypted vault bytes.
func (g *Guard) ReadRaw(ctx context.Context) ([]byte, error) {
	var data []byte
	err := g.WithLock(ctx, func() error {
		var err error
		data, err = g.readRaw()
		return err
	})
	return data, err
}

// ReplaceRaw atomically overwrites the vault with already-encrypted bytes.
func (g *Guard) ReplaceRaw(ctx context.Context, data []byte) error {
	return g.WithLock(ctx, func() error {
		return AtomicWriteFile(g.path, data)
	})
}

// Rekey re-encrypts the vault from oldKey to newKey in two phases: the new
// file is written and synced beside the old one, then commit runs, and only
// when commit succeeds is the new file renamed into place.
func (g *Guard) Rekey(ctx context.Context, oldKey, newKey []byte, commit func() error) error {
	return g.WithLock(ctx, func() error {
		doc, err := g.read(oldKey)
		if err != nil {
			return err
		}
		data, err := g.seal(newKey, doc)
		if err != nil {
			return err
		}

		w, err := NewAtomicWriter(g.path)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if commit != nil {
			if err := commit(); err != nil {
				if abortErr := w.Abort(); abortErr != nil {
					g.logger.Warn().Err(abortErr).Msg("failed to discard re-encrypted vault")
				}
				return err
			}
		}
		if err := w.Commit(); err != nil {
			return fmt.Errorf("%w: re-encrypted vault not installed: %v", util.ErrFatalInternal, err)
		}
		return nil
	})
}

// Verify checks that the vault authenticates under key.
func (g *Guard) Verify(ctx context.Context, key []byte) error {
	_, err := g.Read(ctx, key)
	return err
}

// Checksum returns the hex SHA-256 of the raw vault file.
func (g *Guard) Checksum() (string, error) {
	data, err := g.readRaw()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.Hash(data)), nil
}

func (g *Guard) readRaw() ([]byte, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, util.Errorf(util.ErrNotFound, "vault file %s", g.path)
		}
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}
	if err := EnsureFilePermissions(g.path); err != nil {
		g.logger.Warn().Err(err).Msg("could not tighten vault file permissions")
	}
	return data, nil
}

func (g *Guard) read(key []byte) (*vault.Document, error) {
	data, err := g.readRaw()
	if err != nil {
		return nil, err
	}
	plain, err := vault.Decrypt(data, key)
	if err != nil {
		g.logger.Error().Err(err).Str("path", g.path).Msg("vault file failed verification")
		return nil, fmt.Errorf("vault %s: %w", g.path, err)
	}
	defer crypto.Zeroize(plain)
	return vault.UnmarshalDocument(plain)
}

func (g *Guard) seal(key []byte, doc *vault.Document) ([]byte, error) {
	plain, err := vault.MarshalDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vault: %w", err)
	}
	defer crypto.Zeroize(plain)
	return vault.Encrypt(plain, key)
}

func (g *Guard) write(key []byte, doc *vault.Document) error {
	data, err := g.seal(key, doc)
	if err != nil {
		return err
	}
	if err := AtomicWriteFile(g.path, data); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	g.logger.Debug().Int("entries", doc.Len()).Msg("vault written")
	return nil
}
