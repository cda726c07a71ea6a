package securestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/store"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

var secretsBucket = []byte("secrets")

// KeyFunc supplies the 32-byte key that seals values at rest.
type KeyFunc func() ([]byte, error)

// FileBackend stores sealed values in a bbolt database inside an
// owner-only directory and keeps a mirror copy after every change.
type FileBackend struct {
	dir    string
	keyFn  KeyFunc
	logger zerolog.Logger
}

// NewFileBackend returns a file backend rooted at dir.
func NewFileBackend(dir string, keyFn KeyFunc, logger zerolog.Logger) *FileBackend {
	return &FileBackend{
		dir:    filepath.Clean(dir),
		keyFn:  keyFn,
		logger: logger.With().Str("component", "securestore.file").Logger(),
	}
}

func (b *FileBackend) Name() string { return "file" }

// Path returns the database path.
func (b *FileBackend) Path() string { return filepath.Join(b.dir, "secure.db") }

// MirrorPath returns the mirror copy's path.
func (b *FileBackend) MirrorPath() string { return b.Path() + ".bak" }

// IsAvailable reports whether the directory can be created and the seal key
// is obtainable or merely missing.
func (b *FileBackend) IsAvailable() bool {
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return false
	}
	key, err := b.keyFn()
	if err != nil {
		// A lost recovery salt is repaired through recovery, which needs
		// the store selected.
		return errors.Is(err, util.ErrNotFound)
	}
	crypto.Zeroize(key)
	return true
}

// sealKey reports a missing key as unavailable storage, so a lost salt is
// never mistaken for an empty store.
func (b *FileBackend) sealKey() ([]byte, error) {
	key, err := b.keyFn()
	if err != nil {
		return nil, fmt.Errorf("%w: secure store seal key: %v", util.ErrStorageUnavailable, err)
	}
	return key, nil
}

func (b *FileBackend) open(readOnly bool) (*bbolt.DB, error) {
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secure store directory: %w", err)
	}
	if err := os.Chmod(b.dir, 0o700); err != nil {
		b.logger.Warn().Err(err).Msg("could not restrict secure store directory")
	}
	db, err := bbolt.Open(b.Path(), 0o600, &bbolt.Options{Timeout: 5 * time.Second, ReadOnly: readOnly})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) || errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to open secure store: %w", err)
		}
		// ErrInvalid, ErrChecksum, ErrVersionMismatch and short files.
		return nil, fmt.Errorf("%w: secure store %s is corrupted: %v", util.ErrIntegrity, b.Path(), err)
	}
	return db, nil
}

func (b *FileBackend) closeDB(db *bbolt.DB) {
	if err := db.Close(); err != nil {
		b.logger.Warn().Err(err).Msg("failed to close secure store")
	}
}

func (b *FileBackend) Store(key string, value []byte) error {
	sealKey, err := b.sealKey()
	if err != nil {
		return err
	}
	defer crypto.Zeroize(sealKey)
	sealed, err := vault.Encrypt(value, sealKey)
	if err != nil {
		return err
	}

	db, err := b.open(false)
	if err != nil {
		return err
	}
	defer b.closeDB(db)

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(secretsBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), sealed)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return b.mirror(db)
}

func (b *FileBackend) Retrieve(key string) ([]byte, error) {
	if _, err := os.Stat(b.Path()); errors.Is(err, os.ErrNotExist) {
		return nil, util.Errorf(util.ErrNotFound, "%s: secure store %s does not exist", key, b.Path())
	}
	db, err := b.open(true)
	if err != nil {
		return nil, err
	}
	defer b.closeDB(db)

	var sealed []byte
	err = db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(secretsBucket)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			sealed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if sealed == nil {
		return nil, util.Errorf(util.ErrNotFound, "%s not in secure store", key)
	}

	sealKey, err := b.sealKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(sealKey)
	value, err := vault.Decrypt(sealed, sealKey)
	if err != nil {
		return nil, fmt.Errorf("secure store value %s: %w", key, err)
	}
	return value, nil
}

func (b *FileBackend) Remove(key string) error {
	if _, err := os.Stat(b.Path()); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	db, err := b.open(false)
	if err != nil {
		return err
	}
	defer b.closeDB(db)

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(secretsBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return b.mirror(db)
}

// Keys lists stored keys in order.
func (b *FileBackend) Keys() ([]string, error) {
	if _, err := os.Stat(b.Path()); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	db, err := b.open(true)
	if err != nil {
		return nil, err
	}
	defer b.closeDB(db)

	var keys []string
	err = db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(secretsBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	sort.Strings(keys)
	return keys, err
}

// mirror writes a consistent snapshot of db to the mirror path.
func (b *FileBackend) mirror(db *bbolt.DB) error {
	w, err := store.NewAtomicWriter(b.MirrorPath())
	if err != nil {
		return err
	}
	err = db.View(func(tx *bbolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			b.logger.Warn().Err(abortErr).Msg("failed to discard mirror")
		}
		return fmt.Errorf("failed to mirror secure store: %w", err)
	}
	return w.Commit()
}

// RestoreFromMirror replaces the database with its mirror copy.
func (b *FileBackend) RestoreFromMirror() error {
	if _, err := os.Stat(b.MirrorPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return util.Errorf(util.ErrNotFound, "secure store mirror %s", b.MirrorPath())
		}
		return err
	}
	check, err := bbolt.Open(b.MirrorPath(), 0o600, &bbolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return util.Errorf(util.ErrIntegrity, "secure store mirror is unreadable: %v", err)
	}
	b.closeDB(check)

	if err := store.AtomicCopyFile(b.MirrorPath(), b.Path()); err != nil {
		return fmt.Errorf("failed to restore secure store: %w", err)
	}
	b.logger.Info().Str("path", b.Path()).Msg("secure store restored from mirror")
	return nil
}
