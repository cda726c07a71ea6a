// Package backup creates, lists, restores and deletes timestamped vault
// snapshots.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/vault-cli/credvault/internal/auth"
	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/store"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

const (
	// SnapshotFormat is the current snapshot layout.
	SnapshotFormat = 1

	filePrefix = "vault-"
	fileSuffix = ".bak"
	timeLayout = "20060102-150405.000000000"
)

var (
	magicEncrypted = []byte("CVB1")
	magicPlain     = []byte("CVB0")
)

// Snapshot is the decoded content of a backup file. Vault holds the
// encrypted vault bytes exactly as they were on disk.
type Snapshot struct {
	Format     int                          `json:"format"`
	CreatedAt  time.Time                    `json:"created_at"`
	Vault      []byte                       `json:"vault"`
	AuthRecord *domain.AuthenticationRecord `json:"auth_record,omitempty"`
}

// Options controls Create.
type Options struct {
	// Encrypt seals the snapshot under the backup key.
	Encrypt bool
	// IncludeAuth stores the authentication record alongside the vault.
	IncludeAuth bool
}

// Keys provides the key material backups need. It is satisfied by
// *auth.Manager.
type Keys interface {
	BackupKey() ([]byte, error)
	LoadRecord() (*domain.AuthenticationRecord, error)
	RestoreRecord(rec *domain.AuthenticationRecord) error
}

// Manager manages the backup directory.
type Manager struct {
	dir    string
	guard  *store.Guard
	keys   Keys
	now    func() time.Time
	logger zerolog.Logger
}

// NewManager returns a manager storing snapshots in dir.
func NewManager(dir string, guard *store.Guard, keys Keys, logger zerolog.Logger) *Manager {
	return &Manager{
		dir:    filepath.Clean(dir),
		guard:  guard,
		keys:   keys,
		now:    time.Now,
		logger: logger.With().Str("component", "backup").Logger(),
	}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string { return m.dir }

// Create writes a snapshot of the current vault. It returns ok=false and no
// error when the vault is missing or empty.
func (m *Manager) Create(ctx context.Context, opts Options) (path string, ok bool, err error) {
	raw, err := m.guard.ReadRaw(ctx)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if len(raw) == 0 {
		return "", false, nil
	}

	snap := &Snapshot{Format: SnapshotFormat, CreatedAt: m.now().UTC(), Vault: raw}
	if opts.IncludeAuth {
		rec, err := m.keys.LoadRecord()
		if err != nil {
			return "", false, fmt.Errorf("load authentication record: %w", err)
		}
		snap.AuthRecord = rec
	}

	data, err := m.encode(snap, opts.Encrypt)
	if err != nil {
		return "", false, err
	}

	path, err = m.nextPath(snap.CreatedAt)
	if err != nil {
		return "", false, err
	}
	if err := store.AtomicWriteFile(path, data); err != nil {
		return "", false, fmt.Errorf("write backup: %w", err)
	}
	m.logger.Info().Str("path", path).Bool("encrypted", opts.Encrypt).Msg("backup created")
	return path, true, nil
}

func (m *Manager) nextPath(at time.Time) (string, error) {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	for {
		path := filepath.Join(m.dir, filePrefix+at.Format(timeLayout)+fileSuffix)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		at = at.Add(time.Nanosecond)
	}
}

func (m *Manager) encode(snap *Snapshot, encrypt bool) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("encode backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress backup: %w", err)
	}

	if !encrypt {
		return append(append([]byte(nil), magicPlain...), buf.Bytes()...), nil
	}
	key, err := m.keys.BackupKey()
	if err != nil {
		return nil, fmt.Errorf("backup key: %w", err)
	}
	defer crypto.Zeroize(key)
	sealed, err := vault.Encrypt(buf.Bytes(), key)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), magicEncrypted...), sealed...), nil
}

// Resolve maps a bare backup name onto the backup directory.
func (m *Manager) Resolve(path string) string {
	if !filepath.IsAbs(path) && filepath.Base(path) == path {
		return filepath.Join(m.dir, path)
	}
	return filepath.Clean(path)
}

// Open reads and decodes a backup file.
func (m *Manager) Open(path string) (*Snapshot, error) {
	path = m.Resolve(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, util.Errorf(util.ErrNotFound, "backup %s", path)
		}
		return nil, fmt.Errorf("read backup: %w", err)
	}
	return m.decode(data)
}

func (m *Manager) decode(data []byte) (*Snapshot, error) {
	if len(data) < len(magicPlain) {
		return nil, util.Errorf(util.ErrFormat, "backup is too short")
	}
	magic, body := data[:len(magicPlain)], data[len(magicPlain):]
	switch {
	case bytes.Equal(magic, magicPlain):
	case bytes.Equal(magic, magicEncrypted):
		key, err := m.keys.BackupKey()
		if err != nil {
			return nil, fmt.Errorf("backup key: %w", err)
		}
		defer crypto.Zeroize(key)
		body, err = vault.Decrypt(body, key)
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
	default:
		return nil, util.Errorf(util.ErrFormat, "not a credvault backup")
	}

	zr, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var snap Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil && !errors.Is(err, io.EOF) {
		return nil, util.Errorf(util.ErrFormat, "decode backup: %v", err)
	}
	if snap.Format != SnapshotFormat {
		return nil, util.Errorf(util.ErrFormat, "unsupported backup format %d", snap.Format)
	}
	if _, err := vault.ParsePayload(snap.Vault); err != nil {
		return nil, fmt.Errorf("backup vault payload: %w", err)
	}
	return &snap, nil
}

// List returns backups newest first.
func (m *Manager) List() ([]domain.BackupInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var out []domain.BackupInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(m.dir, name)
		out = append(out, domain.BackupInfo{
			Path:      path,
			Name:      name,
			ModTime:   info.ModTime(),
			Size:      info.Size(),
			Encrypted: isEncrypted(path),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

func isEncrypted(path string) bool {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, len(magicEncrypted))
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	return bytes.Equal(magic, magicEncrypted)
}

// Latest returns the newest backup, or util.ErrNotFound.
func (m *Manager) Latest() (domain.BackupInfo, error) {
	list, err := m.List()
	if err != nil {
		return domain.BackupInfo{}, err
	}
	if len(list) == 0 {
		return domain.BackupInfo{}, util.Errorf(util.ErrNotFound, "no backups in %s", m.dir)
	}
	return list[0], nil
}

// Restore atomically replaces the vault with the snapshot's bytes. Nothing
// happens unless confirmed is true.
func (m *Manager) Restore(ctx context.Context, path string, confirmed bool) (bool, error) {
	if !confirmed {
		return false, nil
	}
	snap, err := m.Open(path)
	if err != nil {
		return false, err
	}
	if err := m.guard.ReplaceRaw(ctx, snap.Vault); err != nil {
		return false, fmt.Errorf("restore vault: %w", err)
	}
	m.logger.Info().Str("path", path).Msg("vault restored from backup")
	return true, nil
}

// RestoreWithAuth restores the vault together with the snapshot's
// authentication record. The record is checked before anything changes,
// and the previous vault is put back when saving the record fails. A
// snapshot without a record restores the vault only and withAuth is false.
func (m *Manager) RestoreWithAuth(ctx context.Context, path string, confirmed bool) (restored, withAuth bool, err error) {
	if !confirmed {
		return false, false, nil
	}
	snap, err := m.Open(path)
	if err != nil {
		return false, false, err
	}
	if snap.AuthRecord != nil {
		if err := auth.ValidateRecord(snap.AuthRecord); err != nil {
			return false, false, fmt.Errorf("backup %s: %w", filepath.Base(path), err)
		}
	}
	prev, err := m.guard.ReadRaw(ctx)
	if err != nil && !errors.Is(err, util.ErrNotFound) {
		return false, false, err
	}
	if err := m.guard.ReplaceRaw(ctx, snap.Vault); err != nil {
		return false, false, fmt.Errorf("restore vault: %w", err)
	}
	if snap.AuthRecord == nil {
		m.logger.Warn().Str("path", path).Msg("backup carries no authentication record, vault restored alone")
		return true, false, nil
	}
	if err := m.keys.RestoreRecord(snap.AuthRecord); err != nil {
		if rbErr := m.rollback(ctx, prev); rbErr != nil {
			m.logger.Error().Err(rbErr).Msg("failed to roll back vault after restore")
			return true, false, fmt.Errorf("%w: restore half-applied: %v (rollback: %v)", util.ErrFatalInternal, err, rbErr)
		}
		return false, false, fmt.Errorf("restore authentication record: %w", err)
	}
	m.logger.Info().Str("path", path).Msg("vault and authentication record restored from backup")
	return true, true, nil
}

// rollback puts prev back as the vault; nil means there was no vault.
func (m *Manager) rollback(ctx context.Context, prev []byte) error {
	if prev != nil {
		return m.guard.ReplaceRaw(ctx, prev)
	}
	if err := os.Remove(m.guard.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Delete removes a backup inside the backup directory. It is irreversible.
func (m *Manager) Delete(path string) error {
	abs, err := filepath.Abs(m.Resolve(path))
	if err != nil {
		return util.Errorf(util.ErrValidation, "invalid backup path %q", path)
	}
	dir, err := filepath.Abs(m.dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return util.Errorf(util.ErrValidation, "%s is not inside the backup directory", path)
	}
	if !strings.HasSuffix(rel, fileSuffix) {
		return util.Errorf(util.ErrValidation, "%s is not a backup file", path)
	}
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return util.Errorf(util.ErrNotFound, "backup %s", path)
		}
		return fmt.Errorf("delete backup: %w", err)
	}
	m.logger.Info().Str("path", abs).Msg("backup deleted")
	return nil
}
