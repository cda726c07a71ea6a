package service

import (
	"context"
	"path/filepath"

	"github.com/vault-cli/credvault/internal/audit"
	"github.com/vault-cli/credvault/internal/backup"
	"github.com/vault-cli/credvault/internal/domain"
)

// CreateBackup snapshots the vault. ok is false when there was nothing to
// back up: no vault file, or a vault without entries. Checking entries needs
// an unlocked session.
func (s *Service) CreateBackup(ctx context.Context, opts backup.Options) (path string, ok bool, err error) {
	if s.guard.Exists() {
		entries, err := s.entryCount(ctx)
		if err != nil {
			return "", false, err
		}
		if entries == 0 {
			s.logger.Debug().Msg("vault has no entries, nothing to back up")
			return "", false, nil
		}
	}
	path, ok, err = s.backups.Create(ctx, opts)
	if ok || err != nil {
		s.record(audit.OpBackupCreate, filepath.Base(path), err)
	}
	return path, ok, err
}

func (s *Service) entryCount(ctx context.Context) (int, error) {
	var n int
	err := s.withKey(func(key []byte) error {
		doc, err := s.guard.Read(ctx, key)
		if err != nil {
			return err
		}
		n = doc.Len()
		return nil
	})
	return n, err
}

// ListBackups returns backups newest first.
func (s *Service) ListBackups() ([]domain.BackupInfo, error) {
	return s.backups.List()
}

// RestoreBackup replaces the vault with a snapshot. With includeAuth the
// authentication record stored in the snapshot is restored as well. The
// session is locked afterwards because the working key may have changed.
func (s *Service) RestoreBackup(ctx context.Context, path string, confirmed, includeAuth bool) (bool, error) {
	path = s.backups.Resolve(path)
	var restored bool
	var err error
	if includeAuth {
		restored, _, err = s.backups.RestoreWithAuth(ctx, path, confirmed)
	} else {
		restored, err = s.backups.Restore(ctx, path, confirmed)
	}
	if restored || err != nil {
		s.record(audit.OpBackupRestore, filepath.Base(path), err)
	}
	if restored {
		s.auth.Lock()
	}
	return restored, err
}

// DeleteBackup removes one backup from the backup directory.
func (s *Service) DeleteBackup(path string) error {
	path = s.backups.Resolve(path)
	err := s.backups.Delete(path)
	s.record(audit.OpBackupDelete, filepath.Base(path), err)
	return err
}

// AuditEvents returns up to limit recent audit events, oldest first.
func (s *Service) AuditEvents(limit int) ([]domain.Operation, error) {
	return s.audit.Events(limit)
}

// VerifyAudit checks the audit chain.
func (s *Service) VerifyAudit() (int, error) {
	return s.audit.Verify()
}
