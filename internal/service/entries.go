package service

import (
	"context"

	"github.com/vault-cli/credvault/internal/audit"
	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/vault"
)

func subject(service, identifier string) string {
	k := domain.NewEntryKey(service, identifier)
	return k.Service + "/" + k.Identifier
}

// AddEntry stores a new credential. A duplicate natural key is
// util.ErrValidation.
func (s *Service) AddEntry(ctx context.Context, service, identifier string, secret []byte) error {
	err := s.withKey(func(key []byte) error {
		codec, err := s.auth.FieldCodec()
		if err != nil {
			return err
		}
		defer codec.Close()
		entry, err := codec.NewEntry(service, identifier, secret, s.now())
		if err != nil {
			return err
		}
		return s.guard.Update(ctx, key, func(doc *vault.Document) error {
			return doc.Add(entry)
		})
	})
	s.record(audit.OpAdd, subject(service, identifier), err)
	return err
}

// UpdateEntry replaces the secret of an existing credential.
func (s *Service) UpdateEntry(ctx context.Context, service, identifier string, secret []byte) error {
	err := s.withKey(func(key []byte) error {
		codec, err := s.auth.FieldCodec()
		if err != nil {
			return err
		}
		defer codec.Close()
		sealed, err := codec.Seal(secret)
		if err != nil {
			return err
		}
		return s.guard.Update(ctx, key, func(doc *vault.Document) error {
			return doc.Replace(service, identifier, sealed, s.now())
		})
	})
	s.record(audit.OpUpdate, subject(service, identifier), err)
	return err
}

// DeleteEntry removes a credential.
func (s *Service) DeleteEntry(ctx context.Context, service, identifier string) error {
	err := s.withKey(func(key []byte) error {
		return s.guard.Update(ctx, key, func(doc *vault.Document) error {
			return doc.Remove(service, identifier)
		})
	})
	s.record(audit.OpDelete, subject(service, identifier), err)
	return err
}

// GetSecret decrypts one credential's secret. The caller should Zero it.
func (s *Service) GetSecret(ctx context.Context, service, identifier string) (crypto.Secret, error) {
	var secret crypto.Secret
	err := s.withKey(func(key []byte) error {
		doc, err := s.guard.Read(ctx, key)
		if err != nil {
			return err
		}
		entry, err := doc.Find(service, identifier)
		if err != nil {
			return err
		}
		codec, err := s.auth.FieldCodec()
		if err != nil {
			return err
		}
		defer codec.Close()
		secret, err = codec.Open(entry.Secret)
		return err
	})
	s.record(audit.OpGet, subject(service, identifier), err)
	return secret, err
}

// ListEntries returns entry summaries, filtered when filter is non-nil.
func (s *Service) ListEntries(ctx context.Context, filter *domain.Filter) ([]domain.EntrySummary, error) {
	var out []domain.EntrySummary
	err := s.withKey(func(key []byte) error {
		doc, err := s.guard.Read(ctx, key)
		if err != nil {
			return err
		}
		out = doc.Summaries(filter)
		return nil
	})
	return out, err
}

// ClearVault removes every entry and returns how many were removed.
// Without confirmation nothing changes.
func (s *Service) ClearVault(ctx context.Context, confirmed bool) (int, error) {
	if !confirmed {
		return 0, nil
	}
	var removed int
	err := s.withKey(func(key []byte) error {
		return s.guard.Update(ctx, key, func(doc *vault.Document) error {
			removed = doc.Len()
			doc.Clear()
			return nil
		})
	})
	s.record(audit.OpClear, "", err)
	return removed, err
}
