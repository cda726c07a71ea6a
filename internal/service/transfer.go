package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vault-cli/credvault/internal/audit"
	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/store"
	"github.com/vault-cli/credvault/internal/transfer"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

// Export writes every credential in plaintext to w and returns the count.
func (s *Service) Export(ctx context.Context, w io.Writer, format transfer.Format) (int, error) {
	var records []transfer.Record
	err := s.withKey(func(key []byte) error {
		doc, err := s.guard.Read(ctx, key)
		if err != nil {
			return err
		}
		codec, err := s.auth.FieldCodec()
		if err != nil {
			return err
		}
		defer codec.Close()
		for i := range doc.Entries {
			e := &doc.Entries[i]
			secret, err := codec.Open(e.Secret)
			if err != nil {
				return fmt.Errorf("entry %s/%s: %w", e.Service, e.Identifier, err)
			}
			records = append(records, transfer.NewRecord(e.Service, e.Identifier, string(secret), e.CreatedAt, e.UpdatedAt))
			secret.Zero()
		}
		return transfer.Write(w, format, records)
	})
	s.record(audit.OpExport, string(format), err)
	return len(records), err
}

// ExportFile exports to path with owner-only permissions. The format is
// inferred from the extension when format is empty.
func (s *Service) ExportFile(ctx context.Context, path string, format transfer.Format) (int, error) {
	if format == "" {
		f, err := transfer.FormatFromPath(path)
		if err != nil {
			return 0, err
		}
		format = f
	}
	var buf bytes.Buffer
	n, err := s.Export(ctx, &buf, format)
	defer crypto.Zeroize(buf.Bytes())
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o700); err != nil {
		return 0, fmt.Errorf("create export directory: %w", err)
	}
	if err := store.AtomicWriteFile(path, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}
	return n, nil
}

// Import adds records from r. Records that repeat within the file or match
// an existing entry are counted as duplicates; malformed ones are skipped.
func (s *Service) Import(ctx context.Context, r io.Reader, format transfer.Format) (transfer.Result, error) {
	var result transfer.Result
	records, malformed, err := transfer.NewReader().Read(r, format)
	if err != nil {
		return result, err
	}
	result.Malformed = malformed

	err = s.withKey(func(key []byte) error {
		codec, err := s.auth.FieldCodec()
		if err != nil {
			return err
		}
		defer codec.Close()
		now := s.now()
		return s.guard.Update(ctx, key, func(doc *vault.Document) error {
			exists := func(k domain.EntryKey) bool {
				_, err := doc.Find(k.Service, k.Identifier)
				return err == nil
			}
			unique, dups := transfer.Dedup(records, exists)
			result.Duplicates = dups
			for _, rec := range unique {
				entry, err := codec.NewEntry(rec.Service, rec.Identifier, []byte(rec.Password), now)
				if err != nil {
					result.Malformed++
					continue
				}
				entry.CreatedAt, entry.UpdatedAt = rec.Times(now)
				entry.CreatedAt, entry.UpdatedAt = entry.CreatedAt.UTC(), entry.UpdatedAt.UTC()
				if err := doc.Add(entry); err != nil {
					result.Malformed++
					continue
				}
				result.Imported++
			}
			return nil
		})
	})
	s.record(audit.OpImport, string(format), err)
	if err != nil {
		return transfer.Result{}, err
	}
	s.logger.Info().Int("imported", result.Imported).Int("duplicates", result.Duplicates).
		Int("malformed", result.Malformed).Msg("import finished")
	return result, nil
}

// ImportFile imports from path, inferring the format from the extension
// when format is empty.
func (s *Service) ImportFile(ctx context.Context, path string, format transfer.Format) (transfer.Result, error) {
	if format == "" {
		f, err := transfer.FormatFromPath(path)
		if err != nil {
			return transfer.Result{}, err
		}
		format = f
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return transfer.Result{}, util.Errorf(util.ErrNotFound, "import file %s", path)
		}
		return transfer.Result{}, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()
	return s.Import(ctx, f, format)
}
