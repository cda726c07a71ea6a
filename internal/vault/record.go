package vault

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/util"
)

// DocumentFormat is the current version of the decrypted vault document.
const DocumentFormat = 1

// MaxFieldLength bounds service and identifier lengths.
const MaxFieldLength = 256

// FieldKeyInfo is the HKDF label for the field-level secret key.
const FieldKeyInfo = "credvault/field/v1"

// Document is the plaintext structure wrapped by the whole-file envelope.
// Each entry's secret is still ciphertext under the field key.
type Document struct {
	Format  int                 `json:"format"`
	Entries []domain.VaultEntry `json:"entries"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{Format: DocumentFormat, Entries: []domain.VaultEntry{}}
}

// MarshalDocument serializes doc with its entries in natural-key order.
func MarshalDocument(doc *Document) ([]byte, error) {
	if doc == nil {
		doc = NewDocument()
	}
	doc.Format = DocumentFormat
	if doc.Entries == nil {
		doc.Entries = []domain.VaultEntry{}
	}
	doc.sort()
	return json.Marshal(doc)
}

// UnmarshalDocument parses a decrypted vault document. Duplicate natural
// keys or an unknown format are reported as ErrFormat.
func UnmarshalDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, util.Errorf(util.ErrFormat, "decode vault document: %v", err)
	}
	if doc.Format != DocumentFormat {
		return nil, util.Errorf(util.ErrFormat, "unsupported vault document format %d", doc.Format)
	}
	if doc.Entries == nil {
		doc.Entries = []domain.VaultEntry{}
	}
	seen := make(map[domain.EntryKey]struct{}, len(doc.Entries))
	for i := range doc.Entries {
		k := doc.Entries[i].Key()
		if _, dup := seen[k]; dup {
			return nil, util.Errorf(util.ErrFormat, "duplicate entry %s/%s", doc.Entries[i].Service, doc.Entries[i].Identifier)
		}
		seen[k] = struct{}{}
	}
	doc.sort()
	return &doc, nil
}

func (d *Document) sort() {
	sort.SliceStable(d.Entries, func(i, j int) bool {
		return d.Entries[i].Key().Less(d.Entries[j].Key())
	})
}

func (d *Document) index(k domain.EntryKey) int {
	for i := range d.Entries {
		if d.Entries[i].Key() == k {
			return i
		}
	}
	return -1
}

// Len returns the number of entries.
func (d *Document) Len() int { return len(d.Entries) }

// Find returns the entry with the given natural key.
func (d *Document) Find(service, identifier string) (*domain.VaultEntry, error) {
	i := d.index(domain.NewEntryKey(service, identifier))
	if i < 0 {
		return nil, util.Errorf(util.ErrNotFound, "entry %s/%s", service, identifier)
	}
	return &d.Entries[i], nil
}

// Add inserts entry, rejecting a duplicate natural key.
func (d *Document) Add(entry domain.VaultEntry) error {
	if err := ValidateEntryFields(entry.Service, entry.Identifier); err != nil {
		return err
	}
	if d.index(entry.Key()) >= 0 {
		return util.Errorf(util.ErrValidation, "entry %s/%s already exists", entry.Service, entry.Identifier)
	}
	d.Entries = append(d.Entries, entry)
	d.sort()
	return nil
}

// Replace overwrites the secret of an existing entry.
func (d *Document) Replace(service, identifier string, secret []byte, now time.Time) error {
	e, err := d.Find(service, identifier)
	if err != nil {
		return err
	}
	e.Secret = secret
	e.UpdatedAt = now.UTC()
	return nil
}

// Remove deletes the entry with the given natural key.
func (d *Document) Remove(service, identifier string) error {
	i := d.index(domain.NewEntryKey(service, identifier))
	if i < 0 {
		return util.Errorf(util.ErrNotFound, "entry %s/%s", service, identifier)
	}
	d.Entries = append(d.Entries[:i], d.Entries[i+1:]...)
	return nil
}

// Clear removes every entry.
func (d *Document) Clear() {
	d.Entries = []domain.VaultEntry{}
}

// Summaries lists entries matching filter, without secrets.
func (d *Document) Summaries(filter *domain.Filter) []domain.EntrySummary {
	var tokens []string
	if filter != nil {
		tokens = filter.SearchTokens
		if len(tokens) == 0 {
			tokens = ParseSearchTokens(filter.Search)
		}
	}
	out := make([]domain.EntrySummary, 0, len(d.Entries))
	for i := range d.Entries {
		e := &d.Entries[i]
		if !MatchesSearchTokens(e, tokens) {
			continue
		}
		out = append(out, domain.EntrySummary{
			Service:    e.Service,
			Identifier: e.Identifier,
			CreatedAt:  e.CreatedAt,
			UpdatedAt:  e.UpdatedAt,
		})
	}
	return out
}

// ValidateEntryFields checks the shape of a natural key.
func ValidateEntryFields(service, identifier string) error {
	fields := [][2]string{{"service", service}, {"identifier", identifier}}
	for _, f := range fields {
		name, v := f[0], strings.TrimSpace(f[1])
		if v == "" {
			return util.Errorf(util.ErrValidation, "%s is required", name)
		}
		if len(v) > MaxFieldLength {
			return util.Errorf(util.ErrValidation, "%s exceeds %d characters", name, MaxFieldLength)
		}
		if strings.IndexFunc(v, unicode.IsControl) >= 0 {
			return util.Errorf(util.ErrValidation, "%s contains control characters", name)
		}
	}
	return nil
}

// FieldCodec seals individual entry secrets with the field key. It is
// independent of the whole-file key, so a leak of one layer does not expose
// plaintext secrets.
type FieldCodec struct {
	key []byte
}

// NewFieldCodec derives the field key from the installation secret key.
func NewFieldCodec(secretKey []byte) (*FieldCodec, error) {
	key, err := crypto.ExpandKey(secretKey, FieldKeyInfo, crypto.KeySize)
	if err != nil {
		return nil, err
	}
	return &FieldCodec{key: key}, nil
}

// Seal encrypts a plaintext secret.
func (c *FieldCodec) Seal(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, util.Errorf(util.ErrValidation, "secret is required")
	}
	return Seal(SchemeCTR, c.key, secret)
}

// Open decrypts an entry secret.
func (c *FieldCodec) Open(sealed []byte) (crypto.Secret, error) {
	pt, err := Open(c.key, sealed)
	if err != nil {
		return nil, err
	}
	return crypto.Secret(pt), nil
}

// NewEntry builds an entry with a sealed secret.
func (c *FieldCodec) NewEntry(service, identifier string, secret []byte, now time.Time) (domain.VaultEntry, error) {
	if err := ValidateEntryFields(service, identifier); err != nil {
		return domain.VaultEntry{}, err
	}
	sealed, err := c.Seal(secret)
	if err != nil {
		return domain.VaultEntry{}, err
	}
	now = now.UTC()
	return domain.VaultEntry{
		Service:    strings.TrimSpace(service),
		Identifier: strings.TrimSpace(identifier),
		Secret:     sealed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Close wipes the field key.
func (c *FieldCodec) Close() {
	crypto.Zeroize(c.key)
}
