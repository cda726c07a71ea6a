// Package transfer reads and writes the plaintext JSON, CSV and line
// exchange formats. Exported files carry secrets in the clear and are written with
// owner-only permissions.
package transfer

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/util"
	"github.com/vault-cli/credvault/internal/vault"
)

// Format is an exchange file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	// FormatText is one "service - identifier - secret" line per entry.
	FormatText Format = "txt"
)

// csvHeader is the fixed CSV header row.
var csvHeader = []string{"service", "identifier", "password", "createdAt", "updatedAt"}

// ParseFormat accepts "json", "csv" or "txt" in any case.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatText:
		return FormatText, nil
	default:
		return "", util.Errorf(util.ErrValidation, "unsupported format %q (json, csv or txt)", s)
	}
}

// FormatFromPath infers the format from a file extension. A path without
// one is JSON.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return FormatJSON, nil
	}
	return ParseFormat(ext)
}

// Record is one exported credential.
type Record struct {
	Service    string `json:"service" validate:"required,max=256"`
	Identifier string `json:"identifier" validate:"required,max=256"`
	Password   string `json:"password" validate:"required"`
	CreatedAt  string `json:"createdAt,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	UpdatedAt  string `json:"updatedAt,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// NewRecord builds a record with RFC 3339 timestamps.
func NewRecord(service, identifier, password string, created, updated time.Time) Record {
	return Record{
		Service:    service,
		Identifier: identifier,
		Password:   password,
		CreatedAt:  created.UTC().Format(time.RFC3339),
		UpdatedAt:  updated.UTC().Format(time.RFC3339),
	}
}

// Key returns the record's natural key.
func (r Record) Key() domain.EntryKey {
	return domain.NewEntryKey(r.Service, r.Identifier)
}

// Times returns the parsed timestamps, falling back to now when absent.
func (r Record) Times(now time.Time) (created, updated time.Time) {
	created, updated = now, now
	if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
		created = t
	}
	if t, err := time.Parse(time.RFC3339, r.UpdatedAt); err == nil {
		updated = t
	}
	return created, updated
}

// Result summarizes an import.
type Result struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Malformed  int `json:"malformed"`
}

// Write encodes records in format.
func Write(w io.Writer, format Format, records []Record) error {
	switch format {
	case FormatJSON:
		if records == nil {
			records = []Record{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("encode json export: %w", err)
		}
		return nil
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("encode csv export: %w", err)
		}
		for _, r := range records {
			if err := cw.Write([]string{r.Service, r.Identifier, r.Password, r.CreatedAt, r.UpdatedAt}); err != nil {
				return fmt.Errorf("encode csv export: %w", err)
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatText:
		bw := bufio.NewWriter(w)
		for _, r := range records {
			if err := vault.CheckLine(r.Service, r.Identifier, r.Password); err != nil {
				return fmt.Errorf("%w (use json or csv)", err)
			}
			if _, err := bw.WriteString(vault.FormatLine(r.Service, r.Identifier, r.Password) + "\n"); err != nil {
				return fmt.Errorf("encode text export: %w", err)
			}
		}
		return bw.Flush()
	default:
		return util.Errorf(util.ErrValidation, "unsupported format %q", format)
	}
}

// Reader decodes exchange files, skipping and counting malformed records.
type Reader struct {
	validate *validator.Validate
}

// NewReader returns a Reader.
func NewReader() *Reader {
	return &Reader{validate: validator.New()}
}

// Read decodes all well-formed records from r. A file that cannot be parsed
// at all is util.ErrFormat; individual bad records only bump malformed.
func (rd *Reader) Read(r io.Reader, format Format) (records []Record, malformed int, err error) {
	switch format {
	case FormatJSON:
		return rd.readJSON(r)
	case FormatCSV:
		return rd.readCSV(r)
	case FormatText:
		return rd.readText(r)
	default:
		return nil, 0, util.Errorf(util.ErrValidation, "unsupported format %q", format)
	}
}

func (rd *Reader) readJSON(r io.Reader) ([]Record, int, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, 0, util.Errorf(util.ErrFormat, "import file is not a JSON array: %v", err)
	}
	var (
		out       []Record
		malformed int
	)
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal(item, &rec); err != nil || rd.check(rec) != nil {
			malformed++
			continue
		}
		out = append(out, rec)
	}
	return out, malformed, nil
}

func (rd *Reader) readCSV(r io.Reader) ([]Record, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, util.Errorf(util.ErrFormat, "import file is empty")
		}
		return nil, 0, util.Errorf(util.ErrFormat, "read csv header: %v", err)
	}
	if !matchesHeader(header) {
		return nil, 0, util.Errorf(util.ErrFormat, "csv header must be %s", strings.Join(csvHeader, ","))
	}

	var (
		out       []Record
		malformed int
	)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				malformed++
				continue
			}
			return nil, 0, fmt.Errorf("read csv: %w", err)
		}
		if len(row) != len(csvHeader) {
			malformed++
			continue
		}
		rec := Record{Service: row[0], Identifier: row[1], Password: row[2], CreatedAt: row[3], UpdatedAt: row[4]}
		if rd.check(rec) != nil {
			malformed++
			continue
		}
		out = append(out, rec)
	}
	return out, malformed, nil
}

func (rd *Reader) readText(r io.Reader) ([]Record, int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	var (
		out       []Record
		malformed int
	)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		service, identifier, secret, err := vault.ParseLine(line)
		if err != nil {
			malformed++
			continue
		}
		rec := Record{Service: service, Identifier: identifier, Password: secret}
		if rd.check(rec) != nil {
			malformed++
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, util.Errorf(util.ErrFormat, "read text import: %v", err)
	}
	return out, malformed, nil
}

func (rd *Reader) check(rec Record) error {
	if err := rd.validate.Struct(rec); err != nil {
		return err
	}
	return vault.ValidateEntryFields(rec.Service, rec.Identifier)
}

func matchesHeader(header []string) bool {
	if len(header) != len(csvHeader) {
		return false
	}
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		if !strings.EqualFold(strings.TrimSpace(h), csvHeader[i]) {
			return false
		}
	}
	return true
}

// Dedup drops records whose natural key repeats within records or already
// exists according to exists. The first occurrence in the file wins.
func Dedup(records []Record, exists func(domain.EntryKey) bool) (unique []Record, duplicates int) {
	seen := make(map[domain.EntryKey]struct{}, len(records))
	for _, rec := range records {
		k := rec.Key()
		if _, dup := seen[k]; dup || (exists != nil && exists(k)) {
			duplicates++
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, rec)
	}
	return unique, duplicates
}
