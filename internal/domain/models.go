// Package domain defines the core data structures shared across credvault.
package domain

import (
	"strings"
	"time"
)

// VaultEntry is one stored credential. Secret is always field-level
// ciphertext; the plaintext never lives in this struct.
type VaultEntry struct {
	Service    string    `json:"service"`
	Identifier string    `json:"identifier"`
	Secret     []byte    `json:"secret"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EntryKey is the natural key of a VaultEntry.
type EntryKey struct {
	Service    string
	Identifier string
}

// NewEntryKey normalises service and identifier: surrounding whitespace is
// dropped and comparison is case-insensitive.
func NewEntryKey(service, identifier string) EntryKey {
	return EntryKey{
		Service:    strings.ToLower(strings.TrimSpace(service)),
		Identifier: strings.ToLower(strings.TrimSpace(identifier)),
	}
}

// Key returns the entry's natural key.
func (e *VaultEntry) Key() EntryKey {
	return NewEntryKey(e.Service, e.Identifier)
}

// Less orders keys by service, then identifier.
func (k EntryKey) Less(o EntryKey) bool {
	if k.Service != o.Service {
		return k.Service < o.Service
	}
	return k.Identifier < o.Identifier
}

// EntrySummary is the listing view of an entry, without the secret.
type EntrySummary struct {
	Service    string    `json:"service"`
	Identifier string    `json:"identifier"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Filter represents entry filtering options
type Filter struct {
	Search       string   `json:"search"`
	SearchTokens []string `json:"search_tokens"`
}

// AuthenticationRecord verifies a master password without storing it.
// AuthHash = PBKDF2(password ‖ secret key, Salt, Iterations, Digest); KeySalt
// is used to derive the session working key independently of AuthHash.
type AuthenticationRecord struct {
	Version    int       `json:"version"`
	Salt       []byte    `json:"salt"`
	KeySalt    []byte    `json:"key_salt"`
	Iterations int       `json:"iterations"`
	Digest     string    `json:"digest"`
	AuthHash   []byte    `json:"auth_hash"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BackupInfo describes one backup snapshot on disk.
type BackupInfo struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	ModTime   time.Time `json:"mod_time"`
	Size      int64     `json:"size"`
	Encrypted bool      `json:"encrypted"`
}

// Operation represents an audit log operation
type Operation struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Subject   string    `json:"subject,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}
