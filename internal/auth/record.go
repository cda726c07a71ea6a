package auth

import (
	"encoding/json"
	"time"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/domain"
	"github.com/vault-cli/credvault/internal/util"
)

const (
	// RecordVersion is the current authentication record layout.
	RecordVersion = 1
	// SecretKeySize is the per-installation secret key length (512 bits).
	SecretKeySize = 64
	// SaltSize is the length of both record salts.
	SaltSize = 32
	// DefaultIterations is the PBKDF2 work factor for new records.
	DefaultIterations = 600000
)

// newRecord builds a record for password with fresh salts.
func newRecord(password string, secretKey []byte, iterations int, digest string, now time.Time) (*domain.AuthenticationRecord, error) {
	salt, err := crypto.RandomBytes(SaltSize)
	if err != nil {
		return nil, err
	}
	keySalt, err := crypto.RandomBytes(SaltSize)
	if err != nil {
		return nil, err
	}
	rec := &domain.AuthenticationRecord{
		Version:    RecordVersion,
		Salt:       salt,
		KeySalt:    keySalt,
		Iterations: iterations,
		Digest:     digest,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
	rec.AuthHash, err = authHash(rec, password, secretKey)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func combine(password string, secretKey []byte) []byte {
	buf := make([]byte, 0, len(password)+len(secretKey))
	buf = append(buf, password...)
	return append(buf, secretKey...)
}

func authHash(rec *domain.AuthenticationRecord, password string, secretKey []byte) ([]byte, error) {
	material := combine(password, secretKey)
	defer crypto.Zeroize(material)
	return crypto.DeriveKey(material, rec.Salt, rec.Iterations, crypto.KeySize, rec.Digest)
}

// workingKey derives the session key. It uses KeySalt, so knowing AuthHash
// reveals nothing about it.
func workingKey(rec *domain.AuthenticationRecord, password string, secretKey []byte) ([]byte, error) {
	material := combine(password, secretKey)
	defer crypto.Zeroize(material)
	return crypto.DeriveKey(material, rec.KeySalt, rec.Iterations, crypto.KeySize, rec.Digest)
}

// EncodeRecord serializes a record for storage.
func EncodeRecord(rec *domain.AuthenticationRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// DecodeRecord parses and sanity-checks a stored record.
func DecodeRecord(data []byte) (*domain.AuthenticationRecord, error) {
	var rec domain.AuthenticationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, util.Errorf(util.ErrFormat, "decode authentication record: %v", err)
	}
	if rec.Version != RecordVersion {
		return nil, util.Errorf(util.ErrFormat, "unsupported authentication record version %d", rec.Version)
	}
	if len(rec.Salt) == 0 || len(rec.KeySalt) == 0 || len(rec.AuthHash) != crypto.KeySize || rec.Iterations <= 0 {
		return nil, util.Errorf(util.ErrFormat, "authentication record is incomplete")
	}
	if _, err := crypto.DigestFunc(rec.Digest); err != nil {
		return nil, util.Errorf(util.ErrFormat, "authentication record digest %q", rec.Digest)
	}
	return &rec, nil
}
