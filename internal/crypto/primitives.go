// Package crypto holds the low-level primitives credvault is built from:
// CSPRNG helpers, SHA-256 hashing and HMAC, constant-time comparison,
// PBKDF2/HKDF key derivation and the AES-256 CBC/CTR wrappers.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/vault-cli/credvault/internal/util"
)

// Digest identifiers accepted by DeriveKey.
const (
	DigestSHA256 = "sha256"
	DigestSHA512 = "sha512"
)

// KeySize is the AES-256 key size used everywhere in credvault.
const KeySize = 32

// Hash returns SHA-256(data).
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HMAC returns HMAC-SHA-256(key, data).
func HMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// TimingSafeEqual compares a and b in time independent of where they differ.
// Lengths are not secret; unequal lengths return false immediately.
func TimingSafeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// DigestFunc resolves a digest identifier.
func DigestFunc(name string) (func() hash.Hash, error) {
	switch strings.ToLower(name) {
	case DigestSHA256:
		return sha256.New, nil
	case DigestSHA512:
		return sha512.New, nil
	default:
		return nil, util.Errorf(util.ErrValidation, "unsupported digest %q", name)
	}
}

// DeriveKey runs PBKDF2 over password and salt.
func DeriveKey(password, salt []byte, iterations, keyLength int, digest string) ([]byte, error) {
	if iterations <= 0 {
		return nil, util.Errorf(util.ErrValidation, "iterations must be positive")
	}
	if keyLength <= 0 {
		return nil, util.Errorf(util.ErrValidation, "key length must be positive")
	}
	if len(salt) == 0 {
		return nil, util.Errorf(util.ErrValidation, "salt is required")
	}
	h, err := DigestFunc(digest)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key(password, salt, iterations, keyLength, h), nil
}

// ExpandKey derives length bytes from key with HKDF-SHA256 and the given context label.
func ExpandKey(key []byte, info string, length int) ([]byte, error) {
	if len(key) == 0 {
		return nil, util.Errorf(util.ErrValidation, "empty key")
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(info)), out); err != nil {
		return nil, util.Errorf(util.ErrCrypto, "hkdf expand: %v", err)
	}
	return out, nil
}

// Zeroize securely clears a byte slice
func Zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
