package vault

import (
	"fmt"

	"github.com/vault-cli/credvault/internal/crypto"
	"github.com/vault-cli/credvault/internal/util"
)

// Scheme is the envelope version byte. Each version fixes the cipher mode and
// key-separation labels, so new schemes can be added without breaking old files.
type Scheme uint8

const (
	// SchemeCBC is AES-256-CBC with PKCS#7 padding, used for whole files and values.
	SchemeCBC Scheme = 1
	// SchemeCTR is AES-256-CTR, used for field-level secrets.
	SchemeCTR Scheme = 2
)

const (
	// IVSize is the per-payload random IV length.
	IVSize = crypto.BlockSize
	// MACSize is the HMAC-SHA256 tag length.
	MACSize = 32
	// HeaderSize is the smallest possible payload: version, iv and mac.
	HeaderSize = 1 + IVSize + MACSize
)

// EncryptedPayload is the parsed form of version‖iv‖ciphertext‖mac.
type EncryptedPayload struct {
	Version    Scheme
	IV         []byte
	Ciphertext []byte
	MAC        []byte
}

// Supported reports whether the scheme is known to this build.
func (s Scheme) Supported() bool {
	return s == SchemeCBC || s == SchemeCTR
}

func (s Scheme) String() string {
	switch s {
	case SchemeCBC:
		return "aes-256-cbc+hmac-sha256"
	case SchemeCTR:
		return "aes-256-ctr+hmac-sha256"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Bytes serializes the payload as version‖iv‖ciphertext‖mac.
func (p *EncryptedPayload) Bytes() []byte {
	out := make([]byte, 0, HeaderSize+len(p.Ciphertext))
	out = append(out, byte(p.Version))
	out = append(out, p.IV...)
	out = append(out, p.Ciphertext...)
	out = append(out, p.MAC...)
	return out
}

// ParsePayload splits data into its fields. It checks the header length and
// version only; authenticity is checked by Open.
func ParsePayload(data []byte) (*EncryptedPayload, error) {
	if len(data) < HeaderSize {
		return nil, util.Errorf(util.ErrFormat, "payload is %d bytes, shorter than the %d byte header", len(data), HeaderSize)
	}
	version := Scheme(data[0])
	if !version.Supported() {
		// An unknown version byte cannot be authenticated under any key we hold.
		return nil, fmt.Errorf("%w: unsupported payload version %d: %w", util.ErrFormat, version, util.ErrIntegrity)
	}
	macStart := len(data) - MACSize
	return &EncryptedPayload{
		Version:    version,
		IV:         data[1 : 1+IVSize],
		Ciphertext: data[1+IVSize : macStart],
		MAC:        data[macStart:],
	}, nil
}

// Encrypt seals plaintext under key with the default whole-file scheme.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	return Seal(SchemeCBC, key, plaintext)
}

// Decrypt opens a payload produced by Encrypt or Seal.
func Decrypt(payload, key []byte) ([]byte, error) {
	return Open(key, payload)
}

// Seal encrypts plaintext with a fresh random IV and appends an HMAC over
// version‖iv‖ciphertext computed with a key separate from the cipher key.
func Seal(scheme Scheme, key, plaintext []byte) ([]byte, error) {
	if !scheme.Supported() {
		return nil, util.Errorf(util.ErrValidation, "unsupported scheme %d", scheme)
	}
	encKey, macKey, err := payloadKeys(scheme, key)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(encKey)
	defer crypto.Zeroize(macKey)

	iv, err := crypto.RandomBytes(IVSize)
	if err != nil {
		return nil, err
	}

	var ct []byte
	switch scheme {
	case SchemeCBC:
		ct, err = crypto.EncryptBlockCBC(encKey, iv, plaintext)
	case SchemeCTR:
		ct, err = crypto.XORKeyStreamCTR(encKey, iv, plaintext)
	}
	if err != nil {
		return nil, err
	}

	p := &EncryptedPayload{Version: scheme, IV: iv, Ciphertext: ct}
	p.MAC = computeMAC(macKey, p)
	return p.Bytes(), nil
}

// Open authenticates and decrypts data. The MAC is verified in constant time
// before any cipher operation runs.
func Open(key, data []byte) ([]byte, error) {
	p, err := ParsePayload(data)
	if err != nil {
		return nil, err
	}
	encKey, macKey, err := payloadKeys(p.Version, key)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(encKey)
	defer crypto.Zeroize(macKey)

	if !crypto.TimingSafeEqual(computeMAC(macKey, p), p.MAC) {
		return nil, util.Errorf(util.ErrIntegrity, "payload authentication failed")
	}

	switch p.Version {
	case SchemeCBC:
		return crypto.DecryptBlockCBC(encKey, p.IV, p.Ciphertext)
	case SchemeCTR:
		return crypto.XORKeyStreamCTR(encKey, p.IV, p.Ciphertext)
	default:
		return nil, util.Errorf(util.ErrFormat, "unsupported payload version %d", p.Version)
	}
}

func payloadKeys(scheme Scheme, key []byte) (encKey, macKey []byte, err error) {
	if len(key) != crypto.KeySize {
		return nil, nil, util.Errorf(util.ErrValidation, "key must be %d bytes, got %d", crypto.KeySize, len(key))
	}
	encKey, err = crypto.ExpandKey(key, fmt.Sprintf("credvault/payload/v%d/enc", scheme), crypto.KeySize)
	if err != nil {
		return nil, nil, err
	}
	macKey, err = crypto.ExpandKey(key, fmt.Sprintf("credvault/payload/v%d/mac", scheme), crypto.KeySize)
	if err != nil {
		crypto.Zeroize(encKey)
		return nil, nil, err
	}
	return encKey, macKey, nil
}

func computeMAC(macKey []byte, p *EncryptedPayload) []byte {
	msg := make([]byte, 0, 1+len(p.IV)+len(p.Ciphertext))
	msg = append(msg, byte(p.Version))
	msg = append(msg, p.IV...)
	msg = append(msg, p.Ciphertext...)
	return crypto.HMAC(macKey, msg)
}
