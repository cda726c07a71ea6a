package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"

	"github.com/vault-cli/credvault/internal/util"
)

// BlockSize is the AES block (and IV) size.
const BlockSize = aes.BlockSize

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, util.Errorf(util.ErrCrypto, "invalid key size %d", len(key))
	}
	if len(iv) != BlockSize {
		return nil, util.Errorf(util.ErrCrypto, "invalid iv size %d", len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, util.Errorf(util.ErrCrypto, "create cipher: %v", err)
	}
	return block, nil
}

// EncryptBlockCBC encrypts plaintext with AES-256-CBC and PKCS#7 padding.
func EncryptBlockCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	Zeroize(padded)
	return out, nil
}

// DecryptBlockCBC reverses EncryptBlockCBC. A wrong length or bad padding
// yields ErrCrypto rather than garbage.
func DecryptBlockCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, util.Errorf(util.ErrCrypto, "ciphertext is not a multiple of the block size")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	plain, err := pkcs7Unpad(out, BlockSize)
	if err != nil {
		Zeroize(out)
		return nil, err
	}
	return plain, nil
}

// XORKeyStreamCTR encrypts or decrypts data with AES-256-CTR.
func XORKeyStreamCTR(key, iv, data []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, util.Errorf(util.ErrCrypto, "invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size {
		return nil, util.Errorf(util.ErrCrypto, "invalid padding")
	}
	good := 1
	for _, b := range data[len(data)-n:] {
		good &= subtle.ConstantTimeByteEq(b, byte(n))
	}
	if good != 1 {
		return nil, util.Errorf(util.ErrCrypto, "invalid padding")
	}
	return data[:len(data)-n], nil
}
