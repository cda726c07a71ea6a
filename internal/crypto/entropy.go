package crypto

import (
	"crypto/rand"
	_ "embed"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/vault-cli/credvault/internal/util"
)

// Charset defines the character set to use for password generation
type Charset string

const (
	// CharsetAlpha uses only alphabetic characters (a-z, A-Z)
	CharsetAlpha Charset = "alpha"
	// CharsetAlnum uses alphanumeric characters (a-z, A-Z, 0-9)
	CharsetAlnum Charset = "alnum"
	// CharsetAlnumSym uses alphanumeric and special characters
	CharsetAlnumSym Charset = "alnumsym"
)

const (
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars   = "0123456789"
	specialChars = "!@#$%^&*()-_=+[]{}<>?,.:;/~"
)

var (
	charsetLookup = map[Charset]string{
		CharsetAlpha:    lowerChars + upperChars,
		CharsetAlnum:    lowerChars + upperChars + digitChars,
		CharsetAlnumSym: lowerChars + upperChars + digitChars + specialChars,
	}
	randSource io.Reader = rand.Reader
	randMux    sync.RWMutex
)

//go:embed wordlist.txt
var embeddedWords string

var (
	wordList     []string
	wordListOnce sync.Once
)

// SetRandomSource sets the random number generator source.
// If r is nil, it resets to the default crypto/rand.Reader.
func SetRandomSource(r io.Reader) {
	randMux.Lock()
	if r == nil {
		randSource = rand.Reader
	} else {
		randSource = r
	}
	randMux.Unlock()
}

func source() io.Reader {
	randMux.RLock()
	defer randMux.RUnlock()
	return randSource
}

// RandomBytes returns n bytes from the random source.
func RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, util.Errorf(util.ErrValidation, "random length must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(source(), buf); err != nil {
		return nil, util.Errorf(util.ErrFatalInternal, "read random bytes: %v", err)
	}
	return buf, nil
}

// SecureRandomInt returns a uniformly distributed integer in [min, max].
// Modulo bias is avoided with rejection sampling.
func SecureRandomInt(min, max int) (int, error) {
	if min > max {
		return 0, util.Errorf(util.ErrValidation, "invalid range [%d, %d]", min, max)
	}
	if min == max {
		return min, nil
	}
	span := uint64(max - min)
	if span >= math.MaxUint32 {
		return 0, util.Errorf(util.ErrValidation, "range [%d, %d] too large", min, max)
	}
	idx, err := randomIndex(source(), int(span)+1)
	if err != nil {
		return 0, err
	}
	return min + idx, nil
}

// SecureRandomChar picks one character of charset uniformly.
func SecureRandomChar(charset string) (rune, error) {
	chars := []rune(charset)
	if len(chars) == 0 {
		return 0, util.Errorf(util.ErrValidation, "charset must not be empty")
	}
	idx, err := SecureRandomInt(0, len(chars)-1)
	if err != nil {
		return 0, err
	}
	return chars[idx], nil
}

// SecureShuffle shuffles items in place (Fisher–Yates).
func SecureShuffle[T any](items []T) error {
	for i := len(items) - 1; i > 0; i-- {
		j, err := SecureRandomInt(0, i)
		if err != nil {
			return err
		}
		items[i], items[j] = items[j], items[i]
	}
	return nil
}

// GeneratePassword generates a cryptographically secure random password with the specified length and character set.
func GeneratePassword(length int, charset Charset) (string, error) {
	if length <= 0 {
		return "", util.Errorf(util.ErrValidation, "length must be positive")
	}

	chars, ok := charsetLookup[charset]
	if !ok {
		return "", util.Errorf(util.ErrValidation, "unknown charset %q", charset)
	}

	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		r, err := SecureRandomChar(chars)
		if err != nil {
			return "", err
		}
		b.WriteRune(r)
	}

	return b.String(), nil
}

// GenerateStrongPassword returns a password that contains at least one
// lowercase, uppercase, digit and special character, so it always satisfies
// the master password policy.
func GenerateStrongPassword(length int) (string, error) {
	classes := []string{lowerChars, upperChars, digitChars, specialChars}
	if length < len(classes) {
		return "", util.Errorf(util.ErrValidation, "length must be at least %d", len(classes))
	}

	out := make([]rune, 0, length)
	for _, class := range classes {
		r, err := SecureRandomChar(class)
		if err != nil {
			return "", err
		}
		out = append(out, r)
	}
	all := charsetLookup[CharsetAlnumSym]
	for len(out) < length {
		r, err := SecureRandomChar(all)
		if err != nil {
			return "", err
		}
		out = append(out, r)
	}
	if err := SecureShuffle(out); err != nil {
		return "", err
	}
	return string(out), nil
}

// GeneratePassphrase returns wordCount words from the embedded word list joined by sep.
// The list ships with the binary; no network access is involved.
func GeneratePassphrase(wordCount int, sep string) (string, error) {
	if wordCount <= 0 {
		return "", util.Errorf(util.ErrValidation, "word count must be positive")
	}

	words := Words()
	result := make([]string, wordCount)
	for i := 0; i < wordCount; i++ {
		idx, err := SecureRandomInt(0, len(words)-1)
		if err != nil {
			return "", err
		}
		result[i] = words[idx]
	}

	return strings.Join(result, sep), nil
}

// Words returns the embedded passphrase word list.
func Words() []string {
	wordListOnce.Do(func() {
		seen := make(map[string]struct{})
		for _, w := range strings.Fields(embeddedWords) {
			w = strings.ToLower(w)
			if _, dup := seen[w]; dup {
				continue
			}
			seen[w] = struct{}{}
			wordList = append(wordList, w)
		}
	})
	return wordList
}

func randomIndex(r io.Reader, max int) (int, error) {
	if max <= 0 {
		return 0, util.Errorf(util.ErrValidation, "length must be positive")
	}

	if max <= 256 {
		var buf [1]byte
		usable := 256 - (256 % max)
		for {
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return 0, util.Errorf(util.ErrFatalInternal, "read random: %v", err)
			}
			if int(buf[0]) < usable {
				return int(buf[0]) % max, nil
			}
		}
	}

	if max <= 65536 {
		var buf [2]byte
		usable := 65536 - (65536 % max)
		for {
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return 0, util.Errorf(util.ErrFatalInternal, "read random: %v", err)
			}
			val := int(binary.BigEndian.Uint16(buf[:]))
			if val < usable {
				return val % max, nil
			}
		}
	}

	var buf [4]byte
	limit := uint64(math.MaxUint32+1) - (uint64(math.MaxUint32+1) % uint64(max))
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, util.Errorf(util.ErrFatalInternal, "read random: %v", err)
		}
		val := uint64(binary.BigEndian.Uint32(buf[:]))
		if val < limit {
			return int(val % uint64(max)), nil
		}
	}
}
