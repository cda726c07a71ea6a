package auth

import (
	"unicode"
	"unicode/utf8"

	"github.com/vault-cli/credvault/internal/util"
)

// MinPasswordLength is the minimum master password length in characters.
const MinPasswordLength = 8

// ValidatePassword enforces the master password policy and reports the
// first rule that is violated.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return util.Errorf(util.ErrValidation, "master password must be at least %d characters", MinPasswordLength)
	}

	var upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			special = true
		}
	}

	switch {
	case !upper:
		return util.Errorf(util.ErrValidation, "master password must contain an uppercase letter")
	case !digit:
		return util.Errorf(util.ErrValidation, "master password must contain a digit")
	case !special:
		return util.Errorf(util.ErrValidation, "master password must contain a special character")
	}
	return nil
}
