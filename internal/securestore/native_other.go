//go:build !darwin

package securestore

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const nativeName = "os-keyring"

func nativeSet(service, account, value string) error {
	return keyring.Set(service, account, value)
}

func nativeGet(service, account string) (string, error) {
	v, err := keyring.Get(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", errNativeNotFound
	}
	return v, err
}

func nativeDelete(service, account string) error {
	err := keyring.Delete(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return errNativeNotFound
	}
	return err
}
