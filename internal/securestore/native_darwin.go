//go:build darwin

package securestore

import (
	"errors"
	"fmt"

	keychain "github.com/keybase/go-keychain"
)

const nativeName = "macos-keychain"

func nativeSet(service, account, value string) error {
	item := keychain.NewGenericPassword(service, account, "credvault "+account, []byte(value), "")
	item.SetSynchronizable(keychain.SynchronizableNo)
	item.SetAccessible(keychain.AccessibleWhenUnlockedThisDeviceOnly)

	err := keychain.AddItem(item)
	if errors.Is(err, keychain.ErrorDuplicateItem) {
		query := keychain.NewGenericPassword(service, account, "", nil, "")
		update := keychain.NewItem()
		update.SetData([]byte(value))
		if err := keychain.UpdateItem(query, update); err != nil {
			return fmt.Errorf("update keychain item: %w", err)
		}
		return nil
	}
	return err
}

func nativeGet(service, account string) (string, error) {
	data, err := keychain.GetGenericPassword(service, account, "", "")
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", errNativeNotFound
	}
	return string(data), nil
}

func nativeDelete(service, account string) error {
	query := keychain.NewGenericPassword(service, account, "", nil, "")
	err := keychain.DeleteItem(query)
	if errors.Is(err, keychain.ErrorItemNotFound) {
		return errNativeNotFound
	}
	return err
}
