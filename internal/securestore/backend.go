// Package securestore persists the installation secret key and the
// authentication record. The native OS credential store is preferred; an
// encrypted bbolt file restricted to the owner is the fallback.
package securestore

import (
	"fmt"

	"github.com/vault-cli/credvault/internal/util"
)

// Well-known keys.
const (
	KeySecretKey  = "secret_key"
	KeyAuthRecord = "auth_record"
)

// Backend is one secure storage variant.
type Backend interface {
	// Name identifies the backend in logs and diagnostics.
	Name() string
	// Store saves value under key, replacing any previous value.
	Store(key string, value []byte) error
	// Retrieve returns the value for key, or util.ErrNotFound.
	Retrieve(key string) ([]byte, error)
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
	// IsAvailable probes whether the backend can be used on this machine.
	IsAvailable() bool
}

// Select returns the first available backend in priority order. Skipped
// backends are reported as util.ErrStorageUnavailable warnings; only an
// empty result is an error.
func Select(candidates ...Backend) (Backend, []error) {
	var warnings []error
	for _, b := range candidates {
		if b == nil {
			continue
		}
		if b.IsAvailable() {
			return b, warnings
		}
		warnings = append(warnings, util.Errorf(util.ErrStorageUnavailable, "%s backend is not available", b.Name()))
	}
	warnings = append(warnings, fmt.Errorf("%w: no usable secure storage backend", util.ErrStorageUnavailable))
	return nil, warnings
}
