package securestore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vault-cli/credvault/internal/util"
)

// DefaultService is the credential-store service name.
const DefaultService = "credvault"

var errNativeNotFound = errors.New("item not found in credential store")

// NativeBackend stores values in the OS credential store: the macOS
// keychain, or the Secret Service / Windows Credential Manager elsewhere.
// Accounts are scoped so separate data directories do not collide.
type NativeBackend struct {
	service string
	scope   string
	logger  zerolog.Logger

	probeOnce sync.Once
	available bool
}

// NewNativeBackend returns a native backend for service, scoped to scope
// (usually the absolute data directory).
func NewNativeBackend(service, scope string, logger zerolog.Logger) *NativeBackend {
	if service == "" {
		service = DefaultService
	}
	return &NativeBackend{
		service: service,
		scope:   scope,
		logger:  logger.With().Str("component", "securestore.native").Logger(),
	}
}

func (n *NativeBackend) Name() string { return nativeName }

func (n *NativeBackend) account(key string) string {
	if n.scope == "" {
		return key
	}
	return n.scope + "#" + key
}

func (n *NativeBackend) Store(key string, value []byte) error {
	if err := nativeSet(n.service, n.account(key), base64.StdEncoding.EncodeToString(value)); err != nil {
		return fmt.Errorf("%w: store %s: %v", util.ErrStorageUnavailable, key, err)
	}
	return nil
}

func (n *NativeBackend) Retrieve(key string) ([]byte, error) {
	encoded, err := nativeGet(n.service, n.account(key))
	if err != nil {
		if errors.Is(err, errNativeNotFound) {
			return nil, util.Errorf(util.ErrNotFound, "%s not in %s", key, nativeName)
		}
		return nil, fmt.Errorf("%w: retrieve %s: %v", util.ErrStorageUnavailable, key, err)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, util.Errorf(util.ErrFormat, "%s in %s is not valid base64", key, nativeName)
	}
	return value, nil
}

func (n *NativeBackend) Remove(key string) error {
	if err := nativeDelete(n.service, n.account(key)); err != nil && !errors.Is(err, errNativeNotFound) {
		return fmt.Errorf("%w: remove %s: %v", util.ErrStorageUnavailable, key, err)
	}
	return nil
}

// IsAvailable runs a store/retrieve/remove round trip once and caches the
// result.
func (n *NativeBackend) IsAvailable() bool {
	n.probeOnce.Do(func() {
		probe := "probe-" + uuid.NewString()
		want := []byte("ok")
		if err := n.Store(probe, want); err != nil {
			n.logger.Debug().Err(err).Msg("native credential store probe failed")
			return
		}
		defer func() {
			if err := n.Remove(probe); err != nil {
				n.logger.Debug().Err(err).Msg("failed to remove probe item")
			}
		}()
		got, err := n.Retrieve(probe)
		n.available = err == nil && string(got) == string(want)
	})
	return n.available
}
