// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package keychain stores tagrouter's secrets in the OS credential store:
// the database DSN, the model provider API key and the Redis URL. Nothing
// secret is ever written to the config file.
package keychain

import (
	"errors"
	"runtime"
	"sync"

	"github.com/99designs/keyring"
)

var (
	globalManager *Manager
	mu            sync.Mutex
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("keychain: key not found")

// Manager serializes access to the credential store.
type Manager struct {
	mu      sync.RWMutex
	ring    keyring.Keyring
	backend store
}

type store interface {
	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
}

// ServiceName is the credential store namespace.
const ServiceName = "tagrouter"

const (
	KeyDBDSN     = "db_dsn"
	KeyLLMAPIKey = "llm_api_key"
	KeyRedisURL  = "redis_url"
)

// Keys lists every key the manager writes, in display order.
var Keys = []string{KeyDBDSN, KeyLLMAPIKey, KeyRedisURL}

// NewManager opens the native store: the security command on macOS, the
// keyring library elsewhere.
func NewManager() (*Manager, error) {
	if runtime.GOOS == "darwin" {
		if backend, err := newSecurityBackend(); err == nil {
			return &Manager{backend: backend}, nil
		}
	}
	ring, err := openRing()
	if err != nil {
		return nil, err
	}
	return &Manager{ring: ring}, nil
}

// NewWithRing wraps an already opened keyring.
func NewWithRing(ring keyring.Keyring) *Manager {
	return &Manager{ring: ring}
}

// GetManager returns the process-wide manager, retrying initialization
// after a failure.
func GetManager() (*Manager, error) {
	mu.Lock()
	defer mu.Unlock()
	if globalManager != nil {
		return globalManager, nil
	}
	m, err := NewManager()
	if err != nil {
		return nil, err
	}
	globalManager = m
	return m, nil
}

func openRing() (keyring.Keyring, error) {
	var allowed []keyring.BackendType
	switch runtime.GOOS {
	case "darwin":
		allowed = []keyring.BackendType{keyring.KeychainBackend, keyring.PassBackend}
	case "windows":
		allowed = []keyring.BackendType{keyring.WinCredBackend}
	case "linux", "freebsd", "openbsd":
		allowed = []keyring.BackendType{keyring.SecretServiceBackend, keyring.KWalletBackend, keyring.PassBackend}
	default:
		return nil, errors.New("secure storage is not supported on " + runtime.GOOS)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:             ServiceName,
		AllowedBackends:         allowed,
		PassPrefix:              ServiceName,
		WinCredPrefix:           ServiceName,
		LibSecretCollectionName: "login",
	})
	if err != nil {
		if runtime.GOOS == "linux" {
			return nil, errors.New("no credential store found: start a Secret Service provider (gnome-keyring, KWallet) or initialise 'pass', or set TAGROUTER_DB_DSN and OPENAI_API_KEY instead")
		}
		return nil, err
	}
	return ring, nil
}

// Save stores value under key, replacing any previous value.
func (m *Manager) Save(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend != nil {
		return m.backend.Set(key, value)
	}
	return m.ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: ServiceName + " " + key})
}

// Load returns the value under key or ErrNotFound.
func (m *Manager) Load(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		v   string
		err error
	)
	if m.backend != nil {
		v, err = m.backend.Get(key)
	} else {
		var it keyring.Item
		it, err = m.ring.Get(key)
		v = string(it.Data)
		if errors.Is(err, keyring.ErrKeyNotFound) {
			err = ErrNotFound
		}
	}
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// Delete removes key. Removing a missing key is not an error.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend != nil {
		return m.backend.Delete(key)
	}
	if err := m.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return err
	}
	return nil
}

// SaveDBDSN stores the database DSN.
func (m *Manager) SaveDBDSN(dsn string) error { return m.Save(KeyDBDSN, dsn) }

// LoadDBDSN returns the stored database DSN.
func (m *Manager) LoadDBDSN() (string, error) { return m.Load(KeyDBDSN) }

// ClearAll removes every tagrouter secret and reports the first failure.
func (m *Manager) ClearAll() error {
	var first error
	for _, k := range Keys {
		if err := m.Delete(k); err != nil && first == nil {
			first = err
		}
	}
	return first
}
