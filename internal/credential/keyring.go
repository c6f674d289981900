// Package credential is the durable key-value store for session material.
// It holds no policy; the auth package decides what is written and when.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "packrent"

// ErrNotFound is returned by Get when the key has never been set or was deleted.
var ErrNotFound = errors.New("credential not found")

// Store is the persistence contract for session fields.
type Store interface {
	Get(key string) (string, error)
	Set(key string, value string) error
	Delete(key string) error
}

// Config controls how the system keyring is opened.
type Config struct {
	// FileDir is used by the encrypted file backend when no OS keychain exists.
	FileDir string
	// FilePassword unlocks the file backend.
	FilePassword string
}

// KeyringStore implements Store on top of a keyring.Keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// Open returns a KeyringStore backed by the best available system keyring.
func Open(cfg Config) (*KeyringStore, error) {
	password := cfg.FilePassword
	if password == "" {
		password = "packrent-file-key"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

// NewKeyringStore wraps an already opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

// Get retrieves a credential value by key.
func (s *KeyringStore) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key.
func (s *KeyringStore) Set(key string, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key. Deleting a missing key returns ErrNotFound.
func (s *KeyringStore) Delete(key string) error {
	err := s.ring.Remove(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
