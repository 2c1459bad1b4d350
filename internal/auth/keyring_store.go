package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "arctic"

	// Index entries keep insertion order, which is the discovery order
	// reported by ListConnections.
	providerIndexKey = "_providers"
	mcpIndexKey      = "_mcp"

	providerPrefix = "provider/"
	mcpPrefix      = "mcp/"
)

// KeyringStore stores credentials in the system keychain, one secret per
// entry plus an index secret per namespace.
type KeyringStore struct {
	mu sync.RWMutex
}

// NewKeyringStore returns an error if the keyring is not usable.
func NewKeyringStore() (*KeyringStore, error) {
	_, err := keyring.Get(keyringService, "_availability")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	return &KeyringStore{}, nil
}

func (s *KeyringStore) Get(key string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cred Credential
	ok, err := getJSON(providerPrefix+key, &cred)
	if err != nil || !ok {
		return nil, err
	}
	return &cred, nil
}

func (s *KeyringStore) Set(key string, cred *Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := setJSON(providerPrefix+key, cred); err != nil {
		return err
	}
	return addToIndex(providerIndexKey, key)
}

func (s *KeyringStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := deleteSecret(providerPrefix + key); err != nil {
		return err
	}
	return removeFromIndex(providerIndexKey, key)
}

func (s *KeyringStore) ListConnections(base string) ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := loadIndex(providerIndexKey)
	if err != nil {
		return nil, err
	}
	return connectionsOf(keys, base), nil
}

func (s *KeyringStore) All() (map[string]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := loadIndex(providerIndexKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Credential, len(keys))
	for _, key := range keys {
		var cred Credential
		ok, err := getJSON(providerPrefix+key, &cred)
		if err != nil {
			continue // corrupted entry
		}
		if ok {
			out[key] = &cred
		}
	}
	return out, nil
}

func (s *KeyringStore) GetMCP(name string) (*MCPEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entry MCPEntry
	ok, err := getJSON(mcpPrefix+name, &entry)
	if err != nil || !ok {
		return nil, err
	}
	return &entry, nil
}

func (s *KeyringStore) SetMCP(name string, entry *MCPEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := setJSON(mcpPrefix+name, entry); err != nil {
		return err
	}
	return addToIndex(mcpIndexKey, name)
}

func (s *KeyringStore) RemoveMCP(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := deleteSecret(mcpPrefix + name); err != nil {
		return err
	}
	return removeFromIndex(mcpIndexKey, name)
}

func (s *KeyringStore) AllMCP() (map[string]*MCPEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := loadIndex(mcpIndexKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*MCPEntry, len(names))
	for _, name := range names {
		var entry MCPEntry
		ok, err := getJSON(mcpPrefix+name, &entry)
		if err != nil {
			continue
		}
		if ok {
			out[name] = &entry
		}
	}
	return out, nil
}

func getJSON(account string, v any) (bool, error) {
	data, err := keyring.Get(keyringService, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("keyring get %s: %w", account, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("parse %s: %w", account, err)
	}
	return true, nil
}

func setJSON(account string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", account, err)
	}
	if err := keyring.Set(keyringService, account, string(data)); err != nil {
		return fmt.Errorf("keyring set %s: %w", account, err)
	}
	return nil
}

func deleteSecret(account string) error {
	if err := keyring.Delete(keyringService, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", account, err)
	}
	return nil
}

func loadIndex(indexKey string) ([]string, error) {
	var keys []string
	if _, err := getJSON(indexKey, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func addToIndex(indexKey, key string) error {
	keys, err := loadIndex(indexKey)
	if err != nil {
		return err
	}
	if slices.Contains(keys, key) {
		return nil
	}
	return setJSON(indexKey, append(keys, key))
}

func removeFromIndex(indexKey, key string) error {
	keys, err := loadIndex(indexKey)
	if err != nil {
		return err
	}
	return setJSON(indexKey, slices.DeleteFunc(keys, func(k string) bool { return k == key }))
}
