package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	credentialsDir  = ".config/arctic"
	credentialsFile = "auth.json"
)

// fileDocument is the on-disk layout. Providers is a list so that
// insertion order survives a round trip.
type fileDocument struct {
	Providers []fileEntry          `json:"providers"`
	MCP       map[string]*MCPEntry `json:"mcp,omitempty"`
}

type fileEntry struct {
	Key        string      `json:"key"`
	Credential *Credential `json:"credential"`
}

// FileStore stores credentials in a JSON file with 0600 permissions.
type FileStore struct {
	path string
	mu   sync.RWMutex
}

// NewFileStore creates a store at ~/.config/arctic/auth.json.
func NewFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return &FileStore{path: filepath.Join(home, credentialsDir, credentialsFile)}, nil
}

// NewFileStoreAt creates a file store at a specific path.
func NewFileStoreAt(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(key string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, e := range doc.Providers {
		if e.Key == key {
			return e.Credential, nil
		}
	}
	return nil, nil
}

// Set replaces the credential for key in place, or appends it.
func (s *FileStore) Set(key string, cred *Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	found := false
	for i := range doc.Providers {
		if doc.Providers[i].Key == key {
			doc.Providers[i].Credential = cred
			found = true
			break
		}
	}
	if !found {
		doc.Providers = append(doc.Providers, fileEntry{Key: key, Credential: cred})
	}
	return s.save(doc)
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	filtered := doc.Providers[:0]
	for _, e := range doc.Providers {
		if e.Key != key {
			filtered = append(filtered, e)
		}
	}
	doc.Providers = filtered
	return s.save(doc)
}

func (s *FileStore) ListConnections(base string) ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc.Providers))
	for _, e := range doc.Providers {
		keys = append(keys, e.Key)
	}
	return connectionsOf(keys, base), nil
}

func (s *FileStore) All() (map[string]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Credential, len(doc.Providers))
	for _, e := range doc.Providers {
		out[e.Key] = e.Credential
	}
	return out, nil
}

func (s *FileStore) GetMCP(name string) (*MCPEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.MCP[name], nil
}

func (s *FileStore) SetMCP(name string, entry *MCPEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if doc.MCP == nil {
		doc.MCP = make(map[string]*MCPEntry)
	}
	doc.MCP[name] = entry
	return s.save(doc)
}

func (s *FileStore) RemoveMCP(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	delete(doc.MCP, name)
	return s.save(doc)
}

func (s *FileStore) AllMCP() (map[string]*MCPEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if doc.MCP == nil {
		return map[string]*MCPEntry{}, nil
	}
	return doc.MCP, nil
}

// load reads the document (caller must hold lock).
func (s *FileStore) load() (*fileDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileDocument{}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &doc, nil
}

// save writes the document through a temp file and rename so readers never
// observe a half-written credential (caller must hold lock).
func (s *FileStore) save(doc *fileDocument) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}
