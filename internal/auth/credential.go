// Package auth stores provider and tool-server credentials.
package auth

import (
	"errors"
	"strings"
	"time"
)

// Credential types.
const (
	TypeOAuth = "oauth"
	TypeAPI   = "api"
)

// PrimaryAccount is the display name of the unsuffixed provider key.
const PrimaryAccount = "primary"

// Credential is a stored provider credential.
type Credential struct {
	// Type is TypeOAuth or TypeAPI. Empty means TypeOAuth.
	Type string `json:"type"`

	// Access is the current access token (or API key for TypeAPI).
	// An empty Access means the credential was never successfully obtained.
	Access string `json:"access"`

	// Refresh is the refresh token used to obtain new access tokens.
	Refresh string `json:"refresh,omitempty"`

	// Expires is the absolute instant (Unix milliseconds) after which
	// Access must not be trusted.
	Expires int64 `json:"expires"`

	// Extra holds provider-specific fields (resource URL, enterprise domain).
	Extra map[string]string `json:"extra,omitempty"`
}

// IsAPIKey reports whether the credential is a static API key.
func (c *Credential) IsAPIKey() bool {
	return c.Type == TypeAPI
}

// Validate checks that the credential can be persisted.
func (c *Credential) Validate() error {
	if c.IsAPIKey() {
		if c.Access == "" {
			return errors.New("credential: api key is required")
		}
		return nil
	}
	if c.Access == "" && c.Refresh == "" {
		return errors.New("credential: access or refresh token is required")
	}
	return nil
}

// IsStale reports whether the credential must be refreshed before use at now.
// Static API keys are never stale.
func (c *Credential) IsStale(now time.Time, buffer time.Duration) bool {
	if c.IsAPIKey() {
		return false
	}
	if c.Access == "" {
		return true
	}
	return now.UnixMilli() >= c.Expires-buffer.Milliseconds()
}

// ExpiresAt returns Expires as a time.
func (c *Credential) ExpiresAt() time.Time {
	return time.UnixMilli(c.Expires)
}

// Clone returns a deep copy.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// Key is a provider key: a base provider plus an optional connection suffix,
// written "base" or "base:connection".
type Key struct {
	Base       string
	Connection string
}

// ParseKey splits a provider key string.
func ParseKey(s string) Key {
	base, conn, _ := strings.Cut(s, ":")
	return Key{Base: base, Connection: conn}
}

// String returns the canonical form of the key.
func (k Key) String() string {
	if k.Connection == "" {
		return k.Base
	}
	return k.Base + ":" + k.Connection
}

// IsPrimary reports whether the key has no connection suffix.
func (k Key) IsPrimary() bool {
	return k.Connection == ""
}

// DisplayName returns "primary" for the base key, otherwise the connection.
func (k Key) DisplayName() string {
	if k.IsPrimary() {
		return PrimaryAccount
	}
	return k.Connection
}

// BaseOf returns the base provider of a provider key string.
func BaseOf(key string) string {
	return ParseKey(key).Base
}

// Connection is one stored account under a base provider.
type Connection struct {
	// Key is the full provider key.
	Key string `json:"key" yaml:"key"`

	// Connection is the suffix; empty for the primary account.
	Connection string `json:"connection,omitempty" yaml:"connection,omitempty"`
}

// MCPTokens are OAuth tokens issued by a tool server's authorization server.
type MCPTokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
	Expires int64  `json:"expires,omitempty"`
	Scope   string `json:"scope,omitempty"`

	// TokenEndpoint is remembered so refresh does not need rediscovery.
	TokenEndpoint string `json:"token_endpoint,omitempty"`
}

// IsStale mirrors Credential.IsStale. Zero Expires means no expiry was issued.
func (t *MCPTokens) IsStale(now time.Time, buffer time.Duration) bool {
	if t.Access == "" {
		return true
	}
	if t.Expires == 0 {
		return false
	}
	return now.UnixMilli() >= t.Expires-buffer.Milliseconds()
}

// ClientInfo is an OAuth client, either configured or dynamically registered.
type ClientInfo struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// MCPEntry holds the OAuth artifacts for one tool server.
type MCPEntry struct {
	ServerURL  string      `json:"server_url,omitempty"`
	Tokens     *MCPTokens  `json:"tokens,omitempty"`
	ClientInfo *ClientInfo `json:"client_info,omitempty"`
}

// Store persists provider credentials keyed by provider key.
//
// Get returns (nil, nil) when no credential exists.
type Store interface {
	Get(key string) (*Credential, error)
	Set(key string, cred *Credential) error
	Remove(key string) error

	// ListConnections returns every stored account of a base provider in
	// discovery (insertion) order.
	ListConnections(base string) ([]Connection, error)

	// All returns every stored credential by key.
	All() (map[string]*Credential, error)
}

// MCPStore persists tool-server OAuth entries keyed by server name.
//
// GetMCP returns (nil, nil) when no entry exists.
type MCPStore interface {
	GetMCP(name string) (*MCPEntry, error)
	SetMCP(name string, entry *MCPEntry) error
	RemoveMCP(name string) error
	AllMCP() (map[string]*MCPEntry, error)
}

// Backend is a store that holds both kinds of entries.
type Backend interface {
	Store
	MCPStore
}

// StoreMode selects the credential backend.
type StoreMode string

const (
	// StoreModeAuto uses the keyring if available, falling back to a file.
	StoreModeAuto StoreMode = "auto"

	// StoreModeKeyring uses the system keychain.
	StoreModeKeyring StoreMode = "keyring"

	// StoreModeFile uses a JSON file.
	StoreModeFile StoreMode = "file"
)

// NewBackend creates a backend for mode.
func NewBackend(mode StoreMode) (Backend, error) {
	switch mode {
	case StoreModeKeyring:
		return NewKeyringStore()
	case StoreModeFile:
		return NewFileStore()
	default:
		store, err := NewKeyringStore()
		if err == nil {
			return store, nil
		}
		return NewFileStore()
	}
}

// connectionsOf filters keys (in order) down to accounts of base.
func connectionsOf(keys []string, base string) []Connection {
	var out []Connection
	for _, k := range keys {
		parsed := ParseKey(k)
		if parsed.Base != base {
			continue
		}
		out = append(out, Connection{Key: k, Connection: parsed.Connection})
	}
	return out
}
