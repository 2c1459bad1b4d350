// Package config holds operator configuration for arctic: rotation mode,
// credential backend, OAuth tuning, provider base URLs and MCP servers.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ServerType is the transport kind of an MCP server.
type ServerType string

const (
	ServerTypeLocal  ServerType = "local"
	ServerTypeRemote ServerType = "remote"
)

// OAuthConfig pins a pre-registered OAuth client for a remote server.
type OAuthConfig struct {
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ServerConfig is one entry under "mcp" in the config file.
//
// The oauth field is either an object or the literal false. OAuth is nil
// when the field is absent, which leaves OAuth enabled with dynamic
// registration.
type ServerConfig struct {
	Name        string            `json:"-"`
	Type        ServerType        `json:"type"`
	Command     []string          `json:"command,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"` // nil treated as true
	Timeout     int               `json:"timeout,omitempty"` // milliseconds

	OAuth         *OAuthConfig `json:"-"`
	OAuthDisabled bool         `json:"-"`
}

type serverConfigJSON struct {
	Type        ServerType        `json:"type"`
	Command     []string          `json:"command,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	OAuth       json.RawMessage   `json:"oauth,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
}

// UnmarshalJSON accepts oauth as an object or false.
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	var raw serverConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ServerConfig{
		Name:        s.Name,
		Type:        raw.Type,
		Command:     raw.Command,
		Environment: raw.Environment,
		URL:         raw.URL,
		Headers:     raw.Headers,
		Enabled:     raw.Enabled,
		Timeout:     raw.Timeout,
	}

	oauth := bytes.TrimSpace(raw.OAuth)
	switch {
	case len(oauth) == 0, bytes.Equal(oauth, []byte("null")), bytes.Equal(oauth, []byte("true")):
	case bytes.Equal(oauth, []byte("false")):
		s.OAuthDisabled = true
	default:
		var oc OAuthConfig
		if err := json.Unmarshal(oauth, &oc); err != nil {
			return fmt.Errorf("oauth: %w", err)
		}
		s.OAuth = &oc
	}
	return nil
}

// MarshalJSON writes oauth back as false or an object.
func (s ServerConfig) MarshalJSON() ([]byte, error) {
	raw := serverConfigJSON{
		Type:        s.Type,
		Command:     s.Command,
		Environment: s.Environment,
		URL:         s.URL,
		Headers:     s.Headers,
		Enabled:     s.Enabled,
		Timeout:     s.Timeout,
	}
	switch {
	case s.OAuthDisabled:
		raw.OAuth = json.RawMessage("false")
	case s.OAuth != nil:
		data, err := json.Marshal(s.OAuth)
		if err != nil {
			return nil, err
		}
		raw.OAuth = data
	}
	return json.Marshal(raw)
}

// IsEnabled returns whether the server is enabled (nil defaults to true).
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SetEnabled sets the enabled state.
func (s *ServerConfig) SetEnabled(enabled bool) {
	s.Enabled = &enabled
}

// IsRemote reports whether the server is reached over HTTP.
func (s ServerConfig) IsRemote() bool {
	return s.Type == ServerTypeRemote
}

// UsesOAuth reports whether the supervisor may run an OAuth flow for s.
func (s ServerConfig) UsesOAuth() bool {
	return s.IsRemote() && !s.OAuthDisabled
}

// Validate checks that the fields required by the server type are present.
func (s ServerConfig) Validate() error {
	switch s.Type {
	case ServerTypeLocal:
		if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
			return errors.New("local server requires a command")
		}
	case ServerTypeRemote:
		if s.URL == "" {
			return errors.New("remote server requires a url")
		}
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return fmt.Errorf("url %q must start with http:// or https://", s.URL)
		}
	default:
		return fmt.Errorf("unknown server type %q (want local or remote)", s.Type)
	}
	return nil
}

// Equal reports whether two configs would produce the same connection.
func (s ServerConfig) Equal(other ServerConfig) bool {
	a, errA := json.Marshal(s)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// SortedNames returns the keys of servers in lexical order.
func SortedNames(servers map[string]ServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
