// Package provider describes model providers: how to sign in, how to keep
// a credential fresh and how to shape outbound API requests.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/oauth"
)

// RefreshFunc renews a stale OAuth credential.
type RefreshFunc func(ctx context.Context, hc *http.Client, cred *auth.Credential) oauth.Result

// Definition is one provider.
type Definition struct {
	ID          string
	DisplayName string

	// BaseURL is the default API base.
	BaseURL string

	// Headers are always present on outbound requests and replace caller
	// values with the same name.
	Headers map[string]string

	// ListHeaders hold comma-separated values merged with the caller's as
	// a set union, provider values first. They are sent with OAuth
	// credentials only.
	ListHeaders map[string][]string

	// StripHeaders are removed from caller requests before the bearer
	// token is attached.
	StripHeaders []string

	// APIKeyHeader carries static API keys. Empty means a bearer
	// Authorization header.
	APIKeyHeader string

	Methods []Method

	// Refresh is nil when the provider cannot refresh.
	Refresh RefreshFunc

	// ResolveBaseURL derives the API base from a stored credential, for
	// enterprise or region-specific hosts. It returns "" to use BaseURL.
	ResolveBaseURL func(cred *auth.Credential) string

	// Decorate adds per-request headers derived from the request body.
	Decorate func(h http.Header, body []byte)
}

// BaseURLFor returns the API base for cred.
func (d *Definition) BaseURLFor(cred *auth.Credential) string {
	if d.ResolveBaseURL != nil && cred != nil {
		if u := d.ResolveBaseURL(cred); u != "" {
			return u
		}
	}
	return d.BaseURL
}

// Method returns the sign-in method with the given label, or the first
// method when label is empty.
func (d *Definition) Method(label string) (Method, error) {
	if len(d.Methods) == 0 {
		return nil, fmt.Errorf("provider %s has no sign-in methods", d.ID)
	}
	if label == "" {
		return d.Methods[0], nil
	}
	for _, m := range d.Methods {
		if strings.EqualFold(m.Label(), label) || string(m.Kind()) == label {
			return m, nil
		}
	}
	return nil, fmt.Errorf("provider %s has no method %q", d.ID, label)
}

// Registry maps provider ids to definitions.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]*Definition
	overrides map[string]string
}

// NewRegistry creates a registry holding defs.
func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{
		defs:      make(map[string]*Definition),
		overrides: make(map[string]string),
	}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

// Builtin returns a registry of the providers arctic ships with.
func Builtin() *Registry {
	return NewRegistry(Anthropic(), GitHubCopilot(), GitHubCopilotEnterprise(), Qwen())
}

// Register adds or replaces a definition.
func (r *Registry) Register(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.ID] = d
}

// SetBaseURL overrides the API base of a provider. An empty url clears
// the override.
func (r *Registry) SetBaseURL(id, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if url == "" {
		delete(r.overrides, id)
		return
	}
	r.overrides[id] = strings.TrimRight(url, "/")
}

// SetFlowSettings applies s to the sign-in methods of every registered
// provider.
func (r *Registry) SetFlowSettings(s FlowSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.defs {
		for _, m := range d.Methods {
			switch m := m.(type) {
			case *AuthCodeMethod:
				if s.HTTPClient != nil {
					m.Config.HTTPClient = s.HTTPClient
				}
			case *DeviceMethod:
				m.Settings = s
			}
		}
	}
}

// Lookup returns the definition for a provider key ("base" or
// "base:connection").
func (r *Registry) Lookup(key string) (*Definition, error) {
	id := auth.BaseOf(key)
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	return d, nil
}

// BaseURL resolves the API base for key and cred: operator override, then
// the credential-derived host, then the default.
func (r *Registry) BaseURL(key string, cred *auth.Credential) (string, error) {
	d, err := r.Lookup(key)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	override := r.overrides[d.ID]
	r.mu.RUnlock()
	if override != "" {
		return override, nil
	}
	return d.BaseURLFor(cred), nil
}

// IDs lists registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
