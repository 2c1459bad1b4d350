package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

const (
	// DiscoveryTimeout bounds each metadata request.
	DiscoveryTimeout = 5 * time.Second

	// MCPProtocolVersion is sent on requests to tool servers.
	MCPProtocolVersion = "2024-11-05"
)

// AuthorizationServerMetadata is RFC 8414 metadata.
type AuthorizationServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`

	RegistrationEndpoint string   `json:"registration_endpoint,omitempty"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`

	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// SupportsS256 reports whether S256 PKCE is advertised.
func (m *AuthorizationServerMetadata) SupportsS256() bool {
	return slices.Contains(m.CodeChallengeMethodsSupported, "S256")
}

// SupportsRegistration reports whether dynamic client registration is advertised.
func (m *AuthorizationServerMetadata) SupportsRegistration() bool {
	return m.RegistrationEndpoint != ""
}

// ResourceMetadata is RFC 9728 protected resource metadata.
type ResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// Discoverer finds a tool server's authorization server.
type Discoverer struct {
	Client *http.Client
}

func (d *Discoverer) client() *http.Client {
	if d != nil && d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: DiscoveryTimeout}
}

// Discover tries standard RFC 8414 discovery against serverURL, then falls
// back to the RFC 9728 flow driven by a 401 challenge from the server.
func (d *Discoverer) Discover(ctx context.Context, serverURL string) (*AuthorizationServerMetadata, error) {
	meta, err := d.Metadata(ctx, serverURL)
	if err == nil {
		return meta, nil
	}

	challenge, cerr := d.challenge(ctx, serverURL)
	if cerr != nil {
		return nil, fmt.Errorf("oauth discovery failed: %w; challenge: %v", err, cerr)
	}
	return d.FromChallenge(ctx, challenge)
}

// Metadata fetches RFC 8414 metadata, trying path-aware well-known URLs
// before the root one.
func (d *Discoverer) Metadata(ctx context.Context, serverURL string) (*AuthorizationServerMetadata, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}

	var lastErr error
	for _, u := range buildDiscoveryPaths(parsed) {
		var meta AuthorizationServerMetadata
		if err := d.getJSON(ctx, u, &meta); err != nil {
			lastErr = err
			continue
		}
		if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
			lastErr = fmt.Errorf("%s: missing authorization_endpoint or token_endpoint", u)
			continue
		}
		return &meta, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no metadata found")
	}
	return nil, lastErr
}

// FromChallenge follows resource_metadata to the authorization servers.
func (d *Discoverer) FromChallenge(ctx context.Context, ch *BearerChallenge) (*AuthorizationServerMetadata, error) {
	if ch == nil || ch.ResourceMetadata == "" {
		return nil, errors.New("no resource_metadata in challenge")
	}

	var rm ResourceMetadata
	if err := d.getJSON(ctx, ch.ResourceMetadata, &rm); err != nil {
		return nil, fmt.Errorf("fetch resource metadata: %w", err)
	}
	if len(rm.AuthorizationServers) == 0 {
		return nil, errors.New("resource metadata has no authorization_servers")
	}

	var lastErr error
	for _, as := range rm.AuthorizationServers {
		meta, err := d.Metadata(ctx, as)
		if err != nil {
			lastErr = err
			continue
		}
		return meta, nil
	}
	return nil, fmt.Errorf("discovery on authorization servers failed: %w", lastErr)
}

// challenge sends an initialize request expecting a 401 with a Bearer challenge.
func (d *Discoverer) challenge(ctx context.Context, serverURL string) (*BearerChallenge, error) {
	body := `{"jsonrpc":"2.0","method":"initialize","id":1,"params":{"protocolVersion":"` + MCPProtocolVersion +
		`","clientInfo":{"name":"arctic","version":"1.0.0"},"capabilities":{}}}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("MCP-Protocol-Version", MCPProtocolVersion)

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("expected 401, got %d", resp.StatusCode)
	}
	ch := ParseBearerChallenge(resp.Header)
	if ch == nil || ch.ResourceMetadata == "" {
		return nil, errors.New("no Bearer resource_metadata in WWW-Authenticate")
	}
	return ch, nil
}

func (d *Discoverer) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", MCPProtocolVersion)

	resp, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", u, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", u, err)
	}
	return nil
}

// buildDiscoveryPaths lists well-known URLs in priority order:
// /.well-known/oauth-authorization-server/<path>,
// /<path>/.well-known/oauth-authorization-server, then the root.
func buildDiscoveryPaths(u *url.URL) []string {
	base := u.Scheme + "://" + u.Host
	path := strings.Trim(u.Path, "/")

	var paths []string
	if path != "" {
		paths = append(paths,
			base+"/.well-known/oauth-authorization-server/"+path,
			base+"/"+path+"/.well-known/oauth-authorization-server",
		)
	}
	return append(paths, base+"/.well-known/oauth-authorization-server")
}
