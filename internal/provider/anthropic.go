package provider

import (
	"context"
	"net/http"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/oauth"
)

const (
	anthropicClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicAuthorizeURL = "https://claude.ai/oauth/authorize"
	anthropicTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	anthropicRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	anthropicBaseURL      = "https://api.anthropic.com"

	// AnthropicOAuthBeta must accompany OAuth bearer tokens.
	AnthropicOAuthBeta = "oauth-2025-04-20"
)

var anthropicScopes = []string{"org:create_api_key", "user:profile", "user:inference"}

// Anthropic signs in with a Claude.ai account or an API key.
func Anthropic() *Definition {
	return anthropicWith(anthropicTokenURL)
}

func anthropicWith(tokenURL string) *Definition {
	return &Definition{
		ID:           "anthropic",
		DisplayName:  "Anthropic",
		BaseURL:      anthropicBaseURL,
		ListHeaders:  map[string][]string{"anthropic-beta": {AnthropicOAuthBeta}},
		StripHeaders: []string{"x-api-key"},
		APIKeyHeader: "x-api-key",
		Methods: []Method{
			&AuthCodeMethod{
				Name: "Claude.ai account",
				Config: oauth.AuthCodeConfig{
					ClientID:     anthropicClientID,
					AuthorizeURL: anthropicAuthorizeURL,
					TokenURL:     tokenURL,
					RedirectURI:  anthropicRedirectURI,
					Scopes:       anthropicScopes,
					ExtraParams:  map[string]string{"code": "true"},
					Encoding:     oauth.EncodingJSON,
				},
			},
			APIKeyMethod{},
		},
		Refresh: func(ctx context.Context, hc *http.Client, cred *auth.Credential) oauth.Result {
			return oauth.Refresh(ctx, oauth.RefreshConfig{
				TokenURL:   tokenURL,
				ClientID:   anthropicClientID,
				Encoding:   oauth.EncodingJSON,
				HTTPClient: hc,
			}, cred.Refresh)
		},
	}
}
