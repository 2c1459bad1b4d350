package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"golang.org/x/oauth2"

	"github.com/arctic-cli/arctic/internal/auth"
)

// DefaultCallbackTimeout bounds how long a tool-server flow waits for the
// browser redirect.
const DefaultCallbackTimeout = 5 * time.Minute

// ServerFlowConfig configures an authorization-code flow against a tool
// server's own authorization server.
type ServerFlowConfig struct {
	ServerURL string
	Scopes    []string

	// Client is a configured or previously registered client. An empty
	// ClientID triggers dynamic registration.
	Client auth.ClientInfo

	// CallbackPort for the loopback redirect; 0 picks a free port.
	CallbackPort    int
	CallbackTimeout time.Duration

	// OnURL is called with the authorization URL before the browser opens.
	OnURL func(url string)

	// OpenURL opens the browser. Defaults to OpenBrowser.
	OpenURL func(url string) error

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ServerFlowResult holds what must be persisted after a successful flow.
type ServerFlowResult struct {
	Tokens     *auth.MCPTokens
	Client     auth.ClientInfo
	Registered bool
}

// RunServerFlow discovers the authorization server, resolves a client
// (configured, stored, or dynamically registered), runs PKCE through a
// loopback callback and exchanges the code. It persists nothing; the
// caller stores the result only on success.
func RunServerFlow(ctx context.Context, cfg ServerFlowConfig) (*ServerFlowResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	disc := &Discoverer{Client: cfg.HTTPClient}
	meta, err := disc.Discover(ctx, cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	cb, err := StartCallbackServer(cfg.CallbackPort)
	if err != nil {
		return nil, fmt.Errorf("start callback server: %w", err)
	}
	defer func() { _ = cb.Close() }()
	redirectURI := cb.RedirectURI()

	client := cfg.Client
	registered := false
	if client.ClientID == "" {
		if !meta.SupportsRegistration() {
			return nil, fmt.Errorf("%w: authorization server does not support dynamic client registration", ErrClientRegistrationRequired)
		}
		reg, err := RegisterClient(ctx, cfg.HTTPClient, meta.RegistrationEndpoint, redirectURI, cfg.Scopes)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrClientRegistrationRequired, err)
		}
		client = auth.ClientInfo{ClientID: reg.ClientID, ClientSecret: reg.ClientSecret}
		registered = true
		logger.Info("registered oauth client", slog.String("server", cfg.ServerURL))
	}

	pkce := NewPKCE()
	state, err := GenerateState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	oc := &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: determineAuthStyle(meta, client.ClientSecret),
		},
	}
	authURL := oc.AuthCodeURL(state, oauth2.S256ChallengeOption(pkce.Verifier))

	if cfg.OnURL != nil {
		cfg.OnURL(authURL)
	}
	open := cfg.OpenURL
	if open == nil {
		open = OpenBrowser
	}
	if err := open(authURL); err != nil {
		logger.Warn("could not open browser", slog.String("error", err.Error()))
	}

	timeout := cfg.CallbackTimeout
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cbResult, err := cb.Wait(waitCtx)
	if err != nil {
		return nil, fmt.Errorf("waiting for callback: %w", err)
	}
	if cbResult.Error != "" {
		return nil, fmt.Errorf("authorization error: %s %s", cbResult.Error, cbResult.ErrorDescription)
	}
	if cbResult.State != state {
		return nil, errors.New("state mismatch in callback")
	}
	if cbResult.Code == "" {
		return nil, errors.New("no authorization code received")
	}

	tok, err := oc.Exchange(withHTTPClient(ctx, cfg.HTTPClient), cbResult.Code, oauth2.VerifierOption(pkce.Verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	return &ServerFlowResult{
		Tokens:     tokensFrom(tok, meta.TokenEndpoint),
		Client:     client,
		Registered: registered,
	}, nil
}

// RefreshServerTokens refreshes tool-server tokens at their remembered
// token endpoint. The previous refresh token is kept when none is returned.
func RefreshServerTokens(ctx context.Context, httpClient *http.Client, tokens *auth.MCPTokens, client auth.ClientInfo) (*auth.MCPTokens, error) {
	if tokens == nil || tokens.Refresh == "" {
		return nil, errors.New("no refresh token")
	}
	if tokens.TokenEndpoint == "" {
		return nil, errors.New("no token endpoint recorded")
	}

	style := oauth2.AuthStyleInParams
	if client.ClientSecret != "" {
		style = oauth2.AuthStyleAutoDetect
	}
	oc := &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokens.TokenEndpoint, AuthStyle: style},
	}

	expired := &oauth2.Token{RefreshToken: tokens.Refresh, Expiry: time.Unix(1, 0)}
	tok, err := oc.TokenSource(withHTTPClient(ctx, httpClient), expired).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	out := tokensFrom(tok, tokens.TokenEndpoint)
	if out.Refresh == "" {
		out.Refresh = tokens.Refresh
	}
	if out.Scope == "" {
		out.Scope = tokens.Scope
	}
	return out, nil
}

func tokensFrom(tok *oauth2.Token, tokenEndpoint string) *auth.MCPTokens {
	out := &auth.MCPTokens{
		Access:        tok.AccessToken,
		Refresh:       tok.RefreshToken,
		TokenEndpoint: tokenEndpoint,
	}
	if !tok.Expiry.IsZero() {
		out.Expires = tok.Expiry.UnixMilli()
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	return out
}

func withHTTPClient(ctx context.Context, c *http.Client) context.Context {
	if c == nil {
		c = &http.Client{Timeout: DefaultTimeout}
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c)
}

// determineAuthStyle picks token endpoint client authentication from the
// advertised methods: public clients send client_id in the body,
// client_secret_post is preferred over client_secret_basic, and the RFC
// default is basic.
func determineAuthStyle(meta *AuthorizationServerMetadata, clientSecret string) oauth2.AuthStyle {
	if clientSecret == "" {
		return oauth2.AuthStyleInParams
	}
	methods := meta.TokenEndpointAuthMethods
	switch {
	case len(methods) == 0:
		return oauth2.AuthStyleInHeader
	case slices.Contains(methods, "client_secret_post"):
		return oauth2.AuthStyleInParams
	case slices.Contains(methods, "client_secret_basic"):
		return oauth2.AuthStyleInHeader
	default:
		return oauth2.AuthStyleInParams
	}
}
