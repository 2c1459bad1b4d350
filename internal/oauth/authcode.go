package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// AuthCodeConfig describes an authorization-code + PKCE provider where the
// user pastes the code shown on the provider's redirect page.
type AuthCodeConfig struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scopes       []string

	// ExtraParams are added to the authorization URL.
	ExtraParams map[string]string

	// Encoding of the token exchange body.
	Encoding Encoding

	// Headers are sent with the token exchange.
	Headers map[string]string

	HTTPClient *http.Client
	Now        func() time.Time
}

// AuthCodeSession is an authorization in progress.
type AuthCodeSession struct {
	cfg   AuthCodeConfig
	pkce  *PKCE
	state string
	url   string
}

// StartAuthCode generates PKCE and state and builds the authorization URL.
func StartAuthCode(cfg AuthCodeConfig) (*AuthCodeSession, error) {
	if cfg.ClientID == "" || cfg.AuthorizeURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("auth code config: client id, authorize url and token url are required")
	}

	state, err := GenerateState()
	if err != nil {
		return nil, err
	}
	pkce := NewPKCE()

	oc := &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURI,
		Scopes:      cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizeURL,
			TokenURL: cfg.TokenURL,
		},
	}
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(pkce.Verifier)}
	for k, v := range cfg.ExtraParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return &AuthCodeSession{
		cfg:   cfg,
		pkce:  pkce,
		state: state,
		url:   oc.AuthCodeURL(state, opts...),
	}, nil
}

// URL is the authorization URL to open for the user.
func (s *AuthCodeSession) URL() string { return s.url }

// State is the locally generated state.
func (s *AuthCodeSession) State() string { return s.state }

// Verifier is the PKCE verifier bound to this session.
func (s *AuthCodeSession) Verifier() string { return s.pkce.Verifier }

// SplitCallbackInput splits a pasted "code#state" string. Without a '#'
// the whole input is the code and state is empty.
func SplitCallbackInput(input string) (code, state string) {
	input = strings.TrimSpace(input)
	code, state, _ = strings.Cut(input, "#")
	return code, state
}

// Exchange trades the pasted code for tokens. A state after '#' overrides
// the locally generated one. Failures are returned as a failed Result.
func (s *AuthCodeSession) Exchange(ctx context.Context, pasted string) Result {
	code, state := SplitCallbackInput(pasted)
	if code == "" {
		return Failed("no authorization code provided")
	}
	if state == "" {
		state = s.state
	}

	now := time.Now
	if s.cfg.Now != nil {
		now = s.cfg.Now
	}

	reply, err := doTokenRequest(ctx, tokenRequest{
		Endpoint: s.cfg.TokenURL,
		Params: url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"state":         {state},
			"client_id":     {s.cfg.ClientID},
			"redirect_uri":  {s.cfg.RedirectURI},
			"code_verifier": {s.pkce.Verifier},
		},
		Encoding: s.cfg.Encoding,
		Headers:  s.cfg.Headers,
		Client:   s.cfg.HTTPClient,
	})
	if err != nil {
		return Failed("token exchange failed: %v", err)
	}
	if !reply.ok() {
		return Failed("token exchange failed: %s", reply.describe())
	}
	if reply.Token == nil {
		return Failed("token exchange failed: response is not JSON")
	}
	if err := reply.Token.Validate(false); err != nil {
		return Failed("token exchange failed: %v", err)
	}
	return reply.Token.Result(now(), "")
}
