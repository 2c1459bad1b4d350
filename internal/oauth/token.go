// Package oauth implements the OAuth grant flows used to sign in to model
// providers and tool servers: authorization code with PKCE (pasted or
// loopback callback) and device code polling.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arctic-cli/arctic/internal/auth"
)

// DefaultTimeout bounds every token endpoint call.
const DefaultTimeout = 10 * time.Second

// ExtraResourceURL is the Result.Extra key for a returned resource_url.
const ExtraResourceURL = "resourceUrl"

// Encoding selects the token request body format.
type Encoding int

const (
	// EncodingForm sends application/x-www-form-urlencoded bodies.
	EncodingForm Encoding = iota

	// EncodingJSON sends application/json bodies.
	EncodingJSON
)

// Status is the outcome of a flow.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result is the normalized outcome of an exchange, poll or refresh. Callers
// depend only on this shape, never on the flow that produced it.
type Result struct {
	Status Status

	Access  string
	Refresh string
	// Expires is Unix milliseconds.
	Expires int64
	Extra   map[string]string

	// Provider optionally overrides the base provider the credential is
	// stored under (for example an enterprise variant).
	Provider string

	// Reason is a short human-readable failure reason.
	Reason string
}

// OK reports success.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Credential converts a successful result into a storable credential.
func (r Result) Credential() *auth.Credential {
	return &auth.Credential{
		Type:    auth.TypeOAuth,
		Access:  r.Access,
		Refresh: r.Refresh,
		Expires: r.Expires,
		Extra:   r.Extra,
	}
}

// Failed returns a failed result.
func Failed(format string, args ...any) Result {
	return Result{Status: StatusFailed, Reason: fmt.Sprintf(format, args...)}
}

// TokenResponse is a token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// ResourceURL is returned by some providers to select the API host.
	ResourceURL string `json:"resource_url,omitempty"`

	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Validate checks the fields every grant must return. A refresh token is
// required unless allowMissingRefresh is set.
func (t *TokenResponse) Validate(allowMissingRefresh bool) error {
	if t.AccessToken == "" {
		return errors.New("response missing access_token")
	}
	if t.ExpiresIn <= 0 {
		return errors.New("response missing positive expires_in")
	}
	if t.RefreshToken == "" && !allowMissingRefresh {
		return errors.New("response missing refresh_token")
	}
	return nil
}

// Result converts a validated response. previousRefresh is carried forward
// when the response omits a refresh token.
func (t *TokenResponse) Result(now time.Time, previousRefresh string) Result {
	refresh := t.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	r := Result{
		Status:  StatusSuccess,
		Access:  t.AccessToken,
		Refresh: refresh,
		Expires: now.Add(time.Duration(t.ExpiresIn) * time.Second).UnixMilli(),
	}
	if t.ResourceURL != "" {
		r.Extra = map[string]string{ExtraResourceURL: t.ResourceURL}
	}
	return r
}

// tokenRequest is a single POST to a token-style endpoint.
type tokenRequest struct {
	Endpoint string
	Params   url.Values
	Encoding Encoding
	Headers  map[string]string
	Client   *http.Client
}

// tokenReply is the raw outcome of a tokenRequest.
type tokenReply struct {
	StatusCode int
	Body       []byte
	Token      *TokenResponse // nil when the body is not JSON
}

func (r *tokenReply) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// describe returns a short failure reason for a non-2xx reply.
func (r *tokenReply) describe() string {
	if r.Token != nil && r.Token.Error != "" {
		if r.Token.ErrorDescription != "" {
			return fmt.Sprintf("HTTP %d: %s: %s", r.StatusCode, r.Token.Error, r.Token.ErrorDescription)
		}
		return fmt.Sprintf("HTTP %d: %s", r.StatusCode, r.Token.Error)
	}
	body := strings.TrimSpace(string(r.Body))
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("HTTP %d", r.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", r.StatusCode, body)
}

// doTokenRequest performs the request and decodes the body when possible.
// Only transport failures return an error; HTTP status is left to callers.
func doTokenRequest(ctx context.Context, req tokenRequest) (*tokenReply, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch req.Encoding {
	case EncodingJSON:
		flat := make(map[string]string, len(req.Params))
		for k := range req.Params {
			flat[k] = req.Params.Get(k)
		}
		data, err := json.Marshal(flat)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	default:
		body = strings.NewReader(req.Params.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := req.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	reply := &tokenReply{StatusCode: resp.StatusCode, Body: data}
	var tok TokenResponse
	if err := json.Unmarshal(data, &tok); err == nil {
		reply.Token = &tok
	}
	return reply, nil
}

// RefreshConfig describes a provider's refresh grant.
type RefreshConfig struct {
	TokenURL   string
	ClientID   string
	Encoding   Encoding
	Headers    map[string]string
	HTTPClient *http.Client
	Now        func() time.Time
}

// Refresh runs grant_type=refresh_token. Providers may omit a new refresh
// token, in which case the current one is carried forward.
func Refresh(ctx context.Context, cfg RefreshConfig, refreshToken string) Result {
	if refreshToken == "" {
		return Failed("no refresh token")
	}
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}

	reply, err := doTokenRequest(ctx, tokenRequest{
		Endpoint: cfg.TokenURL,
		Params: url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
			"client_id":     {cfg.ClientID},
		},
		Encoding: cfg.Encoding,
		Headers:  cfg.Headers,
		Client:   cfg.HTTPClient,
	})
	if err != nil {
		return Failed("token refresh failed: %v", err)
	}
	if !reply.ok() {
		return Failed("token refresh failed: %s", reply.describe())
	}
	if reply.Token == nil {
		return Failed("token refresh failed: response is not JSON")
	}
	if err := reply.Token.Validate(true); err != nil {
		return Failed("token refresh failed: %v", err)
	}
	return reply.Token.Result(now(), refreshToken)
}
