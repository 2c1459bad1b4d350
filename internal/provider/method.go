package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/oauth"
)

// MethodKind tags the sign-in method variants.
type MethodKind string

const (
	KindAuthCode MethodKind = "oauth-code"
	KindDevice   MethodKind = "oauth-device"
	KindAPIKey   MethodKind = "api"
)

// PromptOption is one choice of a select prompt.
type PromptOption struct {
	Label string
	Value string
	Hint  string
}

// Prompt is an input a method needs before Authorize. A prompt with
// Options is a select, otherwise free text.
type Prompt struct {
	Key         string
	Message     string
	Placeholder string
	Options     []PromptOption

	// Condition hides the prompt unless it returns true for the inputs
	// collected so far.
	Condition func(inputs map[string]string) bool
	Validate  func(value string) error
}

// Visible reports whether the prompt applies to inputs.
func (p Prompt) Visible(inputs map[string]string) bool {
	return p.Condition == nil || p.Condition(inputs)
}

// AuthMode says how the caller completes an Authorization.
type AuthMode string

const (
	// ModeCode: the user pastes a string which is passed to Callback.
	ModeCode AuthMode = "code"

	// ModeAuto: the caller drives Poller until it finishes.
	ModeAuto AuthMode = "auto"
)

// Authorization is a started sign-in.
type Authorization struct {
	URL          string
	Instructions string
	Mode         AuthMode

	// Callback completes ModeCode.
	Callback func(ctx context.Context, input string) oauth.Result

	// Poller completes ModeAuto.
	Poller *oauth.Poller

	// CredentialType is auth.TypeOAuth or auth.TypeAPI.
	CredentialType string
}

// Wait drives a ModeAuto authorization to completion with sleep.
func (a *Authorization) Wait(ctx context.Context, sleep oauth.SleepFunc) oauth.Result {
	if a.Poller == nil {
		return oauth.Failed("authorization is not polled")
	}
	res := a.Poller.Wait(ctx, sleep)
	if res.Status != oauth.PollSuccess {
		if res.Reason() == "" {
			return oauth.Failed("%s", res.Status)
		}
		return oauth.Failed("%s", res.Reason())
	}
	return res.Result
}

// FlowSettings tune interactive sign-in. Zero values keep the flow
// defaults.
type FlowSettings struct {
	HTTPClient *http.Client
	MaxWait    time.Duration
}

// Method is one way to sign in to a provider.
type Method interface {
	Label() string
	Kind() MethodKind
	Prompts() []Prompt
	Authorize(ctx context.Context, inputs map[string]string) (*Authorization, error)
}

// AuthCodeMethod is authorization code + PKCE with a pasted code.
type AuthCodeMethod struct {
	Name   string
	Config oauth.AuthCodeConfig
}

func (m *AuthCodeMethod) Label() string     { return m.Name }
func (m *AuthCodeMethod) Kind() MethodKind  { return KindAuthCode }
func (m *AuthCodeMethod) Prompts() []Prompt { return nil }

func (m *AuthCodeMethod) Authorize(_ context.Context, _ map[string]string) (*Authorization, error) {
	s, err := oauth.StartAuthCode(m.Config)
	if err != nil {
		return nil, err
	}
	return &Authorization{
		URL:            s.URL(),
		Instructions:   "Sign in with your browser, then paste the authorization code here.",
		Mode:           ModeCode,
		Callback:       s.Exchange,
		CredentialType: auth.TypeOAuth,
	}, nil
}

// DeviceMethod is the device code flow.
type DeviceMethod struct {
	Name string

	// Inputs are collected before Configure runs.
	Inputs []Prompt

	// Configure builds the device config from the collected inputs.
	Configure func(inputs map[string]string) (oauth.DeviceConfig, error)

	// VerificationURL rewrites the URL shown to the user.
	VerificationURL func(s *oauth.DeviceSession) string

	PollerOptions []oauth.PollerOption

	Settings FlowSettings
}

func (m *DeviceMethod) Label() string     { return m.Name }
func (m *DeviceMethod) Kind() MethodKind  { return KindDevice }
func (m *DeviceMethod) Prompts() []Prompt { return m.Inputs }

func (m *DeviceMethod) Authorize(ctx context.Context, inputs map[string]string) (*Authorization, error) {
	cfg, err := m.Configure(inputs)
	if err != nil {
		return nil, err
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = m.Settings.MaxWait
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = m.Settings.HTTPClient
	}
	s, err := oauth.RequestDeviceCode(ctx, cfg)
	if err != nil {
		return nil, err
	}
	u := s.URL()
	if m.VerificationURL != nil {
		u = m.VerificationURL(s)
	}
	return &Authorization{
		URL:            u,
		Instructions:   "Enter code: " + s.UserCode,
		Mode:           ModeAuto,
		Poller:         oauth.NewPoller(s, m.PollerOptions...),
		CredentialType: auth.TypeOAuth,
	}, nil
}

// APIKeyMethod stores a static API key.
type APIKeyMethod struct{}

func (APIKeyMethod) Label() string     { return "API key" }
func (APIKeyMethod) Kind() MethodKind  { return KindAPIKey }
func (APIKeyMethod) Prompts() []Prompt { return nil }

func (APIKeyMethod) Authorize(_ context.Context, _ map[string]string) (*Authorization, error) {
	return &Authorization{
		Instructions: "Paste your API key.",
		Mode:         ModeCode,
		Callback: func(_ context.Context, input string) oauth.Result {
			key := strings.TrimSpace(input)
			if key == "" {
				return oauth.Failed("no API key provided")
			}
			return oauth.Result{Status: oauth.StatusSuccess, Access: key}
		},
		CredentialType: auth.TypeAPI,
	}, nil
}

// Save stores a successful result under key and returns the key used. A
// result that names another provider (an enterprise variant) is stored
// under that provider with the same connection suffix.
func Save(store auth.Store, key string, a *Authorization, res oauth.Result) (string, error) {
	if !res.OK() {
		if res.Reason == "" {
			return "", errors.New("authorization failed")
		}
		return "", fmt.Errorf("authorization failed: %s", res.Reason)
	}

	target := auth.ParseKey(key)
	if res.Provider != "" {
		target.Base = res.Provider
	}

	cred := res.Credential()
	if a != nil && a.CredentialType == auth.TypeAPI {
		cred = &auth.Credential{Type: auth.TypeAPI, Access: res.Access}
	}
	if err := store.Set(target.String(), cred); err != nil {
		return "", fmt.Errorf("store credential: %w", err)
	}
	return target.String(), nil
}
