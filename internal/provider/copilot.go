package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/oauth"
)

const (
	copilotClientID      = "Iv1.b507a08c87ecfe98"
	copilotDefaultDomain = "github.com"
	copilotBaseURL       = "https://api.githubcopilot.com"

	// ExtraEnterpriseURL is the credential Extra key holding a GitHub
	// Enterprise domain.
	ExtraEnterpriseURL = "enterpriseUrl"

	copilotEnterpriseID = "github-copilot-enterprise"
)

var copilotHeaders = map[string]string{
	"User-Agent":             "GitHubCopilotChat/0.35.0",
	"Editor-Version":         "vscode/1.107.0",
	"Editor-Plugin-Version":  "copilot-chat/0.35.0",
	"Copilot-Integration-Id": "vscode-chat",
}

// Responses API input item types that mark an agent-initiated turn.
var copilotAgentInputTypes = []string{
	"file_search_call", "computer_call", "computer_call_output", "web_search_call",
	"function_call", "function_call_output", "image_generation_call",
	"code_interpreter_call", "local_shell_call", "local_shell_call_output",
	"mcp_list_tools", "mcp_approval_request", "mcp_approval_response", "mcp_call",
	"reasoning",
}

type copilotEndpoints struct {
	DeviceCode  string
	AccessToken string
	APIKey      string
}

func defaultCopilotEndpoints(domain string) copilotEndpoints {
	return copilotEndpoints{
		DeviceCode:  "https://" + domain + "/login/device/code",
		AccessToken: "https://" + domain + "/login/oauth/access_token",
		APIKey:      "https://api." + domain + "/copilot_internal/v2/token",
	}
}

// NormalizeDomain strips the scheme and trailing slash from a GitHub URL.
func NormalizeDomain(u string) string {
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	return strings.TrimRight(u, "/")
}

// GitHubCopilot signs in with the GitHub device flow. The GitHub token is
// stored as the refresh token and exchanged for a short-lived Copilot
// token on first use.
func GitHubCopilot() *Definition {
	return gitHubCopilotWith("github-copilot", defaultCopilotEndpoints)
}

// GitHubCopilotEnterprise is Copilot on a GitHub Enterprise domain.
// Credentials land here when the enterprise deployment is chosen at login.
func GitHubCopilotEnterprise() *Definition {
	return gitHubCopilotWith(copilotEnterpriseID, defaultCopilotEndpoints)
}

func gitHubCopilotWith(id string, endpoints func(domain string) copilotEndpoints) *Definition {
	headers := map[string]string{"Openai-Intent": "conversation-edits"}
	for k, v := range copilotHeaders {
		headers[k] = v
	}

	display := "GitHub Copilot"
	if id == copilotEnterpriseID {
		display = "GitHub Copilot Enterprise"
	}

	return &Definition{
		ID:           id,
		DisplayName:  display,
		BaseURL:      copilotBaseURL,
		Headers:      headers,
		StripHeaders: []string{"x-api-key", "Authorization"},
		Methods:      []Method{copilotDeviceMethod(endpoints), APIKeyMethod{}},
		Refresh: func(ctx context.Context, hc *http.Client, cred *auth.Credential) oauth.Result {
			return copilotToken(ctx, hc, endpoints(copilotDomain(cred)).APIKey, cred)
		},
		ResolveBaseURL: func(cred *auth.Credential) string {
			if d := cred.Extra[ExtraEnterpriseURL]; d != "" {
				return "https://copilot-api." + NormalizeDomain(d)
			}
			return ""
		},
		Decorate: decorateCopilot,
	}
}

func copilotDomain(cred *auth.Credential) string {
	if cred != nil && cred.Extra[ExtraEnterpriseURL] != "" {
		return NormalizeDomain(cred.Extra[ExtraEnterpriseURL])
	}
	return copilotDefaultDomain
}

func copilotDeviceMethod(endpoints func(domain string) copilotEndpoints) *DeviceMethod {
	return &DeviceMethod{
		Name: "GitHub device login",
		Inputs: []Prompt{
			{
				Key:     "deploymentType",
				Message: "Select GitHub deployment type",
				Options: []PromptOption{
					{Label: "GitHub.com", Value: "github.com", Hint: "Public"},
					{Label: "GitHub Enterprise", Value: "enterprise", Hint: "Data residency or self-hosted"},
				},
			},
			{
				Key:         "enterpriseUrl",
				Message:     "Enter your GitHub Enterprise URL or domain",
				Placeholder: "company.ghe.com or https://company.ghe.com",
				Condition:   func(in map[string]string) bool { return in["deploymentType"] == "enterprise" },
				Validate:    validateEnterpriseURL,
			},
		},
		Configure: func(in map[string]string) (oauth.DeviceConfig, error) {
			domain := copilotDefaultDomain
			var enterprise string
			if in["deploymentType"] == "enterprise" {
				if err := validateEnterpriseURL(in["enterpriseUrl"]); err != nil {
					return oauth.DeviceConfig{}, err
				}
				domain = NormalizeDomain(in["enterpriseUrl"])
				enterprise = domain
			}
			ep := endpoints(domain)
			return oauth.DeviceConfig{
				ClientID:      copilotClientID,
				DeviceCodeURL: ep.DeviceCode,
				TokenURL:      ep.AccessToken,
				Scope:         "read:user",
				Encoding:      oauth.EncodingJSON,
				Headers:       map[string]string{"User-Agent": copilotHeaders["User-Agent"]},
				Accept:        copilotAccept(enterprise),
			}, nil
		},
	}
}

// copilotAccept stores the GitHub token as the refresh token with an empty,
// already expired access token.
func copilotAccept(enterpriseDomain string) func(*oauth.TokenResponse, time.Time) oauth.Result {
	return func(tok *oauth.TokenResponse, _ time.Time) oauth.Result {
		res := oauth.Result{Status: oauth.StatusSuccess, Refresh: tok.AccessToken}
		if enterpriseDomain != "" {
			res.Provider = copilotEnterpriseID
			res.Extra = map[string]string{ExtraEnterpriseURL: enterpriseDomain}
		}
		return res
	}
}

func validateEnterpriseURL(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("URL or domain is required")
	}
	if !strings.Contains(v, "://") {
		v = "https://" + v
	}
	u, err := url.Parse(v)
	if err != nil || u.Hostname() == "" {
		return errors.New("enter a valid URL or domain, e.g. company.ghe.com")
	}
	return nil
}

type copilotTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// copilotToken exchanges the stored GitHub token for a Copilot API token.
func copilotToken(ctx context.Context, hc *http.Client, endpoint string, cred *auth.Credential) oauth.Result {
	if cred.Refresh == "" {
		return oauth.Failed("no GitHub token stored")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return oauth.Failed("copilot token: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Refresh)
	for k, v := range copilotHeaders {
		req.Header.Set(k, v)
	}

	if hc == nil {
		hc = &http.Client{Timeout: oauth.DefaultTimeout}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return oauth.Failed("copilot token: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return oauth.Failed("copilot token: HTTP %d", resp.StatusCode)
	}
	var body copilotTokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return oauth.Failed("copilot token: %v", err)
	}
	if body.Token == "" || body.ExpiresAt <= 0 {
		return oauth.Failed("copilot token: response missing token or expires_at")
	}
	return oauth.Result{
		Status:  oauth.StatusSuccess,
		Access:  body.Token,
		Refresh: cred.Refresh,
		Expires: body.ExpiresAt * 1000,
		Extra:   cred.Extra,
	}
}

type copilotPart struct {
	Type string `json:"type"`
}

type copilotItem struct {
	Role    string          `json:"role"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

func (i copilotItem) hasPart(kind string) bool {
	var parts []copilotPart
	if json.Unmarshal(i.Content, &parts) != nil {
		return false
	}
	return slices.ContainsFunc(parts, func(p copilotPart) bool { return p.Type == kind })
}

// decorateCopilot sets X-Initiator and Copilot-Vision-Request from a chat
// completions or responses request body.
func decorateCopilot(h http.Header, body []byte) {
	var payload struct {
		Messages []copilotItem `json:"messages"`
		Input    []copilotItem `json:"input"`
	}
	_ = json.Unmarshal(body, &payload)

	agent, vision := false, false
	if n := len(payload.Messages); n > 0 {
		last := payload.Messages[n-1]
		agent = last.Role == "tool" || last.Role == "assistant"
		vision = slices.ContainsFunc(payload.Messages, func(m copilotItem) bool { return m.hasPart("image_url") })
	}
	if n := len(payload.Input); n > 0 {
		last := payload.Input[n-1]
		agent = last.Role == "assistant" || slices.Contains(copilotAgentInputTypes, last.Type)
		vision = last.hasPart("input_image")
	}

	if agent {
		h.Set("X-Initiator", "agent")
	} else {
		h.Set("X-Initiator", "user")
	}
	if vision {
		h.Set("Copilot-Vision-Request", "true")
	}
}

