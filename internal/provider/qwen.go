package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/oauth"
)

const (
	qwenClientID      = "f0304373b74a44d2b584a3fb70ca9e56"
	qwenDeviceCodeURL = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	qwenTokenURL      = "https://chat.qwen.ai/api/v1/oauth2/token"
	qwenScope         = "openid profile email model.completion"
	qwenBaseURL       = "https://portal.qwen.ai/v1"

	qwenInitialInterval = 2 * time.Second
	qwenMaxInterval     = 10 * time.Second
)

type qwenEndpoints struct {
	DeviceCode string
	Token      string
}

// Qwen signs in with the device flow plus PKCE. The token response may name
// a resource host which becomes the API base.
func Qwen() *Definition {
	return qwenWith(qwenEndpoints{DeviceCode: qwenDeviceCodeURL, Token: qwenTokenURL})
}

func qwenWith(ep qwenEndpoints) *Definition {
	return &Definition{
		ID:           "qwen",
		DisplayName:  "Qwen",
		BaseURL:      qwenBaseURL,
		Headers:      map[string]string{"X-DashScope-AuthType": "qwen_oauth"},
		StripHeaders: []string{"Authorization"},
		Methods: []Method{
			&DeviceMethod{
				Name: "Qwen account",
				Configure: func(map[string]string) (oauth.DeviceConfig, error) {
					return oauth.DeviceConfig{
						ClientID:        qwenClientID,
						DeviceCodeURL:   ep.DeviceCode,
						TokenURL:        ep.Token,
						Scope:           qwenScope,
						UsePKCE:         true,
						Encoding:        oauth.EncodingForm,
						Accept:          qwenAccept,
						Backoff:         qwenBackoff,
						DefaultInterval: qwenInitialInterval,
					}, nil
				},
				VerificationURL: func(s *oauth.DeviceSession) string {
					return oauth.AppendQueryParam(s.URL(), "client", "qwen-code")
				},
			},
			APIKeyMethod{},
		},
		Refresh: func(ctx context.Context, hc *http.Client, cred *auth.Credential) oauth.Result {
			res := oauth.Refresh(ctx, oauth.RefreshConfig{
				TokenURL:   ep.Token,
				ClientID:   qwenClientID,
				Encoding:   oauth.EncodingForm,
				HTTPClient: hc,
			}, cred.Refresh)
			normalizeResourceExtra(&res)
			return res
		},
		ResolveBaseURL: func(cred *auth.Credential) string {
			return QwenBaseURL(cred.Extra[oauth.ExtraResourceURL])
		},
	}
}

func qwenAccept(tok *oauth.TokenResponse, now time.Time) oauth.Result {
	if err := tok.Validate(false); err != nil {
		return oauth.Failed("invalid token response: %v", err)
	}
	res := tok.Result(now, "")
	normalizeResourceExtra(&res)
	return res
}

func qwenBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * 1.5)
	if next > qwenMaxInterval {
		next = qwenMaxInterval
	}
	return next
}

// normalizeResourceExtra makes a returned resource_url absolute, dropping
// it when it does not parse.
func normalizeResourceExtra(res *oauth.Result) {
	raw := res.Extra[oauth.ExtraResourceURL]
	if raw == "" {
		return
	}
	if u := normalizeResourceURL(raw); u != "" {
		res.Extra[oauth.ExtraResourceURL] = u
	} else {
		delete(res.Extra, oauth.ExtraResourceURL)
	}
}

func normalizeResourceURL(raw string) string {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return raw
}

// QwenBaseURL derives the API base from a resource URL: scheme added when
// missing, trailing slash removed, /v1 appended.
func QwenBaseURL(resourceURL string) string {
	if resourceURL == "" {
		return qwenBaseURL
	}
	base := normalizeResourceURL(resourceURL)
	if base == "" {
		return qwenBaseURL
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}
