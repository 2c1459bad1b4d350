package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/oauth"
)

func TestBuiltinRegistry(t *testing.T) {
	reg := Builtin()
	assert.Equal(t, []string{"anthropic", "github-copilot", "github-copilot-enterprise", "qwen"}, reg.IDs())

	d, err := reg.Lookup("anthropic:work")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", d.ID)

	_, err = reg.Lookup("nope")
	assert.Error(t, err)

	m, err := d.Method("api")
	require.NoError(t, err)
	assert.Equal(t, KindAPIKey, m.Kind())
}

func TestRegistry_BaseURLPrecedence(t *testing.T) {
	reg := NewRegistry(GitHubCopilotEnterprise())
	cred := &auth.Credential{Extra: map[string]string{ExtraEnterpriseURL: "https://corp.ghe.com/"}}

	u, err := reg.BaseURL("github-copilot-enterprise", cred)
	require.NoError(t, err)
	assert.Equal(t, "https://copilot-api.corp.ghe.com", u)

	u, _ = reg.BaseURL("github-copilot-enterprise", &auth.Credential{})
	assert.Equal(t, copilotBaseURL, u)

	reg.SetBaseURL("github-copilot-enterprise", "https://proxy.internal/")
	u, _ = reg.BaseURL("github-copilot-enterprise", cred)
	assert.Equal(t, "https://proxy.internal", u)
}

func TestAnthropic_AuthCodeLogin(t *testing.T) {
	var got map[string]string
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":3600}`))
	}))
	defer ts.Close()

	def := anthropicWith(ts.URL)
	m, err := def.Method("")
	require.NoError(t, err)
	assert.Equal(t, KindAuthCode, m.Kind())

	a, err := m.Authorize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, ModeCode, a.Mode)

	u, err := url.Parse(a.URL)
	require.NoError(t, err)
	assert.Equal(t, "claude.ai", u.Host)
	assert.Equal(t, "true", u.Query().Get("code"))
	assert.Equal(t, anthropicClientID, u.Query().Get("client_id"))
	assert.Equal(t, "org:create_api_key user:profile user:inference", u.Query().Get("scope"))

	res := a.Callback(context.Background(), "the-code#the-state")
	require.True(t, res.OK(), res.Reason)

	mu.Lock()
	assert.Equal(t, "the-code", got["code"])
	assert.Equal(t, "the-state", got["state"])
	mu.Unlock()

	store := newTestStore(t)
	key, err := Save(store, "anthropic:work", a, res)
	require.NoError(t, err)
	assert.Equal(t, "anthropic:work", key)

	cred, err := store.Get("anthropic:work")
	require.NoError(t, err)
	assert.Equal(t, "at", cred.Access)
	assert.Equal(t, auth.TypeOAuth, cred.Type)
}

func TestAPIKeyMethod(t *testing.T) {
	a, err := APIKeyMethod{}.Authorize(context.Background(), nil)
	require.NoError(t, err)

	assert.False(t, a.Callback(context.Background(), "  ").OK())

	res := a.Callback(context.Background(), " sk-123 \n")
	require.True(t, res.OK())

	store := newTestStore(t)
	key, err := Save(store, "qwen", a, res)
	require.NoError(t, err)

	cred, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, &auth.Credential{Type: auth.TypeAPI, Access: "sk-123"}, cred)
}

func TestSave_Failure(t *testing.T) {
	_, err := Save(newTestStore(t), "p", nil, oauth.Failed("denied"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

// fakeGitHub serves the device and Copilot token endpoints.
type fakeGitHub struct {
	*httptest.Server
	mu       sync.Mutex
	domains  []string
	apiAuth  string
	polls    int
	approved bool
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	g := &fakeGitHub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/login/device/code", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"device_code":"dc","user_code":"ABCD-1234","verification_uri":"https://github.com/login/device","expires_in":900,"interval":5}`))
	})
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.polls++
		approved := g.approved
		g.mu.Unlock()
		if !approved {
			_, _ = w.Write([]byte(`{"error":"authorization_pending"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"gho_token","token_type":"bearer"}`))
	})
	mux.HandleFunc("/copilot_internal/v2/token", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.apiAuth = r.Header.Get("Authorization")
		g.mu.Unlock()
		_, _ = w.Write([]byte(`{"token":"copilot-token","expires_at":4102444800}`))
	})
	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Close)
	return g
}

func (g *fakeGitHub) endpoints(domain string) copilotEndpoints {
	g.mu.Lock()
	g.domains = append(g.domains, domain)
	g.mu.Unlock()
	return copilotEndpoints{
		DeviceCode:  g.URL + "/login/device/code",
		AccessToken: g.URL + "/login/oauth/access_token",
		APIKey:      g.URL + "/copilot_internal/v2/token",
	}
}

func TestCopilot_EnterpriseDeviceLoginAndFirstUse(t *testing.T) {
	gh := newFakeGitHub(t)
	def := gitHubCopilotWith("github-copilot", gh.endpoints)

	m, err := def.Method("")
	require.NoError(t, err)
	require.Equal(t, KindDevice, m.Kind())

	inputs := map[string]string{"deploymentType": "enterprise", "enterpriseUrl": "https://corp.ghe.com/"}
	prompts := m.Prompts()
	require.Len(t, prompts, 2)
	assert.True(t, prompts[1].Visible(inputs))
	assert.False(t, prompts[1].Visible(map[string]string{"deploymentType": "github.com"}))

	a, err := m.Authorize(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, a.Mode)
	assert.Equal(t, "Enter code: ABCD-1234", a.Instructions)

	first := a.Poller.Step(context.Background())
	assert.Equal(t, oauth.PollPending, first.Status)

	gh.mu.Lock()
	gh.approved = true
	gh.mu.Unlock()

	res := a.Poller.Step(context.Background())
	require.Equal(t, oauth.PollSuccess, res.Status, res.Reason())

	store := newTestStore(t)
	key, err := Save(store, "github-copilot:work", a, res.Result)
	require.NoError(t, err)
	assert.Equal(t, "github-copilot-enterprise:work", key)

	cred, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "", cred.Access)
	assert.Equal(t, "gho_token", cred.Refresh)
	assert.Equal(t, int64(0), cred.Expires)
	assert.Equal(t, "corp.ghe.com", cred.Extra[ExtraEnterpriseURL])

	// first use exchanges the GitHub token
	ent := gitHubCopilotWith(copilotEnterpriseID, gh.endpoints)
	r := NewRefresher(store, NewRegistry(ent))
	tok, err := r.EnsureFresh(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "copilot-token", tok)

	gh.mu.Lock()
	assert.Equal(t, "Bearer gho_token", gh.apiAuth)
	assert.Contains(t, gh.domains, "corp.ghe.com")
	gh.mu.Unlock()

	cred, _ = store.Get(key)
	assert.Equal(t, int64(4102444800000), cred.Expires)
	assert.Equal(t, "gho_token", cred.Refresh)
	assert.Equal(t, "corp.ghe.com", cred.Extra[ExtraEnterpriseURL])
}

func TestCopilot_InvalidEnterpriseURL(t *testing.T) {
	def := GitHubCopilot()
	m, _ := def.Method("")
	_, err := m.Authorize(context.Background(), map[string]string{"deploymentType": "enterprise", "enterpriseUrl": ""})
	assert.Error(t, err)
}

func TestDecorateCopilot(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		initiator string
		vision    bool
	}{
		{"user message", `{"messages":[{"role":"user","content":"hi"}]}`, "user", false},
		{"assistant last", `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"x"}]}`, "agent", false},
		{"vision anywhere", `{"messages":[{"role":"user","content":[{"type":"image_url"}]},{"role":"user","content":"x"}]}`, "user", true},
		{"responses function call", `{"input":[{"type":"function_call_output"}]}`, "agent", false},
		{"responses image", `{"input":[{"role":"user","content":[{"type":"input_image"}]}]}`, "user", true},
		{"not json", `<<<`, "user", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			decorateCopilot(h, []byte(tt.body))
			assert.Equal(t, tt.initiator, h.Get("X-Initiator"))
			assert.Equal(t, tt.vision, h.Get("Copilot-Vision-Request") == "true")
		})
	}
}

func TestRegistry_SetFlowSettings(t *testing.T) {
	reg := Builtin()
	hc := &http.Client{Timeout: 3 * time.Second}
	reg.SetFlowSettings(FlowSettings{HTTPClient: hc, MaxWait: time.Minute})

	d, _ := reg.Lookup("anthropic")
	m, err := d.Method("")
	require.NoError(t, err)
	assert.Same(t, hc, m.(*AuthCodeMethod).Config.HTTPClient)

	d, _ = reg.Lookup("qwen")
	m, err = d.Method("")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, m.(*DeviceMethod).Settings.MaxWait)
}

func TestQwen_DeviceLogin(t *testing.T) {
	var mu sync.Mutex
	var deviceForm, tokenForm url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/device", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		deviceForm = r.PostForm
		mu.Unlock()
		_, _ = w.Write([]byte(`{"device_code":"dc","user_code":"U","verification_uri":"https://chat.qwen.ai/authorize","verification_uri_complete":"https://chat.qwen.ai/authorize?user_code=U","expires_in":600}`))
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		tokenForm = r.PostForm
		mu.Unlock()
		_, _ = w.Write([]byte(`{"access_token":"qa","refresh_token":"qr","expires_in":3600,"resource_url":"portal.qwen.ai"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	def := qwenWith(qwenEndpoints{DeviceCode: ts.URL + "/device", Token: ts.URL + "/token"})
	m, _ := def.Method("")
	a, err := m.Authorize(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "https://chat.qwen.ai/authorize?user_code=U&client=qwen-code", a.URL)
	assert.Equal(t, qwenInitialInterval, a.Poller.Interval())

	res := a.Poller.Step(context.Background())
	require.Equal(t, oauth.PollSuccess, res.Status, res.Reason())
	assert.Equal(t, "https://portal.qwen.ai", res.Result.Extra[oauth.ExtraResourceURL])

	mu.Lock()
	assert.Equal(t, "S256", deviceForm.Get("code_challenge_method"))
	assert.Equal(t, qwenScope, deviceForm.Get("scope"))
	assert.NotEmpty(t, tokenForm.Get("code_verifier"))
	mu.Unlock()

	cred := res.Result.Credential()
	assert.Equal(t, "https://portal.qwen.ai/v1", def.BaseURLFor(cred))
}

func TestQwenBaseURL(t *testing.T) {
	assert.Equal(t, qwenBaseURL, QwenBaseURL(""))
	assert.Equal(t, "https://dash.example.com/v1", QwenBaseURL("dash.example.com"))
	assert.Equal(t, "https://dash.example.com/v1", QwenBaseURL("https://dash.example.com/"))
	assert.Equal(t, "https://dash.example.com/v1", QwenBaseURL("https://dash.example.com/v1"))
}

func TestQwenBackoff(t *testing.T) {
	d := qwenInitialInterval
	var seen []time.Duration
	for i := 0; i < 6; i++ {
		d = qwenBackoff(d)
		seen = append(seen, d)
	}
	assert.Equal(t, 3*time.Second, seen[0])
	assert.Equal(t, qwenMaxInterval, seen[len(seen)-1])
	for _, s := range seen {
		assert.LessOrEqual(t, s, qwenMaxInterval)
	}
}

func TestNormalizeDomain(t *testing.T) {
	for _, in := range []string{"corp.ghe.com", "https://corp.ghe.com", "http://corp.ghe.com/"} {
		assert.Equal(t, "corp.ghe.com", NormalizeDomain(in), in)
	}
	assert.False(t, strings.Contains(NormalizeDomain("https://x.y/"), "/"))
}
