package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// protectedServer is a streamable HTTP MCP server behind bearer auth, with
// its own authorization server on the same host.
type protectedServer struct {
	*httptest.Server
	registration bool

	mu            sync.Mutex
	valid         map[string]bool
	registrations int
	tokenCalls    int
	grants        []string
}

func newProtectedServer(t *testing.T, registration bool) *protectedServer {
	t.Helper()
	ps := &protectedServer{registration: registration, valid: map[string]bool{}}

	mcpServer := server.NewMCPServer("protected", "1.2.3", server.WithToolCapabilities(false))
	mcpServer.AddTool(mcp.NewTool("echo", mcp.WithDescription("Echo input")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("ok"), nil
		})
	mcpServer.AddTool(mcp.NewTool("search", mcp.WithDescription("Search")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("none"), nil
		})
	streamable := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		ps.mu.Lock()
		ok := ps.valid[token]
		ps.mu.Unlock()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="`+ps.URL+`/.well-known/oauth-protected-resource"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		streamable.ServeHTTP(w, r)
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                           ps.URL,
			"authorization_endpoint":           ps.URL + "/authorize",
			"token_endpoint":                   ps.URL + "/token",
			"code_challenge_methods_supported": []string{"S256"},
		}
		if ps.registration {
			meta["registration_endpoint"] = ps.URL + "/register"
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.registrations++
		ps.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"client_id":"dynamic-client"}`))
	})
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		target := q.Get("redirect_uri") + "?code=auth-code&state=" + url.QueryEscape(q.Get("state"))
		http.Redirect(w, r, target, http.StatusFound)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		grant := r.PostForm.Get("grant_type")
		ps.mu.Lock()
		ps.tokenCalls++
		ps.grants = append(ps.grants, grant)
		ps.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if grant == "refresh_token" {
			ps.allow("refreshed-at")
			_, _ = w.Write([]byte(`{"access_token":"refreshed-at","token_type":"Bearer","expires_in":3600}`))
			return
		}
		ps.allow("server-at")
		_, _ = w.Write([]byte(`{"access_token":"server-at","refresh_token":"server-rt","token_type":"Bearer","expires_in":3600}`))
	})

	ps.Server = httptest.NewServer(mux)
	t.Cleanup(ps.Close)
	return ps
}

func (ps *protectedServer) allow(token string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.valid[token] = true
}

func (ps *protectedServer) mcpURL() string {
	return ps.URL + "/mcp"
}

func (ps *protectedServer) counts() (registrations, tokenCalls int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.registrations, ps.tokenCalls
}

// followRedirects plays the browser.
func followRedirects(u string) error {
	resp, err := http.Get(u)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
