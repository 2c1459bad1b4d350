package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctic-cli/arctic/internal/config"
)

func TestClientDialer_RemoteWithToken(t *testing.T) {
	ps := newProtectedServer(t, true)
	ps.allow("good")

	conn, err := (&ClientDialer{}).Dial(context.Background(), remote(ps.mcpURL()), "good")
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	assert.Equal(t, "protected 1.2.3", conn.ServerInfo())
	assert.ElementsMatch(t, []string{"echo", "search"}, conn.Tools())
}

func TestClientDialer_RemoteUnauthorized(t *testing.T) {
	ps := newProtectedServer(t, true)

	_, err := (&ClientDialer{}).Dial(context.Background(), remote(ps.mcpURL()), "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	var ue *UnauthorizedError
	require.True(t, errors.As(err, &ue))
	assert.Contains(t, ue.Challenge, "resource_metadata=")
	assert.Equal(t, ps.mcpURL(), ue.URL)
}

func TestClientDialer_ConfiguredHeaders(t *testing.T) {
	ps := newProtectedServer(t, true)
	ps.allow("static-key")

	cfg := remote(ps.mcpURL())
	cfg.OAuthDisabled = true
	cfg.Headers = map[string]string{"Authorization": "Bearer static-key"}

	conn, err := (&ClientDialer{}).Dial(context.Background(), cfg, "")
	require.NoError(t, err)
	_ = conn.Close()
}

func TestClientDialer_LocalCommandMissing(t *testing.T) {
	cfg := config.ServerConfig{Type: config.ServerTypeLocal, Command: []string{"/nonexistent/arctic-test-server"}}
	_, err := (&ClientDialer{}).Dial(context.Background(), cfg, "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthorized))
}

func TestClientDialer_InvalidConfig(t *testing.T) {
	_, err := (&ClientDialer{}).Dial(context.Background(), config.ServerConfig{Type: config.ServerTypeRemote}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("PATH", "/custom/bin")

	env := buildEnv(map[string]string{"API_KEY": "secret"})
	require.NotEmpty(t, env)
	assert.True(t, strings.HasPrefix(env[0], "PATH=/opt/homebrew/bin:"))
	assert.True(t, strings.HasSuffix(env[0], ":/custom/bin"))
	assert.Contains(t, env, "API_KEY=secret")

	env = buildEnv(map[string]string{"PATH": "/only"})
	assert.Equal(t, []string{"PATH=/only"}, env)
}

func TestStateLabel(t *testing.T) {
	assert.Equal(t, "not initialized", StateNotInitialized.Label())
	assert.Equal(t, "needs client registration", StateNeedsClientRegistration.Label())
	assert.Equal(t, "connected", StateConnected.Label())
}
