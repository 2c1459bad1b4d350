package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctic-cli/arctic/internal/clierrors"
	"github.com/arctic-cli/arctic/internal/config"
	"github.com/arctic-cli/arctic/internal/rotation"
	"github.com/arctic-cli/arctic/internal/testutil"
)

// buildBinary builds the arctic binary for testing.
func buildBinary(t *testing.T) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "arctic")
	cmd := exec.Command("go", "build", "-o", binary, ".")
	cmd.Dir = filepath.Join(getModuleRoot(t), "cmd", "arctic")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to build binary: %v\n%s", err, out)
	}
	return binary
}

// getModuleRoot walks up from the working directory to go.mod.
func getModuleRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find module root")
		}
		dir = parent
	}
}

// setupTestConfig isolates $HOME and writes a config that keeps
// credentials in the file store. extra is merged into the top level.
func setupTestConfig(t *testing.T, extra string) string {
	t.Helper()
	testutil.SetupTestHome(t)
	body := `"credentials": {"store": "file"}`
	if extra != "" {
		body += ", " + extra
	}
	return testutil.WriteTestConfig(t, "{"+body+"}")
}

// runCLI runs the binary with --config and stdin closed.
func runCLI(binary, configPath string, args ...string) (string, string, error) {
	fullArgs := append([]string{"--config", configPath}, args...)
	cmd := exec.Command(binary, fullArgs...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "unexpected error: %v", err)
	return exitErr.ExitCode()
}

func TestCLI_AuthLoginListLogout(t *testing.T) {
	binary := buildBinary(t)
	cfgPath := setupTestConfig(t, "")

	stdout, stderr, err := runCLI(binary, cfgPath, "auth", "login", "anthropic", "--key", "sk-primary", "-y")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "Signed in to Anthropic")

	_, stderr, err = runCLI(binary, cfgPath, "auth", "login", "anthropic:work", "--key", "sk-work", "-y")
	require.NoError(t, err, stderr)

	stdout, stderr, err = runCLI(binary, cfgPath, "auth", "list", "-o", "json")
	require.NoError(t, err, stderr)
	var views []credentialView
	require.NoError(t, json.Unmarshal([]byte(stdout), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "anthropic", views[0].Key)
	assert.Equal(t, "anthropic:work", views[1].Key)
	assert.Equal(t, "work", views[1].Account)
	assert.Equal(t, "api", views[1].Type)

	stdout, stderr, err = runCLI(binary, cfgPath, "auth", "logout", "anthropic:work", "-y")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "Removed credential for anthropic:work")

	stdout, _, err = runCLI(binary, cfgPath, "auth", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "anthropic")
	assert.NotContains(t, stdout, "anthropic:work")

	_, stderr, err = runCLI(binary, cfgPath, "auth", "logout", "anthropic:work", "-y")
	assert.Equal(t, clierrors.ExitUsage, exitCode(t, err))
	assert.Contains(t, stderr, "No credential stored")
}

func TestCLI_AuthLoginUnknownProvider(t *testing.T) {
	binary := buildBinary(t)
	cfgPath := setupTestConfig(t, "")

	_, stderr, err := runCLI(binary, cfgPath, "auth", "login", "nope", "--key", "x")
	assert.Equal(t, clierrors.ExitUsage, exitCode(t, err))
	assert.Contains(t, stderr, "Known providers")
}

func TestCLI_MultiAccountModes(t *testing.T) {
	binary := buildBinary(t)
	cfgPath := setupTestConfig(t, "")

	stdout, stderr, err := runCLI(binary, cfgPath, "multi-account", "status")
	require.NoError(t, err, stderr)
	plain := testutil.StripANSI(stdout)
	assert.Contains(t, plain, "Fill-First")
	assert.Contains(t, plain, "(default)")

	stdout, stderr, err = runCLI(binary, cfgPath, "multi-account", "round-robin")
	require.NoError(t, err, stderr)
	assert.Contains(t, testutil.StripANSI(stdout), "Round Robin ⟳ mode enabled")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, rotation.RoundRobin, cfg.RotationMode())
	assert.Equal(t, "file", cfg.GetString("credentials.store"), "other keys survive the write")

	stdout, _, err = runCLI(binary, cfgPath, "multi-account", "status")
	require.NoError(t, err)
	plain = testutil.StripANSI(stdout)
	assert.Contains(t, plain, "Round Robin")
	assert.NotContains(t, plain, "(default)")

	_, _, err = runCLI(binary, cfgPath, "multi-account", "fill-first")
	require.NoError(t, err)
	cfg, err = config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, rotation.FillFirst, cfg.RotationMode())
}

func TestCLI_MCPAddRemove(t *testing.T) {
	binary := buildBinary(t)
	cfgPath := setupTestConfig(t, "")

	stdout, _, err := runCLI(binary, cfgPath, "mcp", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No MCP servers configured")

	_, stderr, err := runCLI(binary, cfgPath, "mcp", "add", "github", "https://example.invalid/mcp",
		"--header", "Authorization=Bearer ghp_x")
	require.NoError(t, err, stderr)

	_, stderr, err = runCLI(binary, cfgPath, "mcp", "add", "corp", "https://corp.invalid/mcp",
		"--client-id", "arctic", "--scope", "read write")
	require.NoError(t, err, stderr)

	_, stderr, err = runCLI(binary, cfgPath, "mcp", "add", "files", "--", "echo", "hello")
	require.NoError(t, err, stderr)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	servers, err := cfg.MCPServers()
	require.NoError(t, err)
	require.Len(t, servers, 3)

	assert.True(t, servers["github"].OAuthDisabled, "static headers turn OAuth off")
	assert.Equal(t, "Bearer ghp_x", servers["github"].Headers["Authorization"])

	require.NotNil(t, servers["corp"].OAuth)
	assert.Equal(t, "arctic", servers["corp"].OAuth.ClientID)
	assert.Equal(t, "read write", servers["corp"].OAuth.Scope)

	assert.Equal(t, config.ServerTypeLocal, servers["files"].Type)
	assert.Equal(t, []string{"echo", "hello"}, servers["files"].Command)

	_, stderr, err = runCLI(binary, cfgPath, "mcp", "remove", "files", "-y")
	require.NoError(t, err, stderr)

	srv, ok, err := cfg.MCPServer("files")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, srv.IsEnabled())

	_, _, err = runCLI(binary, cfgPath, "mcp", "auth", "github")
	assert.Equal(t, clierrors.ExitUsage, exitCode(t, err))
}

// rateLimitedAPI answers 429 for the "sk-limited" key and echoes the key
// otherwise.
func rateLimitedAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		switch key {
		case "sk-limited":
			w.WriteHeader(http.StatusTooManyRequests)
		case "sk-revoked":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			_, _ = fmt.Fprintf(w, `{"path":%q,"key":%q}`, r.URL.Path, key)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCLI_RequestFailsOverInFillFirst(t *testing.T) {
	binary := buildBinary(t)
	api := rateLimitedAPI(t)
	cfgPath := setupTestConfig(t, fmt.Sprintf(`"provider": {"anthropic": {"base_url": %q}}`, api.URL))

	_, stderr, err := runCLI(binary, cfgPath, "auth", "login", "anthropic", "--key", "sk-limited", "-y")
	require.NoError(t, err, stderr)
	_, stderr, err = runCLI(binary, cfgPath, "auth", "login", "anthropic:work", "--key", "sk-good", "-y")
	require.NoError(t, err, stderr)

	stdout, stderr, err := runCLI(binary, cfgPath, "request", "anthropic", "/v1/models")
	require.NoError(t, err, stderr)
	assert.JSONEq(t, `{"path":"/v1/models","key":"sk-good"}`, stdout)

	// each run starts from the primary and fails over again
	stdout, stderr, err = runCLI(binary, cfgPath, "request", "anthropic", "/v1/models")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "sk-good")
}

func TestCLI_RequestAllAccountsFail(t *testing.T) {
	binary := buildBinary(t)
	api := rateLimitedAPI(t)
	cfgPath := setupTestConfig(t, fmt.Sprintf(`"provider": {"anthropic": {"base_url": %q}}`, api.URL))

	_, _, err := runCLI(binary, cfgPath, "auth", "login", "anthropic", "--key", "sk-limited", "-y")
	require.NoError(t, err)
	_, _, err = runCLI(binary, cfgPath, "auth", "login", "anthropic:work", "--key", "sk-revoked", "-y")
	require.NoError(t, err)

	_, stderr, err := runCLI(binary, cfgPath, "request", "anthropic", "/v1/models")
	assert.Equal(t, clierrors.ExitAuth, exitCode(t, err))
	assert.Contains(t, stderr, "anthropic")
}

func TestCLI_RequestSingleAccountError(t *testing.T) {
	binary := buildBinary(t)
	api := rateLimitedAPI(t)
	cfgPath := setupTestConfig(t, fmt.Sprintf(`"provider": {"anthropic": {"base_url": %q}}`, api.URL))

	_, _, err := runCLI(binary, cfgPath, "auth", "login", "anthropic", "--key", "sk-revoked", "-y")
	require.NoError(t, err)

	_, stderr, err := runCLI(binary, cfgPath, "request", "anthropic", "/v1/models")
	assert.Equal(t, clierrors.ExitAuth, exitCode(t, err))
	assert.Contains(t, stderr, "arctic auth login anthropic")
}

func TestReadRequestBody(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "body.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"a":1}`), 0o600))

	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty", "", ""},
		{"literal", `{"x":true}`, `{"x":true}`},
		{"file", "@" + file, `{"a":1}`},
		{"stdin", "@-", "from stdin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readRequestBody(strings.NewReader("from stdin"), tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestWriteStructured(t *testing.T) {
	var b strings.Builder
	require.NoError(t, writeStructured(&b, "yaml", []credentialView{{Key: "qwen", Provider: "qwen", Type: "oauth"}}))
	assert.Contains(t, b.String(), "key: qwen")

	err := writeStructured(&b, "xml", nil)
	assert.Equal(t, clierrors.ExitUsage, clierrors.ExitCode(err))
}
