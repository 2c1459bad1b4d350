package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/oauth"
	"github.com/arctic-cli/arctic/internal/provider"
	"github.com/arctic-cli/arctic/internal/rotation"
)

const (
	configDir  = ".config/arctic"
	configFile = "arctic.json"

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "ARCTIC_CONFIG"

	// DefaultCallbackPort is the loopback port for tool-server OAuth
	// redirects. Registered redirect URIs embed it, so it stays fixed.
	DefaultCallbackPort = 19876
)

// Config layers defaults, the config file and ARCTIC_* environment
// variables. Reads go through viper; writes edit the JSON document directly
// so MCP server names and environment keys keep their case.
type Config struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// DefaultPath returns ARCTIC_CONFIG or ~/.config/arctic/arctic.json.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return expandHome(p)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, configDir, configFile), nil
}

// Load reads configuration from path, or DefaultPath when path is empty.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("multi_account.mode", string(rotation.DefaultMode))
	v.SetDefault("credentials.store", string(auth.StoreModeAuto))
	v.SetDefault("oauth.callback_port", DefaultCallbackPort)
	v.SetDefault("oauth.refresh_buffer", provider.DefaultRefreshBuffer.String())
	v.SetDefault("oauth.timeout", oauth.DefaultTimeout.String())
	v.SetDefault("oauth.device_max_wait", oauth.DefaultDeviceMaxWait.String())

	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("ARCTIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	c := &Config{v: v, path: path}
	if err := c.read(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) read() error {
	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", c.path, err)
	}
	return nil
}

// Reload re-reads the config file.
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read()
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// GetString returns a raw configuration value.
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// RotationMode returns the configured multi-account mode. An invalid value
// falls back to fill-first.
func (c *Config) RotationMode() rotation.Mode {
	mode, err := rotation.ParseMode(c.v.GetString("multi_account.mode"))
	if err != nil {
		return rotation.DefaultMode
	}
	return mode
}

// RotationModeSet reports whether the config file names a mode.
func (c *Config) RotationModeSet() bool {
	return c.v.InConfig("multi_account.mode")
}

// SetRotationMode validates and persists the multi-account mode.
func (c *Config) SetRotationMode(mode string) error {
	m, err := rotation.ParseMode(mode)
	if err != nil {
		return err
	}
	return c.update(func(doc map[string]any) error {
		section := subMap(doc, "multi_account")
		section["mode"] = string(m)
		return nil
	})
}

// StoreMode returns the credential backend selection.
func (c *Config) StoreMode() auth.StoreMode {
	switch m := auth.StoreMode(c.v.GetString("credentials.store")); m {
	case auth.StoreModeKeyring, auth.StoreModeFile:
		return m
	default:
		return auth.StoreModeAuto
	}
}

// CallbackPort is the loopback port for tool-server OAuth callbacks.
func (c *Config) CallbackPort() int {
	return c.v.GetInt("oauth.callback_port")
}

// RefreshBuffer is how long before expiry a credential is refreshed.
func (c *Config) RefreshBuffer() time.Duration {
	return c.duration("oauth.refresh_buffer", provider.DefaultRefreshBuffer)
}

// Timeout bounds token exchange and refresh calls.
func (c *Config) Timeout() time.Duration {
	return c.duration("oauth.timeout", oauth.DefaultTimeout)
}

// DeviceMaxWait caps device-code polling.
func (c *Config) DeviceMaxWait() time.Duration {
	return c.duration("oauth.device_max_wait", oauth.DefaultDeviceMaxWait)
}

func (c *Config) duration(key string, fallback time.Duration) time.Duration {
	d := c.v.GetDuration(key)
	if d <= 0 {
		return fallback
	}
	return d
}

// ProviderBaseURL returns the configured API base override for a provider
// id, or "".
func (c *Config) ProviderBaseURL(id string) string {
	return c.v.GetString("provider." + id + ".base_url")
}

// ApplyProviderOverrides copies configured base URLs and sign-in limits
// into reg.
func (c *Config) ApplyProviderOverrides(reg *provider.Registry) {
	for _, id := range reg.IDs() {
		if u := c.ProviderBaseURL(id); u != "" {
			reg.SetBaseURL(id, u)
		}
	}
	reg.SetFlowSettings(provider.FlowSettings{
		HTTPClient: &http.Client{Timeout: c.Timeout()},
		MaxWait:    c.DeviceMaxWait(),
	})
}

// MCPServers returns every configured MCP server keyed by name.
func (c *Config) MCPServers() (map[string]ServerConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return loadServers(c.path)
}

// MCPServer returns one server config.
func (c *Config) MCPServer(name string) (ServerConfig, bool, error) {
	servers, err := c.MCPServers()
	if err != nil {
		return ServerConfig{}, false, err
	}
	srv, ok := servers[name]
	return srv, ok, nil
}

// SetMCPServer validates and persists a server config under name.
func (c *Config) SetMCPServer(name string, srv ServerConfig) error {
	if name == "" {
		return errors.New("server name is required")
	}
	if err := srv.Validate(); err != nil {
		return fmt.Errorf("server %s: %w", name, err)
	}
	return c.update(func(doc map[string]any) error {
		data, err := json.Marshal(srv)
		if err != nil {
			return fmt.Errorf("marshal server %s: %w", name, err)
		}
		var value map[string]any
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		subMap(doc, "mcp")[name] = value
		return nil
	})
}

// DisableMCPServer sets enabled=false on an existing server.
func (c *Config) DisableMCPServer(name string) error {
	return c.update(func(doc map[string]any) error {
		servers := subMap(doc, "mcp")
		entry, ok := servers[name].(map[string]any)
		if !ok {
			return fmt.Errorf("mcp server %q not found", name)
		}
		entry["enabled"] = false
		return nil
	})
}

// update applies fn to the raw document, saves it atomically and re-reads.
func (c *Config) update(fn func(doc map[string]any) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := readDocument(c.path)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := saveDocument(c.path, doc); err != nil {
		return err
	}
	return c.read()
}

func loadServers(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]ServerConfig{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var doc struct {
		MCP map[string]ServerConfig `json:"mcp"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	out := make(map[string]ServerConfig, len(doc.MCP))
	for name, srv := range doc.MCP {
		srv.Name = name
		out[name] = srv
	}
	return out, nil
}

func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	doc := map[string]any{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return doc, nil
}

// saveDocument writes through a temp file and rename.
func saveDocument(path string, doc map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func subMap(doc map[string]any, key string) map[string]any {
	if m, ok := doc[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	doc[key] = m
	return m
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
