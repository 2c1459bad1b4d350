package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/clierrors"
	"github.com/arctic-cli/arctic/internal/config"
	"github.com/arctic-cli/arctic/internal/events"
	"github.com/arctic-cli/arctic/internal/logging"
	"github.com/arctic-cli/arctic/internal/mcp"
	"github.com/arctic-cli/arctic/internal/oauth"
	"github.com/arctic-cli/arctic/internal/provider"
	"github.com/arctic-cli/arctic/internal/rotation"
)

// app is the wiring shared by commands: config, credential store and the
// provider registry with operator overrides applied.
type app struct {
	cfg      *config.Config
	store    auth.Backend
	registry *provider.Registry
	logger   *slog.Logger
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, clierrors.Wrap(clierrors.ExitConfig, "Failed to load config", err).
			WithHint("Fix the JSON in " + configFileHint())
	}
	store, err := auth.NewBackend(cfg.StoreMode())
	if err != nil {
		return nil, clierrors.Wrap(clierrors.ExitConfig, "Failed to open credential store", err)
	}
	reg := provider.Builtin()
	cfg.ApplyProviderOverrides(reg)
	return &app{cfg: cfg, store: store, registry: reg, logger: logging.FromContext(ctx)}, nil
}

func configFileHint() string {
	if configPath != "" {
		return configPath
	}
	if p, err := config.DefaultPath(); err == nil {
		return p
	}
	return "the config file"
}

func (a *app) httpClient() *http.Client {
	return &http.Client{Timeout: a.cfg.Timeout()}
}

func (a *app) refresher(bus *events.Bus) *provider.Refresher {
	return provider.NewRefresher(a.store, a.registry,
		provider.WithBuffer(a.cfg.RefreshBuffer()),
		provider.WithHTTPClient(a.httpClient()),
		provider.WithEvents(bus),
		provider.WithRefresherLogger(a.logger))
}

func (a *app) rotator() *rotation.Rotator {
	return rotation.New(a.store,
		rotation.WithModeFunc(a.cfg.RotationMode),
		rotation.WithLogger(a.logger))
}

// supervisor loads the configured MCP servers into a new supervisor.
func (a *app) supervisor(out io.Writer, bus *events.Bus) (*mcp.Supervisor, error) {
	servers, err := a.cfg.MCPServers()
	if err != nil {
		return nil, clierrors.Wrap(clierrors.ExitConfig, "Invalid MCP server config", err)
	}
	dialer := &mcp.ClientDialer{ClientName: "arctic", ClientVersion: version, Logger: a.logger}
	sup := mcp.NewSupervisor(a.store, dialer,
		mcp.WithBus(bus),
		mcp.WithLogger(a.logger),
		mcp.WithHTTPClient(a.httpClient()),
		mcp.WithCallbackPort(a.cfg.CallbackPort()),
		mcp.WithRefreshBuffer(a.cfg.RefreshBuffer()),
		mcp.WithOpenURL(oauth.OpenBrowser),
		mcp.WithURLHandler(func(name, u string) {
			_, _ = fmt.Fprintf(out, "Authorize %s in your browser. If it did not open, visit:\n  %s\n", name, u)
		}))
	sup.Reload(servers)
	return sup, nil
}

// interactive reports whether prompts can be shown.
func interactive() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

// confirm asks a yes/no question. Without a terminal it answers def.
func confirm(title, description string, def bool) (bool, error) {
	if !interactive() {
		return def, nil
	}
	ok := def
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, promptError(err)
	}
	return ok, nil
}

func promptError(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return clierrors.Wrap(clierrors.ExitGeneral, "Cancelled", err)
	}
	return err
}

// writeStructured writes v as json or yaml.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return clierrors.New(clierrors.ExitUsage, fmt.Sprintf("unknown output format %q (want text, json or yaml)", format))
	}
}
