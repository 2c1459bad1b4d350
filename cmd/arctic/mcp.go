package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/arctic-cli/arctic/internal/clierrors"
	"github.com/arctic-cli/arctic/internal/config"
	"github.com/arctic-cli/arctic/internal/events"
	"github.com/arctic-cli/arctic/internal/mcp"
	"github.com/arctic-cli/arctic/internal/tui/theme"
)

var (
	mcpListOutput string
	mcpListWatch  bool

	mcpAuthYes bool

	addHeaders      map[string]string
	addEnv          map[string]string
	addOAuth        bool
	addClientID     string
	addClientSecret string
	addScope        string
	addTimeout      int

	mcpRemoveYes bool
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Manage MCP tool servers",
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "Connect to configured MCP servers and show their status",
	Long: `Connect to every configured MCP server and show its state.

Examples:
  arctic mcp list
  arctic mcp list -o yaml
  arctic mcp list --watch`,
	Args: cobra.NoArgs,
	RunE: runMCPList,
}

var mcpAuthCmd = &cobra.Command{
	Use:   "auth [name]",
	Short: "Authenticate with an OAuth-enabled MCP server",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMCPAuth,
}

var mcpLogoutCmd = &cobra.Command{
	Use:   "logout [name]",
	Short: "Remove stored OAuth credentials for an MCP server",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMCPLogout,
}

var mcpAddCmd = &cobra.Command{
	Use:   "add <name> [url] [-- command [args...]]",
	Short: "Add an MCP server",
	Long: `Add a remote server by URL, or a local server by command after --.

Static headers turn OAuth off unless --oauth is given.

Examples:
  arctic mcp add linear https://mcp.linear.app/mcp
  arctic mcp add github https://api.githubcopilot.com/mcp --header "Authorization=Bearer ghp_..."
  arctic mcp add corp https://mcp.corp.example/mcp --client-id arctic --scope "read write"
  arctic mcp add files -- npx -y @modelcontextprotocol/server-filesystem /tmp`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMCPAdd,
}

var mcpRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Disable an MCP server and remove its stored credentials",
	Args:  cobra.ExactArgs(1),
	RunE:  runMCPRemove,
}

func init() {
	mcpListCmd.Flags().StringVarP(&mcpListOutput, "output", "o", "text", "Output format: text, json or yaml")
	mcpListCmd.Flags().BoolVarP(&mcpListWatch, "watch", "w", false, "Keep running and reconnect servers when the config file changes")

	mcpAuthCmd.Flags().BoolVarP(&mcpAuthYes, "yes", "y", false, "Re-authenticate without asking when tokens exist")

	mcpAddCmd.Flags().StringToStringVar(&addHeaders, "header", nil, "HTTP header for remote servers (Name=value), repeatable")
	mcpAddCmd.Flags().StringToStringVar(&addEnv, "env", nil, "Environment variable for local servers (KEY=value), repeatable")
	mcpAddCmd.Flags().BoolVar(&addOAuth, "oauth", false, "Keep OAuth enabled even with static headers")
	mcpAddCmd.Flags().StringVar(&addClientID, "client-id", "", "Pre-registered OAuth client id")
	mcpAddCmd.Flags().StringVar(&addClientSecret, "client-secret", "", "Pre-registered OAuth client secret")
	mcpAddCmd.Flags().StringVar(&addScope, "scope", "", "OAuth scopes (space separated)")
	mcpAddCmd.Flags().IntVar(&addTimeout, "timeout", 0, "Initialize timeout in milliseconds")

	mcpRemoveCmd.Flags().BoolVarP(&mcpRemoveYes, "yes", "y", false, "Skip confirmation prompt")

	mcpCmd.AddCommand(mcpListCmd, mcpAuthCmd, mcpLogoutCmd, mcpAddCmd, mcpRemoveCmd)
	rootCmd.AddCommand(mcpCmd)
}

func runMCPList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	if mcpListWatch && mcpListOutput != "text" {
		return clierrors.New(clierrors.ExitUsage, "--watch only works with text output")
	}

	var bus *events.Bus
	if mcpListWatch {
		bus = events.NewBus(events.WithBusLogger(a.logger))
		defer bus.Close()
	}
	sup, err := a.supervisor(cmd.ErrOrStderr(), bus)
	if err != nil {
		return err
	}
	defer sup.Close()

	statuses := sup.ConnectAll(ctx)
	out := cmd.OutOrStdout()
	if mcpListOutput != "text" {
		return writeStructured(out, mcpListOutput, statuses)
	}
	th := theme.New()
	if len(statuses) == 0 {
		_, _ = fmt.Fprintln(out, "No MCP servers configured")
	}
	for _, st := range statuses {
		printServerStatus(out, th, st)
	}
	if !mcpListWatch {
		return nil
	}

	_, _ = fmt.Fprintln(out, th.Faint.Render("Watching "+a.cfg.Path()+" for changes (ctrl+c to stop)"))
	bus.Subscribe(func(e events.Event) {
		ev, ok := e.(events.MCPStatusChangedEvent)
		if !ok {
			return
		}
		switch mcp.State(ev.NewState) {
		case mcp.StateConnecting, mcp.StateNotInitialized:
			return
		}
		printServerStatus(out, th, sup.Status(ev.Subject()))
	})
	if err := mcp.WatchConfig(ctx, a.cfg, sup, a.logger); err != nil {
		return clierrors.Wrap(clierrors.ExitConfig, "Config watch failed", err)
	}
	return nil
}

func printServerStatus(out io.Writer, th theme.Theme, st mcp.Status) {
	line := fmt.Sprintf("%-24s %s", st.Name, th.StateGlyph(string(st.State), st.State.Label()))
	switch {
	case st.State == mcp.StateConnected:
		line += th.Muted.Render(fmt.Sprintf("  %s, %d tools", st.Server, len(st.Tools)))
	case st.Error != "":
		line += th.Muted.Render("  " + st.Error)
	}
	_, _ = fmt.Fprintln(out, line)
	switch st.State {
	case mcp.StateNeedsAuth:
		_, _ = fmt.Fprintln(out, th.Hint.Render(fmt.Sprintf("    run 'arctic mcp auth %s'", st.Name)))
	case mcp.StateNeedsClientRegistration:
		_, _ = fmt.Fprintln(out, th.Hint.Render(fmt.Sprintf("    set oauth.clientId, e.g. 'arctic mcp add %s <url> --client-id <id>'", st.Name)))
	}
}

// pickOAuthServer returns name, or asks for one among the OAuth servers.
func pickOAuthServer(cfg *config.Config, args []string, verb string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	servers, err := cfg.MCPServers()
	if err != nil {
		return "", err
	}
	var names []string
	for _, name := range config.SortedNames(servers) {
		if srv := servers[name]; srv.IsEnabled() && srv.UsesOAuth() {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", clierrors.New(clierrors.ExitUsage, "No OAuth-capable MCP servers configured").
			WithHint("Add one with 'arctic mcp add <name> <url>'")
	}
	return selectName("Select MCP server to "+verb, names)
}

// selectName picks one of names, prompting when there is a choice.
func selectName(title string, names []string) (string, error) {
	switch {
	case len(names) == 1:
		return names[0], nil
	case !interactive():
		return "", clierrors.New(clierrors.ExitUsage, "Name a server: "+strings.Join(names, ", "))
	}
	var name string
	err := huh.NewSelect[string]().
		Title(title).
		Options(huh.NewOptions(names...)...).
		Value(&name).
		Run()
	if err != nil {
		return "", promptError(err)
	}
	return name, nil
}

func runMCPAuth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	name, err := pickOAuthServer(a.cfg, args, "authenticate")
	if err != nil {
		return err
	}
	srv, ok, err := a.cfg.MCPServer(name)
	if err != nil {
		return err
	}
	if !ok {
		return clierrors.New(clierrors.ExitUsage, fmt.Sprintf("MCP server %q not found", name))
	}
	if !srv.IsRemote() || !srv.UsesOAuth() {
		return clierrors.New(clierrors.ExitUsage, fmt.Sprintf("MCP server %q does not use OAuth", name))
	}

	if entry, err := a.store.GetMCP(name); err == nil && entry != nil && entry.Tokens != nil && !mcpAuthYes {
		ok, err := confirm(fmt.Sprintf("%s already has stored credentials", name), "Authenticate again?", true)
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
			return nil
		}
	}

	sup, err := a.supervisor(cmd.OutOrStdout(), nil)
	if err != nil {
		return err
	}
	defer sup.Close()

	st := sup.Authenticate(ctx, name)
	th := theme.New()
	switch st.State {
	case mcp.StateConnected:
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s Authenticated %s (%d tools)\n", th.Success.Render("✓"), name, len(st.Tools))
		return nil
	case mcp.StateNeedsClientRegistration:
		return clierrors.ClientRegistrationRequired(name, errors.New(st.Error))
	case mcp.StateNeedsAuth:
		if st.Error == "" {
			return clierrors.New(clierrors.ExitAuth, "Authentication cancelled")
		}
		return clierrors.New(clierrors.ExitAuth, fmt.Sprintf("Authentication failed: %s", st.Error))
	default:
		return clierrors.New(clierrors.ExitNetwork, fmt.Sprintf("Authenticated, but %s is %s: %s", name, st.State.Label(), st.Error))
	}
}

func runMCPLogout(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	var name string
	if len(args) == 1 {
		name = args[0]
	} else {
		entries, err := a.store.AllMCP()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No MCP servers have stored credentials")
			return nil
		}
		names := make([]string, 0, len(entries))
		for n := range entries {
			names = append(names, n)
		}
		sort.Strings(names)
		name, err = selectName("Select MCP server to log out", names)
		if err != nil {
			return err
		}
	}

	sup, err := a.supervisor(cmd.ErrOrStderr(), nil)
	if err != nil {
		return err
	}
	defer sup.Close()
	if err := sup.RemoveAuth(name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed OAuth credentials for %s\n", name)
	return nil
}

func runMCPAdd(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}

	name := args[0]
	var command []string
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		command = args[dash:]
		args = args[:dash]
	}

	srv := config.ServerConfig{Name: name, Timeout: addTimeout}
	switch {
	case len(command) > 0:
		if len(args) > 1 {
			return clierrors.New(clierrors.ExitUsage, "Give either a URL or a command after --, not both")
		}
		srv.Type = config.ServerTypeLocal
		srv.Command = command
		srv.Environment = addEnv
	case len(args) == 2:
		srv.Type = config.ServerTypeRemote
		srv.URL = args[1]
		srv.Headers = addHeaders
		if addClientID != "" || addClientSecret != "" || addScope != "" {
			srv.OAuth = &config.OAuthConfig{ClientID: addClientID, ClientSecret: addClientSecret, Scope: addScope}
		} else if len(addHeaders) > 0 && !addOAuth {
			srv.OAuthDisabled = true
		}
	default:
		return clierrors.New(clierrors.ExitUsage, "Missing server URL or command").
			WithHint("arctic mcp add <name> <url>  or  arctic mcp add <name> -- <command> [args...]")
	}

	if err := a.cfg.SetMCPServer(name, srv); err != nil {
		return clierrors.Wrap(clierrors.ExitConfig, "Invalid MCP server", err)
	}

	th := theme.New()
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s server %q\n", th.Success.Render("✓"), srv.Type, name)
	if srv.UsesOAuth() {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), th.Hint.Render(fmt.Sprintf("Run 'arctic mcp auth %s' if the server asks for sign-in", name)))
	}
	return nil
}

func runMCPRemove(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	name := args[0]
	if _, ok, err := a.cfg.MCPServer(name); err != nil {
		return err
	} else if !ok {
		return clierrors.New(clierrors.ExitUsage, fmt.Sprintf("MCP server %q not found", name))
	}

	if !mcpRemoveYes {
		ok, err := confirm(fmt.Sprintf("Remove MCP server %q?", name), "It is disabled and its stored credentials are deleted.", false)
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
			return nil
		}
	}

	if err := a.cfg.DisableMCPServer(name); err != nil {
		return err
	}
	if err := a.store.RemoveMCP(name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed MCP server %q\n", name)
	return nil
}
