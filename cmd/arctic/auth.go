package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/clierrors"
	"github.com/arctic-cli/arctic/internal/oauth"
	"github.com/arctic-cli/arctic/internal/provider"
	"github.com/arctic-cli/arctic/internal/tui"
	"github.com/arctic-cli/arctic/internal/tui/theme"
)

var (
	loginMethod    string
	loginKey       string
	loginInputs    map[string]string
	loginNoBrowser bool
	loginYes       bool

	logoutYes bool

	authListOutput string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage provider credentials",
}

var authLoginCmd = &cobra.Command{
	Use:   "login <provider[:connection]>",
	Short: "Sign in to a provider",
	Long: `Sign in to a provider and store the credential.

Add a connection suffix to keep several accounts of one provider; they are
used in rotation by 'arctic request'.

Examples:
  arctic auth login anthropic
  arctic auth login anthropic:work
  arctic auth login github-copilot --input deploymentType=enterprise --input enterpriseUrl=corp.ghe.com
  arctic auth login qwen:backup --method api --key sk-...`,
	Args: cobra.ExactArgs(1),
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout <provider[:connection]>",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthLogout,
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials",
	Long: `List stored provider credentials. Secrets are never printed.

Examples:
  arctic auth list
  arctic auth list -o yaml`,
	Args: cobra.NoArgs,
	RunE: runAuthList,
}

func init() {
	authLoginCmd.Flags().StringVar(&loginMethod, "method", "", "Sign-in method label or kind (oauth-code, oauth-device, api)")
	authLoginCmd.Flags().StringVar(&loginKey, "key", "", "API key to store (implies --method api)")
	authLoginCmd.Flags().StringToStringVar(&loginInputs, "input", nil, "Answer a method prompt (key=value), repeatable")
	authLoginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	authLoginCmd.Flags().BoolVarP(&loginYes, "yes", "y", false, "Replace an existing credential without asking")

	authLogoutCmd.Flags().BoolVarP(&logoutYes, "yes", "y", false, "Skip confirmation prompt")

	authListCmd.Flags().StringVarP(&authListOutput, "output", "o", "text", "Output format: text, json or yaml")

	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authListCmd)
	rootCmd.AddCommand(authCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	th := theme.New()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	key := args[0]
	def, err := a.registry.Lookup(key)
	if err != nil {
		return clierrors.Wrap(clierrors.ExitUsage, "Unknown provider", err).
			WithHint("Known providers: " + strings.Join(a.registry.IDs(), ", "))
	}

	existing, err := a.store.Get(key)
	if err != nil {
		return err
	}
	if existing != nil && !loginYes {
		ok, err := confirm(fmt.Sprintf("%s already has a credential", key), "Sign in again and replace it?", true)
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(out, "Cancelled")
			return nil
		}
	}

	method, err := chooseMethod(def)
	if err != nil {
		return err
	}
	inputs, err := collectInputs(method.Prompts())
	if err != nil {
		return err
	}

	authz, err := method.Authorize(ctx, inputs)
	if err != nil {
		return clierrors.Wrap(clierrors.ExitAuth, "Could not start sign-in", err)
	}

	res, err := completeAuthorization(ctx, cmd, authz)
	if err != nil {
		return err
	}
	stored, err := provider.Save(a.store, key, authz, res)
	if err != nil {
		return clierrors.Wrap(clierrors.ExitAuth, "Login failed", err)
	}

	a.logger.Info("signed in", slog.String("provider", stored), slog.String("method", method.Label()))
	_, _ = fmt.Fprintf(out, "%s Signed in to %s (%s)\n",
		th.Success.Render("✓"), def.DisplayName, auth.ParseKey(stored).DisplayName())
	return nil
}

func chooseMethod(def *provider.Definition) (provider.Method, error) {
	if loginKey != "" {
		return provider.APIKeyMethod{}, nil
	}
	if loginMethod != "" || len(def.Methods) == 1 || !interactive() {
		return def.Method(loginMethod)
	}

	var idx int
	opts := make([]huh.Option[int], len(def.Methods))
	for i, m := range def.Methods {
		opts[i] = huh.NewOption(m.Label(), i)
	}
	err := huh.NewSelect[int]().
		Title("Sign in to " + def.DisplayName).
		Options(opts...).
		Value(&idx).
		Run()
	if err != nil {
		return nil, promptError(err)
	}
	return def.Methods[idx], nil
}

// collectInputs answers prompts from --input first, then interactively.
func collectInputs(prompts []provider.Prompt) (map[string]string, error) {
	inputs := make(map[string]string)
	for _, p := range prompts {
		if !p.Visible(inputs) {
			continue
		}
		if v, ok := loginInputs[p.Key]; ok {
			if p.Validate != nil {
				if err := p.Validate(v); err != nil {
					return nil, clierrors.Wrap(clierrors.ExitUsage, fmt.Sprintf("Invalid --input %s", p.Key), err)
				}
			}
			inputs[p.Key] = v
			continue
		}
		if !interactive() {
			if len(p.Options) > 0 {
				inputs[p.Key] = p.Options[0].Value
				continue
			}
			return nil, clierrors.New(clierrors.ExitUsage, fmt.Sprintf("%s (pass --input %s=<value>)", p.Message, p.Key))
		}

		var value string
		var err error
		if len(p.Options) > 0 {
			opts := make([]huh.Option[string], len(p.Options))
			for i, o := range p.Options {
				label := o.Label
				if o.Hint != "" {
					label += " (" + o.Hint + ")"
				}
				opts[i] = huh.NewOption(label, o.Value)
			}
			err = huh.NewSelect[string]().Title(p.Message).Options(opts...).Value(&value).Run()
		} else {
			in := huh.NewInput().Title(p.Message).Placeholder(p.Placeholder).Value(&value)
			if p.Validate != nil {
				in = in.Validate(p.Validate)
			}
			err = in.Run()
		}
		if err != nil {
			return nil, promptError(err)
		}
		inputs[p.Key] = value
	}
	return inputs, nil
}

// completeAuthorization finishes a started sign-in: a pasted code or key,
// or device polling in the wait view.
func completeAuthorization(ctx context.Context, cmd *cobra.Command, authz *provider.Authorization) (oauth.Result, error) {
	out := cmd.OutOrStdout()

	if authz.Mode == provider.ModeAuto {
		if !loginNoBrowser {
			_ = oauth.OpenBrowser(authz.URL)
		}
		var pr oauth.PollResult
		var err error
		if interactive() {
			pr, err = tui.RunDeviceWait(ctx, authz.Poller, authz.URL, authz.Instructions, cmd.InOrStdin(), out)
		} else {
			_, _ = fmt.Fprintf(out, "Open %s\n%s\n", authz.URL, authz.Instructions)
			pr = authz.Poller.Wait(ctx, oauth.Sleep)
		}
		if err != nil {
			return oauth.Result{}, err
		}
		if pr.Status != oauth.PollSuccess {
			return oauth.Result{}, loginFailed(string(pr.Status), pr.Reason())
		}
		return pr.Result, nil
	}

	input := loginKey
	if input == "" {
		if authz.URL != "" {
			if !loginNoBrowser {
				_ = oauth.OpenBrowser(authz.URL)
			}
			_, _ = fmt.Fprintf(out, "Open this URL to sign in:\n  %s\n", authz.URL)
		}
		var err error
		input, err = readSecret(cmd.InOrStdin(), authz.Instructions, authz.CredentialType == auth.TypeAPI)
		if err != nil {
			return oauth.Result{}, err
		}
	}

	res := authz.Callback(ctx, input)
	if !res.OK() {
		return oauth.Result{}, loginFailed("failed", res.Reason)
	}
	return res, nil
}

func readSecret(in io.Reader, title string, hidden bool) (string, error) {
	if !interactive() {
		var line string
		if _, err := fmt.Fscanln(in, &line); err != nil {
			return "", clierrors.Wrap(clierrors.ExitUsage, "No input provided", err)
		}
		return strings.TrimSpace(line), nil
	}
	var value string
	field := huh.NewInput().Title(title).Value(&value)
	if hidden {
		field = field.EchoMode(huh.EchoModePassword)
	}
	if err := field.Run(); err != nil {
		return "", promptError(err)
	}
	return strings.TrimSpace(value), nil
}

func loginFailed(status, reason string) error {
	if reason == "" {
		reason = status
	}
	return clierrors.New(clierrors.ExitAuth, "Login failed: "+reason)
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	key := args[0]
	cred, err := a.store.Get(key)
	if err != nil {
		return err
	}
	if cred == nil {
		return clierrors.New(clierrors.ExitUsage, fmt.Sprintf("No credential stored for %s", key)).
			WithHint("Run 'arctic auth list' to see stored credentials")
	}
	if !logoutYes {
		ok, err := confirm(fmt.Sprintf("Remove the credential for %s?", key), "", false)
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
			return nil
		}
	}
	if err := a.store.Remove(key); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed credential for %s\n", key)
	return nil
}

// credentialView is the printable part of a stored credential.
type credentialView struct {
	Key      string    `json:"key" yaml:"key"`
	Provider string    `json:"provider" yaml:"provider"`
	Account  string    `json:"account" yaml:"account"`
	Type     string    `json:"type" yaml:"type"`
	Expires  time.Time `json:"expires,omitempty" yaml:"expires,omitempty"`
	Stale    bool      `json:"stale" yaml:"stale"`
}

func runAuthList(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	all, err := a.store.All()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now()
	views := make([]credentialView, 0, len(keys))
	for _, k := range keys {
		cred := all[k]
		parsed := auth.ParseKey(k)
		v := credentialView{
			Key:      k,
			Provider: parsed.Base,
			Account:  parsed.DisplayName(),
			Type:     cred.Type,
			Stale:    cred.IsStale(now, a.cfg.RefreshBuffer()),
		}
		if v.Type == "" {
			v.Type = auth.TypeOAuth
		}
		if !cred.IsAPIKey() && cred.Expires > 0 {
			v.Expires = cred.ExpiresAt()
		}
		views = append(views, v)
	}

	out := cmd.OutOrStdout()
	if authListOutput != "text" {
		return writeStructured(out, authListOutput, views)
	}
	if len(views) == 0 {
		_, _ = fmt.Fprintln(out, "No credentials stored")
		return nil
	}

	th := theme.New()
	for _, v := range views {
		state := th.Success.Render("●")
		detail := ""
		switch {
		case v.Type == auth.TypeAPI:
			detail = "api key"
		case v.Stale:
			state = th.Warn.Render("●")
			detail = "refresh on next use"
		default:
			detail = "valid until " + v.Expires.Local().Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(out, "%s %-28s %-10s %s\n", state, v.Key, v.Account, th.Muted.Render(detail))
	}
	return nil
}
