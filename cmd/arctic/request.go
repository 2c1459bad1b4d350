package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arctic-cli/arctic/internal/agent"
	"github.com/arctic-cli/arctic/internal/clierrors"
	"github.com/arctic-cli/arctic/internal/events"
	"github.com/arctic-cli/arctic/internal/provider"
	"github.com/arctic-cli/arctic/internal/tui/theme"
)

var (
	requestData    string
	requestMethod  string
	requestHeaders map[string]string
	requestSession string
)

var requestCmd = &cobra.Command{
	Use:   "request <provider[:connection]> <path>",
	Short: "Send an authenticated request to a provider API",
	Long: `Send one request through the provider's stored credentials.

Credentials are refreshed when stale. With several accounts the request
follows the multi-account mode: round-robin moves to the next account
first, fill-first switches account and retries on 401, 403 or 429.

Use --data @file to read the body from a file, or @- for stdin.

Examples:
  arctic request anthropic /v1/models
  arctic request anthropic:work /v1/messages --data @prompt.json`,
	Args: cobra.ExactArgs(2),
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().StringVarP(&requestData, "data", "d", "", "Request body, @file or @- for stdin")
	requestCmd.Flags().StringVarP(&requestMethod, "method", "X", "", "HTTP method (default GET, or POST with --data)")
	requestCmd.Flags().StringToStringVarP(&requestHeaders, "header", "H", nil, "Extra header (Name=value), repeatable")
	requestCmd.Flags().StringVar(&requestSession, "session", "", "Session id for status tracking (default random)")
	rootCmd.AddCommand(requestCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	key, path := args[0], args[1]

	body, err := readRequestBody(cmd.InOrStdin(), requestData)
	if err != nil {
		return clierrors.Wrap(clierrors.ExitUsage, "Failed to read request body", err)
	}
	req := agent.Request{Method: strings.ToUpper(requestMethod), Path: path, Body: body}
	if len(requestHeaders) > 0 {
		req.Header = make(http.Header, len(requestHeaders))
		for k, v := range requestHeaders {
			req.Header.Set(k, v)
		}
	}

	session := requestSession
	if session == "" {
		session = uuid.NewString()
	}

	bus := events.NewBus(events.WithBusLogger(a.logger))
	defer bus.Close()
	statuses := events.NewStatusStore(bus)
	th := theme.New()
	stderr := cmd.ErrOrStderr()
	unsubscribe := bus.Subscribe(func(e events.Event) {
		switch ev := e.(type) {
		case events.AccountSwitchedEvent:
			_, _ = fmt.Fprintln(stderr, th.Warn.Render(fmt.Sprintf("↻ switched account %s → %s", ev.FromName, ev.ToName)))
		case events.SessionStatusEvent:
			if ev.Status.Kind == events.StatusRetry {
				_, _ = fmt.Fprintln(stderr, th.Muted.Render(fmt.Sprintf("  attempt %d failed: %s", ev.Status.Attempt, ev.Status.Message)))
			}
		}
	})
	defer unsubscribe()

	proxy := provider.NewProxy(a.registry, a.refresher(bus), nil)
	d := agent.New(a.rotator(), proxy, statuses, agent.WithBus(bus), agent.WithLogger(a.logger))

	res, err := d.Send(ctx, session, key, req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Response.Body.Close() }()

	if _, err := io.Copy(cmd.OutOrStdout(), res.Response.Body); err != nil {
		return clierrors.Wrap(clierrors.ExitNetwork, "Failed to read response", err)
	}
	if code := res.Response.StatusCode; code < 200 || code > 299 {
		e := clierrors.New(clierrors.ExitNetwork, fmt.Sprintf("%s answered %s (account %s)", key, res.Response.Status, res.Account))
		if code == http.StatusUnauthorized || code == http.StatusForbidden {
			e = clierrors.New(clierrors.ExitAuth, fmt.Sprintf("%s rejected credentials: %s", res.Account, res.Response.Status)).
				WithHint("Run 'arctic auth login " + res.Account + "'")
		}
		return e
	}
	return nil
}

// readRequestBody resolves --data: literal text, @path or @- for in.
func readRequestBody(in io.Reader, data string) ([]byte, error) {
	switch {
	case data == "":
		return nil, nil
	case data == "@-":
		return io.ReadAll(in)
	case strings.HasPrefix(data, "@"):
		return os.ReadFile(data[1:])
	default:
		return []byte(data), nil
	}
}
