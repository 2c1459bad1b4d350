package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/arctic-cli/arctic/internal/clierrors"
	"github.com/arctic-cli/arctic/internal/logging"
	"github.com/arctic-cli/arctic/internal/tui/theme"
)

// Version information (set at build time via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "arctic",
	Short: "Provider sign-in, multi-account rotation and MCP server auth",
	Long: `arctic manages provider credentials for coding agents.

It signs in to model providers (OAuth or API key), rotates requests across
several accounts of one provider, and authenticates remote MCP tool servers.`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	PersistentPreRunE: setupLogging,
}

func init() {
	// Disable automatic completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Errors are printed once, with their hint, by Execute
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ~/.config/arctic/arctic.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default warn)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	logger, err := logging.New(logging.Options{Level: logLevel, Format: logFormat, Writer: cmd.ErrOrStderr()})
	if err != nil {
		return clierrors.Wrap(clierrors.ExitUsage, "Invalid logging flags", err)
	}
	slog.SetDefault(logger)
	cmd.SetContext(logging.WithLogger(cmd.Context(), logger))
	return nil
}

// Execute runs the root command and exits with the error's exit code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(clierrors.ExitCode(err))
	}
}

// printError writes err and, for CLI errors, its hint.
func printError(w io.Writer, err error) {
	th := theme.New()
	var cliErr *clierrors.CLIError
	if errors.As(err, &cliErr) {
		_, _ = fmt.Fprintln(w, th.Danger.Render("Error: ")+cliErr.Error())
		if cliErr.Hint != "" {
			_, _ = fmt.Fprintln(w, th.Hint.Render(cliErr.Hint))
		}
		return
	}
	_, _ = fmt.Fprintln(w, th.Danger.Render("Error: ")+err.Error())
}
