package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/rotation"
	"github.com/arctic-cli/arctic/internal/tui/theme"
)

var multiAccountCmd = &cobra.Command{
	Use:   "multi-account",
	Short: "Manage multi-account rotation",
	Long: `Manage how requests are spread across several accounts of one provider.

fill-first (default) keeps using one account until it fails, then moves to
the next. round-robin moves to the next account on every request.`,
}

var multiAccountStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the rotation mode and accounts",
	Args:  cobra.NoArgs,
	RunE:  runMultiAccountStatus,
}

var multiAccountRoundRobinCmd = &cobra.Command{
	Use:   "round-robin",
	Short: "Rotate to the next account on every request",
	Args:  cobra.NoArgs,
	RunE:  setModeFunc(rotation.RoundRobin),
}

var multiAccountFillFirstCmd = &cobra.Command{
	Use:   "fill-first",
	Short: "Use one account until it fails, then switch [default]",
	Args:  cobra.NoArgs,
	RunE:  setModeFunc(rotation.FillFirst),
}

func init() {
	multiAccountCmd.AddCommand(multiAccountStatusCmd, multiAccountRoundRobinCmd, multiAccountFillFirstCmd)
	rootCmd.AddCommand(multiAccountCmd)
}

func modeLabel(m rotation.Mode) string {
	if m == rotation.RoundRobin {
		return "Round Robin ⟳"
	}
	return "Fill-First ↻"
}

func modeDescription(m rotation.Mode) string {
	if m == rotation.RoundRobin {
		return "Accounts rotate at the start of each new request"
	}
	return "Uses the current account until it fails, then switches to the next"
}

func runMultiAccountStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	th := theme.New()
	mode := a.cfg.RotationMode()

	var b strings.Builder
	b.WriteString("Status: " + th.Success.Render(modeLabel(mode)))
	if !a.cfg.RotationModeSet() {
		b.WriteString(th.Faint.Render(" (default)"))
	}
	b.WriteString("\n" + modeDescription(mode) + "\n")

	rot := a.rotator()
	for _, id := range a.registry.IDs() {
		accounts, err := rot.Accounts(ctx, id)
		if err != nil {
			return err
		}
		if len(accounts) < 2 {
			continue
		}
		names := make([]string, len(accounts))
		for i, k := range accounts {
			names[i] = auth.ParseKey(k).DisplayName()
		}
		b.WriteString(fmt.Sprintf("\n%s %s", th.Title.Render(id+":"), strings.Join(names, " → ")))
	}

	other := rotation.FillFirst
	if mode == rotation.FillFirst {
		other = rotation.RoundRobin
	}
	b.WriteString("\n\n" + th.Hint.Render(fmt.Sprintf("Run `arctic multi-account %s` to switch to %s mode", other, other)))

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), th.RenderPane("Multi-Account", b.String(), 72))
	return nil
}

func setModeFunc(mode rotation.Mode) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		if err := a.cfg.SetRotationMode(string(mode)); err != nil {
			return err
		}
		th := theme.New()
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s mode enabled\n%s\n",
			th.Success.Render("✓"), modeLabel(mode), modeDescription(mode))
		return nil
	}
}
