// Package tui holds the interactive terminal views used during sign-in.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/arctic-cli/arctic/internal/oauth"
	"github.com/arctic-cli/arctic/internal/tui/theme"
)

// Stepper is the device-code poll state machine. *oauth.Poller
// implements it.
type Stepper interface {
	Step(ctx context.Context) oauth.PollResult
	Interval() time.Duration
	Done() bool
}

type (
	pollTickMsg struct{}
	pollDoneMsg struct{ res oauth.PollResult }
)

// DeviceWait shows the verification URL and user code and steps the
// poller once per interval until it finishes or the user aborts.
type DeviceWait struct {
	ctx          context.Context
	poller       Stepper
	url          string
	instructions string

	spinner spinner.Model
	theme   theme.Theme

	polls  int
	last   oauth.PollResult
	result oauth.PollResult
	done   bool
}

// NewDeviceWait creates the view.
func NewDeviceWait(ctx context.Context, poller Stepper, url, instructions string) DeviceWait {
	th := theme.New()
	return DeviceWait{
		ctx:          ctx,
		poller:       poller,
		url:          url,
		instructions: instructions,
		spinner:      spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(th.Primary)),
		theme:        th,
	}
}

// Result is the terminal poll result, valid once the program exits.
func (m DeviceWait) Result() oauth.PollResult { return m.result }

func (m DeviceWait) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.wait())
}

func (m DeviceWait) wait() tea.Cmd {
	return tea.Tick(m.poller.Interval(), func(time.Time) tea.Msg { return pollTickMsg{} })
}

func (m DeviceWait) step() tea.Cmd {
	ctx, poller := m.ctx, m.poller
	return func() tea.Msg {
		return pollDoneMsg{res: poller.Step(ctx)}
	}
}

func (m DeviceWait) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.done = true
			m.result = oauth.PollResult{Status: oauth.PollCancelled, Result: oauth.Failed("cancelled")}
			return m, tea.Quit
		}
		return m, nil

	case pollTickMsg:
		if m.done {
			return m, nil
		}
		return m, m.step()

	case pollDoneMsg:
		m.polls++
		m.last = msg.res
		if m.poller.Done() {
			m.done = true
			m.result = msg.res
			return m, tea.Quit
		}
		return m, m.wait()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m DeviceWait) View() string {
	var b strings.Builder
	b.WriteString(m.theme.Title.Render("Open: "))
	b.WriteString(m.theme.Primary.Render(m.url))
	b.WriteString("\n")
	if m.instructions != "" {
		b.WriteString(m.instructions)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.done {
		b.WriteString(m.theme.StatusPill(string(m.result.Status)))
		if r := m.result.Reason(); r != "" && m.result.Status != oauth.PollSuccess {
			b.WriteString(" " + m.theme.Danger.Render(r))
		}
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.spinner.View())
	b.WriteString(" Waiting for authorization")
	if m.last.Status == oauth.PollSlowDown {
		b.WriteString(m.theme.Warn.Render(fmt.Sprintf(" (slowing down, every %s)", m.poller.Interval())))
	} else if m.last.Status == oauth.PollFailed {
		b.WriteString(m.theme.Warn.Render(" (retrying: " + m.last.Reason() + ")"))
	}
	b.WriteString("\n")
	b.WriteString(m.theme.Hint.Render("Press ctrl+c to cancel"))
	b.WriteString("\n")
	return b.String()
}

// RunDeviceWait runs the view until the poller finishes, the user aborts
// or ctx is cancelled.
func RunDeviceWait(ctx context.Context, poller Stepper, url, instructions string, in io.Reader, out io.Writer) (oauth.PollResult, error) {
	p := tea.NewProgram(NewDeviceWait(ctx, poller, url, instructions),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out))
	final, err := p.Run()
	if ctx.Err() != nil {
		return oauth.PollResult{Status: oauth.PollCancelled, Result: oauth.Failed("cancelled")}, nil
	}
	if err != nil {
		return oauth.PollResult{}, fmt.Errorf("device wait view: %w", err)
	}
	return final.(DeviceWait).Result(), nil
}
