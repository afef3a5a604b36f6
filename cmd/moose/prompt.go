package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"moosedev/internal/tasks"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// errPromptCanceled is returned when the user leaves the prompt with Esc or Ctrl+C.
var errPromptCanceled = errors.New("prompt canceled")

// promptModel is a single-line question answered with Enter.
type promptModel struct {
	question string
	input    textinput.Model
	done     bool
	canceled bool
}

func newPromptModel(question string) promptModel {
	ti := textinput.New()
	ti.Placeholder = "app name"
	ti.Focus()
	ti.Prompt = "> "
	ti.CharLimit = 64
	ti.Width = 40
	ti.PromptStyle = infoStyle

	return promptModel{
		question: strings.TrimSpace(question),
		input:    ti,
	}
}

func (m promptModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			if strings.TrimSpace(m.input.Value()) == "" {
				return m, nil
			}
			m.done = true
			return m, tea.Quit
		case tea.KeyEsc, tea.KeyCtrlC:
			m.canceled = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m promptModel) View() string {
	if m.done || m.canceled {
		return ""
	}
	return fmt.Sprintf("%s\n%s\n%s\n",
		m.question,
		m.input.View(),
		mutedStyle.Render("(enter to confirm, esc to cancel)"),
	)
}

// Value returns the trimmed answer.
func (m promptModel) Value() string {
	return strings.TrimSpace(m.input.Value())
}

// terminalPrompter returns a textinput prompt when in is a terminal. It
// returns nil otherwise, so the runner falls back to reading a line.
func terminalPrompter(in *os.File, out io.Writer) tasks.Prompter {
	if in == nil || !(isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd())) {
		return nil
	}
	return func(ctx context.Context, question string) (string, error) {
		return runPrompt(ctx, question, tea.WithInput(in), tea.WithOutput(out))
	}
}

func runPrompt(ctx context.Context, question string, opts ...tea.ProgramOption) (string, error) {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	final, err := tea.NewProgram(newPromptModel(question), opts...).Run()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}

	m, ok := final.(promptModel)
	if !ok || m.canceled {
		return "", errPromptCanceled
	}
	return m.Value(), nil
}
