// Package tui is the interactive terminal front end. It owns the
// credentials and renders notifications published by the background
// goroutines; nothing else touches the terminal while it runs.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/comptonizing/ekos-lightbucket/internal/credentials"
	"github.com/comptonizing/ekos-lightbucket/internal/notify"
)

const (
	maxLines = 12
	maxWidth = 80
	padding  = 2
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
	labelStyle   = lipgloss.NewStyle().Bold(true)
	logBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#3C3C3C")).Padding(0, 1)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
)

type eventMsg notify.Event

type requestServedMsg struct{}

type closedMsg struct{}

// Options wires the model to the running uploader.
type Options struct {
	Events   <-chan notify.Event
	Requests <-chan chan<- credentials.Credentials
	Holder   *credentials.Holder
	// Save persists credentials entered in the form.
	Save func(credentials.Credentials) error
	// CancelBulk stops a running bulk upload; nil hides the key binding.
	CancelBulk func() bool
}

// Model is the bubbletea model for the status screen.
type Model struct {
	opts Options

	counters   notify.Counters
	lines      []string
	spinner    spinner.Model
	progress   progress.Model
	bulk       bool
	percent    float64
	bulkDone   *notify.BulkSummary
	inputs     []textinput.Model
	editing    bool
	focused    int
	formErr    string
	quitting   bool
	eventsDone bool

	// done is closed when the program stops; pending request waits
	// return instead of taking a request nobody will answer.
	done <-chan struct{}
}

func New(opts Options) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	p := progress.New(progress.WithGradient("#007BC0", "#011E5C"))
	p.Width = maxWidth - padding*2

	user := textinput.New()
	user.Placeholder = "user name"
	user.CharLimit = 128
	key := textinput.New()
	key.Placeholder = "API key"
	key.CharLimit = 256
	key.EchoMode = textinput.EchoPassword
	key.EchoCharacter = '*'

	if opts.Holder == nil {
		opts.Holder = credentials.NewHolder(credentials.Credentials{})
	}
	return Model{
		opts:     opts,
		spinner:  s,
		progress: p,
		inputs:   []textinput.Model{user, key},
	}
}

func waitForEvent(ch <-chan notify.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

// waitForRequest answers a single credentials request from the
// command goroutine, so a request taken off the channel is always
// replied to even if the program has already exited.
func waitForRequest(ch <-chan chan<- credentials.Credentials, holder *credentials.Holder, done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-done:
			return nil
		case reply := <-ch:
			reply <- holder.Current()
			return requestServedMsg{}
		}
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick}
	if m.opts.Events != nil {
		cmds = append(cmds, waitForEvent(m.opts.Events))
	}
	if m.opts.Requests != nil {
		cmds = append(cmds, waitForRequest(m.opts.Requests, m.opts.Holder, m.done))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.editing {
			return m.updateForm(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "c":
			return m.openForm()
		case "x":
			if m.opts.CancelBulk != nil && m.bulk && m.opts.CancelBulk() {
				m.appendLine("Cancelling bulk upload, waiting for the current file")
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.progress.Width = min(msg.Width-padding*2-4, maxWidth)
		return m, nil

	case requestServedMsg:
		return m, waitForRequest(m.opts.Requests, m.opts.Holder, m.done)

	case eventMsg:
		m.apply(notify.Event(msg))
		return m, waitForEvent(m.opts.Events)

	case closedMsg:
		m.eventsDone = true
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) apply(ev notify.Event) {
	switch ev.Kind {
	case notify.KindLog:
		m.appendLine(ev.Line())
	case notify.KindCounters:
		if ev.Counters != nil {
			m.counters = *ev.Counters
		}
	case notify.KindProgress:
		if !m.bulk {
			m.bulk = true
			m.bulkDone = nil
		}
		m.percent = ev.Progress
	case notify.KindBulkDone:
		m.bulk = false
		m.bulkDone = ev.Bulk
	}
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, strings.TrimRight(line, "\n"))
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
}

func (m Model) openForm() (tea.Model, tea.Cmd) {
	current := m.opts.Holder.Current()
	m.inputs[0].SetValue(current.Username)
	m.inputs[1].SetValue(current.APIKey)
	m.editing = true
	m.focused = 0
	m.formErr = ""
	m.inputs[1].Blur()
	return m, m.inputs[0].Focus()
}

func (m Model) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "ctrl+c":
		m.editing = false
		return m, nil
	case "tab", "shift+tab", "up", "down":
		return m.focus(1 - m.focused)
	case "enter":
		if m.focused == 0 {
			return m.focus(1)
		}
		c := credentials.Credentials{
			Username: strings.TrimSpace(m.inputs[0].Value()),
			APIKey:   strings.TrimSpace(m.inputs[1].Value()),
		}
		if !c.Complete() {
			m.formErr = "both user name and API key are required"
			return m, nil
		}
		if m.opts.Save != nil {
			if err := m.opts.Save(c); err != nil {
				m.formErr = err.Error()
				return m, nil
			}
		}
		m.opts.Holder.Set(c)
		m.editing = false
		m.appendLine("Credentials updated")
		return m, nil
	}
	var cmd tea.Cmd
	m.inputs[m.focused], cmd = m.inputs[m.focused].Update(msg)
	return m, cmd
}

func (m Model) focus(i int) (tea.Model, tea.Cmd) {
	m.inputs[m.focused].Blur()
	m.focused = i
	return m, m.inputs[i].Focus()
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	pad := strings.Repeat(" ", padding)

	b.WriteString("\n" + pad + titleStyle.Render("Ekos Lightbucket uploader") + "\n\n")

	state := mutedStyle.Render("Idle")
	if m.counters.Processing {
		state = m.spinner.View() + " Processing"
	}
	fmt.Fprintf(&b, "%s%s %d   %s %s   %s %s   %s\n",
		pad,
		labelStyle.Render("Queue:"), m.counters.Queued,
		labelStyle.Render("Success:"), okStyle.Render(fmt.Sprint(m.counters.Success)),
		labelStyle.Render("Failure:"), failStyle.Render(fmt.Sprint(m.counters.Failure)),
		state,
	)

	if !m.opts.Holder.Current().Complete() {
		b.WriteString(pad + warningStyle.Render("No credentials configured, press c to enter them") + "\n")
	}

	if m.bulk {
		b.WriteString("\n" + pad + labelStyle.Render("Bulk upload") + "\n")
		b.WriteString(pad + m.progress.ViewAs(m.percent) + "\n")
	} else if m.bulkDone != nil {
		s := m.bulkDone
		text := fmt.Sprintf("Bulk upload finished: %d of %d files", s.Attempted, s.Total)
		if s.Cancelled {
			text = fmt.Sprintf("Bulk upload cancelled after %d of %d files", s.Attempted, s.Total)
		}
		b.WriteString("\n" + pad + mutedStyle.Render(text) + "\n")
	}

	if m.editing {
		b.WriteString("\n" + pad + labelStyle.Render("Lightbucket credentials") + "\n")
		b.WriteString(pad + m.inputs[0].View() + "\n")
		b.WriteString(pad + m.inputs[1].View() + "\n")
		if m.formErr != "" {
			b.WriteString(pad + failStyle.Render(m.formErr) + "\n")
		}
	}

	logs := strings.Join(m.lines, "\n")
	if logs == "" {
		logs = mutedStyle.Render("Waiting for captures...")
	}
	b.WriteString("\n" + logBoxStyle.Render(logs) + "\n")

	help := "q quit • c credentials"
	if m.bulk && m.opts.CancelBulk != nil {
		help += " • x cancel bulk"
	}
	if m.editing {
		help = "enter next/save • tab switch • esc cancel"
	}
	b.WriteString("\n" + pad + mutedStyle.Render(help) + "\n")
	return b.String()
}

// Run shows the status screen until the user quits or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	return run(ctx, opts, tea.WithAltScreen())
}

func run(ctx context.Context, opts Options, extra ...tea.ProgramOption) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	m := New(opts)
	m.done = runCtx.Done()
	p := tea.NewProgram(m, append([]tea.ProgramOption{tea.WithContext(runCtx)}, extra...)...)
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
