// Package tui is a terminal chat client for a loaded document.
package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/brunobiangulo/docqa"
	"github.com/brunobiangulo/docqa/reasoning"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Background(lipgloss.Color("99")).
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	botStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("81"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	imageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))
)

// Asker is the part of docqa.Engine the chat drives.
type Asker interface {
	NewSession() string
	Answer(ctx context.Context, sessionID, question string) (*reasoning.AnswerResult, error)
}

// Options configures the chat.
type Options struct {
	Title    string
	Greeting string
	// ImageDir receives the cited page images. Empty only reports them.
	ImageDir string
}

type answerMsg struct {
	question string
	result   *reasoning.AnswerResult
	err      error
}

// Model is the bubbletea model of the chat screen.
type Model struct {
	ctx     context.Context
	engine  Asker
	opts    Options
	session string

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model

	transcript []string
	waiting    bool
	saved      int
}

// New returns a chat model with a fresh session.
func New(ctx context.Context, engine Asker, opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "Ask about the document (/reset clears history, esc quits)"
	ti.CharLimit = 2000
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		ctx:      ctx,
		engine:   engine,
		opts:     opts,
		session:  engine.NewSession(),
		viewport: viewport.New(80, 20),
		input:    ti,
		spinner:  sp,
	}
	if opts.Greeting != "" {
		m.transcript = append(m.transcript, botStyle.Render("bot: ")+opts.Greeting)
	}
	return m
}

// Run starts the chat and blocks until the user quits or ctx ends.
func Run(ctx context.Context, engine Asker, opts Options) error {
	p := tea.NewProgram(New(ctx, engine, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-4, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.waiting {
				return m, nil
			}
			q := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if q == "" {
				return m, nil
			}
			if q == "/reset" {
				m.session = m.engine.NewSession()
				m.transcript = nil
				if m.opts.Greeting != "" {
					m.transcript = append(m.transcript, botStyle.Render("bot: ")+m.opts.Greeting)
				}
				m.refresh()
				return m, nil
			}
			m.transcript = append(m.transcript, userStyle.Render("you: ")+q)
			m.waiting = true
			m.refresh()
			return m, tea.Batch(m.spinner.Tick, m.ask(q))
		}

	case answerMsg:
		m.waiting = false
		m.record(msg)
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// ask runs one question off the UI loop.
func (m Model) ask(question string) tea.Cmd {
	ctx, engine, session := m.ctx, m.engine, m.session
	return func() tea.Msg {
		res, err := engine.Answer(ctx, session, question)
		return answerMsg{question: question, result: res, err: err}
	}
}

// record appends an answer, and the images it cites, to the transcript.
func (m *Model) record(msg answerMsg) {
	if msg.err != nil {
		m.transcript = append(m.transcript, errorStyle.Render("error: "+docqa.ReplyText(msg.err)))
		return
	}
	res := msg.result
	m.transcript = append(m.transcript, botStyle.Render("bot: ")+res.Text)
	if res.Page == 0 || len(res.Images) == 0 {
		return
	}

	note := fmt.Sprintf("page %d: %d image(s)", res.Page, len(res.Images))
	if m.opts.ImageDir != "" {
		paths, err := saveImages(m.opts.ImageDir, m.saved, res)
		if err != nil {
			m.transcript = append(m.transcript, errorStyle.Render("saving images: "+err.Error()))
			return
		}
		m.saved++
		note += " saved to " + strings.Join(paths, ", ")
	}
	if res.Degraded {
		note += " (fallback render)"
	}
	m.transcript = append(m.transcript, imageStyle.Render(note))
}

func (m *Model) refresh() {
	m.viewport.SetContent(lipgloss.NewStyle().Width(m.viewport.Width).Render(strings.Join(m.transcript, "\n\n")))
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	title := m.opts.Title
	if title == "" {
		title = "docqa"
	}
	footer := m.input.View()
	if m.waiting {
		footer = m.spinner.View() + dimStyle.Render(" reading the document...")
	}
	return titleStyle.Render(title) + "\n" + m.viewport.View() + "\n" + footer
}

// saveImages writes the cited images as answer-<n>-page-<p>-<i>.png.
func saveImages(dir string, n int, res *reasoning.AnswerResult) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(res.Images))
	for i, img := range res.Images {
		p := filepath.Join(dir, fmt.Sprintf("answer-%d-page-%d-%d.png", n+1, res.Page, i+1))
		if err := os.WriteFile(p, img, 0644); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}
