package replay

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/muesli/reflow/wordwrap"
)

var (
	pagerTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	pagerHelpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

// Pager is an interactive viewport over a rendered transcript.
type Pager struct {
	title string
}

// NewPager creates a pager with the given title.
func NewPager(title string) *Pager {
	return &Pager{title: title}
}

// Run shows static content until the user quits.
func (p *Pager) Run(content string) error {
	prog := tea.NewProgram(
		&pagerModel{title: p.title, content: content},
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err := prog.Run()
	return err
}

// RunLive follows a session file: every write re-renders the transcript
// while preserving the scroll position.
func (p *Pager) RunLive(filePath string, render func() (string, error)) error {
	content, err := render()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filePath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	prog := tea.NewProgram(
		&pagerModel{
			title:   p.title,
			content: content,
			live:    true,
			render:  render,
			watcher: watcher,
		},
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err = prog.Run()
	watcher.Close()
	return err
}

// fileChangedMsg is sent when the watched file changes.
type fileChangedMsg struct{}

type pagerModel struct {
	viewport viewport.Model
	title    string
	content  string
	ready    bool
	live     bool
	render   func() (string, error)
	watcher  *fsnotify.Watcher
}

func (m *pagerModel) Init() tea.Cmd {
	if m.live && m.watcher != nil {
		return m.watchFile()
	}
	return nil
}

// watchFile waits for the next write to the session file.
func (m *pagerModel) watchFile() tea.Cmd {
	return func() tea.Msg {
		for {
			select {
			case event, ok := <-m.watcher.Events:
				if !ok {
					return nil
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					// Debounce: let the rewrite settle.
					time.Sleep(100 * time.Millisecond)
					return fileChangedMsg{}
				}
			case _, ok := <-m.watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
	}
}

func (m *pagerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case fileChangedMsg:
		if m.render != nil {
			if newContent, err := m.render(); err == nil {
				atBottom := m.viewport.AtBottom()
				offset := m.viewport.YOffset
				m.content = newContent
				m.viewport.SetContent(wordwrap.String(m.content, m.viewport.Width))
				if atBottom {
					m.viewport.GotoBottom()
				} else {
					m.viewport.YOffset = offset
				}
			}
		}
		cmds = append(cmds, m.watchFile())

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "g":
			m.viewport.GotoTop()
		case "G", "f":
			m.viewport.GotoBottom()
		}

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 1
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(wordwrap.String(m.content, msg.Width))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
			m.viewport.SetContent(wordwrap.String(m.content, msg.Width))
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *pagerModel) View() string {
	if !m.ready {
		return "loading..."
	}
	title := pagerTitleStyle.Render(m.title)
	help := "q quit · g top · G bottom"
	if m.live {
		help += " · live"
	}
	return fmt.Sprintf("%s\n%s\n%s", title, m.viewport.View(), pagerHelpStyle.Render(help))
}
