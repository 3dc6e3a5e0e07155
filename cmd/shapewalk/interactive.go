package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type interactiveModel struct {
	sess    *session
	input   textinput.Model
	history []string
	result  string
	err     error
	done    bool
}

func newInteractiveModel(s *session) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "field name | item | set 42 | end | build"
	ti.Prompt = "> "
	ti.Width = 50
	ti.Focus()
	return &interactiveModel{sess: s, input: ti}
}

func (m *interactiveModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "ctrl+c", "esc":
			if m.sess.p.IsActive() {
				_ = m.sess.abandon()
			}
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line != "" && !m.done {
				m.exec(line)
			}
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *interactiveModel) exec(line string) {
	m.err = nil
	switch line {
	case "build":
		v, err := m.sess.finish()
		if err != nil {
			m.err = err
			return
		}
		b, err := formatValue(v, "text")
		if err != nil {
			m.err = err
			return
		}
		m.result = string(b)
		m.done = true
	case "discard":
		m.err = m.sess.abandon()
		m.result = "discarded"
		m.done = true
	default:
		if err := m.sess.step(line); err != nil {
			m.err = err
			return
		}
		m.history = append(m.history, line)
	}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("shapewalk"))
	fmt.Fprintf(&b, " %s: %s\n\n", m.sess.demo.name, m.sess.demo.about)

	if m.done {
		b.WriteString(render(resultStyle, true, m.result))
	} else {
		b.WriteString(renderFrames(m.sess.p.Frames(), true))
		b.WriteString("\n")
		b.WriteString(m.input.View())
	}
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(render(errorStyle, true, "Error: "+m.err.Error()))
		b.WriteString("\n")
	}
	if n := len(m.history); n > 0 {
		fmt.Fprintf(&b, "\n%d ops, last: %s\n", n, m.history[n-1])
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter apply • build finish • discard abandon • esc quit"))
	return b.String()
}
