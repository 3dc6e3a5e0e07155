package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/partial/builder"
	"github.com/wippyai/partial/shape"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	frameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	topStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// formatValue renders a materialized value as YAML text or msgpack bytes.
func formatValue(v any, format string) ([]byte, error) {
	switch format {
	case "text", "":
		return yaml.Marshal(v)
	case "msgpack":
		return shape.EncodeMsgpack(v)
	}
	return nil, fmt.Errorf("unknown format %q (want text or msgpack)", format)
}

// renderFrames prints the frame stack root first, marking the top frame.
func renderFrames(frames []builder.FrameInfo, styled bool) string {
	var b strings.Builder
	for i, f := range frames {
		seg := f.Segment
		if seg == "" {
			seg = "<root>"
		}
		mark := " "
		if f.Initialized {
			mark = "*"
		}
		line := fmt.Sprintf("%s%-12s %-18s %-8s tracker=%-18s own=%s",
			mark, seg, f.Shape, f.Kind, f.Tracker, f.Ownership)
		switch {
		case !styled:
		case i == len(frames)-1:
			line = topStyle.Render(line)
		default:
			line = frameStyle.Render(line)
		}
		b.WriteString(strings.Repeat("  ", i))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func render(style lipgloss.Style, styled bool, s string) string {
	if !styled {
		return s
	}
	return style.Render(s)
}
