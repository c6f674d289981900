package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/packrent/internal/theme"
)

// Layout manages the terminal frame: header, optional alert banner, content
// and status bar.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	StatusBarHeight int
}

// NewLayout creates a Layout with the given terminal dimensions.
// HeaderHeight and StatusBarHeight default to 1.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		StatusBarHeight: 1,
	}
}

// ContentWidth returns the full available width.
func (l Layout) ContentWidth() int {
	return l.Width
}

// ContentHeight returns the height left for content, accounting for the
// header, the status bar and one line reserved for the alert banner.
func (l Layout) ContentHeight() int {
	h := l.Height - l.HeaderHeight - l.StatusBarHeight - 1
	if h < 0 {
		return 0
	}
	return h
}

// fill pads rendered to the full width using style's background.
func (l Layout) fill(style lipgloss.Style, left, right string) string {
	gap := l.Width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	filler := lipgloss.NewStyle().
		Width(gap).
		Background(style.GetBackground()).
		Render("")
	return lipgloss.JoinHorizontal(lipgloss.Top, left, filler, right)
}

// RenderHeader renders the top bar with a title on the left and status on
// the right.
func (l Layout) RenderHeader(title string, status string) string {
	return l.fill(theme.HeaderStyle,
		theme.HeaderStyle.Render(title),
		theme.HeaderStyle.Render(status),
	)
}

// RenderBanner renders the alert line, or an empty line when text is empty.
func (l Layout) RenderBanner(text string) string {
	if text == "" {
		return ""
	}
	return theme.AlertStyle.MaxWidth(l.Width).Render(text)
}

// RenderStatusBar renders the bottom status bar with keyboard hints.
func (l Layout) RenderStatusBar(hints string) string {
	return l.fill(theme.StatusBarStyle, theme.StatusBarStyle.Render(hints), "")
}

// RenderWithFrame composes a full terminal view.
func (l Layout) RenderWithFrame(header, banner, content, statusBar string) string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		banner,
		content,
		statusBar,
	)
}
