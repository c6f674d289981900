package inbox

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/packrent/internal/model"
	"github.com/nhle/packrent/internal/theme"
)

// Item wraps a model.Notification so it can be used in a bubbles/list.
type Item struct {
	Notification model.Notification
}

// FilterValue returns the string used for fuzzy filtering.
func (i Item) FilterValue() string { return i.Notification.Title }

// Title returns the notification headline.
func (i Item) Title() string { return i.Notification.Title }

// Description returns the body and its age.
func (i Item) Description() string {
	parts := []string{i.Notification.Message}
	if age := relativeTime(i.Notification.CreatedAt, time.Now()); age != "" {
		parts = append(parts, age)
	}
	return strings.Join(parts, " | ")
}

// Delegate implements list.ItemDelegate for inbox rows.
type Delegate struct{}

// Height returns the number of lines each item takes.
func (d Delegate) Height() int { return 1 }

// Spacing returns the number of blank lines between items.
func (d Delegate) Spacing() int { return 0 }

// Update handles per-item messages.
func (d Delegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws a single inbox row.
func (d Delegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	it, ok := item.(Item)
	if !ok {
		return
	}
	n := it.Notification

	marker := "  "
	title := theme.DimmedStyle.Render(n.Title)
	if !n.IsRead {
		marker = "● "
		title = theme.UnreadStyle.Render(n.Title)
	}

	line := marker + title
	if n.Message != "" {
		line += theme.DimmedStyle.Render("  " + firstLine(n.Message))
	}
	if age := relativeTime(n.CreatedAt, time.Now()); age != "" {
		line += theme.DimmedStyle.Render("  " + age)
	}

	if index == m.Index() {
		fmt.Fprint(w, theme.SelectedItemStyle.Render(line))
		return
	}
	fmt.Fprint(w, theme.ListItemStyle.Render(line))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// relativeTime renders t relative to now in compact form.
func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}

	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("Jan 02")
	}
}
