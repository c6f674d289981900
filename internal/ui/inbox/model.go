package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/packrent/internal/keys"
	"github.com/nhle/packrent/internal/notify"
	"github.com/nhle/packrent/internal/theme"
)

// bannerTTL is how long an alert stays on screen.
const bannerTTL = 5 * time.Second

// actionTimeout bounds a single user-triggered mutation.
const actionTimeout = 30 * time.Second

// AlertMsg carries a freshly arrived notification to the UI.
type AlertMsg struct {
	Title   string
	Message string
}

// ChangedMsg signals that the notification cache changed.
type ChangedMsg struct{}

// reloadMsg asks the inbox to re-read the cache.
type reloadMsg struct{}

// actionDoneMsg reports the outcome of a mutation.
type actionDoneMsg struct {
	action string
	err    error
}

// bannerExpiredMsg clears the banner if no newer alert replaced it.
type bannerExpiredMsg struct {
	seq int
}

// Actions is the subset of the synchronizer the inbox drives.
type Actions interface {
	LoadSnapshot(ctx context.Context) error
	MarkAsRead(ctx context.Context, id string) error
	MarkAllAsRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
}

// Source provides the current cache contents.
type Source interface {
	Snapshot() notify.Snapshot
}

// Model is the inbox view.
type Model struct {
	list    list.Model
	help    help.Model
	actions Actions
	source  Source
	keys    *keys.KeyMap

	unread    int
	banner    string
	bannerSeq int
	status    string
	showHelp  bool
	width     int
	height    int
}

// New creates the inbox view.
func New(actions Actions, source Source, k *keys.KeyMap, width, height int) Model {
	l := list.New([]list.Item{}, Delegate{}, width, height)
	l.SetShowTitle(false)
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.DisableQuitKeybindings()

	return Model{
		list:    l,
		help:    help.New(),
		actions: actions,
		source:  source,
		keys:    k,
		width:   width,
		height:  height,
	}
}

// Init loads the current cache contents.
func (m Model) Init() tea.Cmd {
	return func() tea.Msg { return reloadMsg{} }
}

// Update handles messages for the inbox.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ChangedMsg, reloadMsg:
		cmd := m.reload()
		return m, cmd

	case AlertMsg:
		m.bannerSeq++
		m.banner = msg.Title
		if msg.Message != "" {
			m.banner += ": " + msg.Message
		}
		seq := m.bannerSeq
		return m, tea.Tick(bannerTTL, func(time.Time) tea.Msg {
			return bannerExpiredMsg{seq: seq}
		})

	case bannerExpiredMsg:
		if msg.seq == m.bannerSeq {
			m.banner = ""
		}
		return m, nil

	case actionDoneMsg:
		switch {
		case errors.Is(msg.err, notify.ErrNotReady):
			m.status = "Not signed in yet"
		case msg.err != nil:
			m.status = fmt.Sprintf("%s failed", msg.action)
		default:
			m.status = ""
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKeys(msg)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) handleKeys(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		return m, nil

	case key.Matches(msg, m.keys.MarkRead):
		if id, ok := m.selectedID(); ok {
			return m, m.run("Mark read", func(ctx context.Context) error {
				return m.actions.MarkAsRead(ctx, id)
			})
		}
		return m, nil

	case key.Matches(msg, m.keys.MarkAll):
		return m, m.run("Mark all read", m.actions.MarkAllAsRead)

	case key.Matches(msg, m.keys.Delete):
		if id, ok := m.selectedID(); ok {
			return m, m.run("Delete", func(ctx context.Context) error {
				return m.actions.Delete(ctx, id)
			})
		}
		return m, nil

	case key.Matches(msg, m.keys.DeleteAll):
		return m, m.run("Delete all", m.actions.DeleteAll)

	case key.Matches(msg, m.keys.Refresh):
		m.status = "Refreshing..."
		return m, m.run("Refresh", m.actions.LoadSnapshot)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// run executes fn off the UI goroutine.
func (m Model) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{action: action, err: fn(ctx)}
	}
}

func (m Model) selectedID() (string, bool) {
	it, ok := m.list.SelectedItem().(Item)
	if !ok {
		return "", false
	}
	return it.Notification.ID, true
}

// reload replaces the list items with the cache contents.
func (m *Model) reload() tea.Cmd {
	snap := m.source.Snapshot()
	m.unread = snap.Unread
	items := make([]list.Item, len(snap.Items))
	for i, n := range snap.Items {
		items[i] = Item{Notification: n}
	}
	return m.list.SetItems(items)
}

// Unread returns the unread count of the last loaded snapshot.
func (m Model) Unread() int {
	return m.unread
}

// Banner returns the alert text currently shown, if any.
func (m Model) Banner() string {
	return m.banner
}

// StatusText returns the result line of the last action.
func (m Model) StatusText() string {
	return m.status
}

// View renders the inbox.
func (m Model) View() string {
	if m.showHelp {
		m.help.ShowAll = true
		m.help.Width = m.width - 4
		title := lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorWhite).
			MarginBottom(1).
			Render("Keyboard Shortcuts")
		return theme.PanelStyle.
			Width(m.width - 4).
			Render(lipgloss.JoinVertical(lipgloss.Left, title, m.help.View(m.keys)))
	}

	if len(m.list.Items()) == 0 {
		return lipgloss.NewStyle().
			Width(m.width).
			Height(m.height).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray).
			Render("No notifications.")
	}

	return m.list.View()
}

// ShortHelp renders the compact key hints for the status bar.
func (m Model) ShortHelp() string {
	m.help.ShowAll = false
	return m.help.View(m.keys)
}

// SetSize updates the list dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.list.SetSize(width, height)
	m.help.Width = width
}
