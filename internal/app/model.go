package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/nhle/packrent/internal/auth"
	"github.com/nhle/packrent/internal/keys"
	"github.com/nhle/packrent/internal/theme"
	"github.com/nhle/packrent/internal/ui"
	"github.com/nhle/packrent/internal/ui/inbox"
	"github.com/nhle/packrent/internal/ui/login"
)

// statusInterval is how often the header re-reads connection state.
const statusInterval = time.Second

// requestTimeout bounds login and logout.
const requestTimeout = 30 * time.Second

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewLogin ViewState = iota
	ViewInbox
)

type loginResultMsg struct {
	err error
}

type logoutDoneMsg struct{}

type statusTickMsg struct{}

// Model is the root Bubble Tea model. It routes between the sign-in form and
// the inbox and feeds synchronizer output into the inbox.
type Model struct {
	app         *App
	keys        *keys.KeyMap
	layout      ui.Layout
	currentView ViewState
	login       login.Model
	inbox       inbox.Model
	connection  string
	ready       bool
	initCmd     tea.Cmd
}

// NewModel creates the root model for a.
func NewModel(a *App) Model {
	k := keys.DefaultKeyMap()
	syncer := a.Notifications()

	m := Model{
		app:        a,
		keys:       k,
		login:      login.New(80, 24),
		inbox:      inbox.New(syncer, syncer.Cache(), k, 80, 22),
		connection: a.Channel().State().String(),
	}
	if a.Auth().Session().Authenticated {
		m.currentView = ViewInbox
		m.initCmd = m.inbox.Init()
	} else {
		m.initCmd = m.login.Start("")
	}
	return m
}

// Init starts the view, the bridge subscription and the status tick.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.app.Bridge().Wait(), tickStatus(), m.initCmd)
}

func tickStatus() tea.Cmd {
	return tea.Tick(statusInterval, func(time.Time) tea.Msg { return statusTickMsg{} })
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		m.login.SetSize(m.layout.ContentWidth(), m.layout.ContentHeight())
		m.inbox.SetSize(m.layout.ContentWidth(), m.layout.ContentHeight())
		return m.updateActiveView(msg)

	case inbox.AlertMsg, inbox.ChangedMsg:
		var cmd tea.Cmd
		m.inbox, cmd = m.inbox.Update(msg)
		return m, tea.Batch(cmd, m.app.Bridge().Wait())

	case statusTickMsg:
		m.connection = m.app.Channel().State().String()
		if m.currentView == ViewInbox && !m.app.Auth().Session().Authenticated {
			// Logged out elsewhere, for instance after a failed refresh.
			m.currentView = ViewLogin
			cmd := m.login.Start("Your session has ended. Please sign in again.")
			return m, tea.Batch(cmd, tickStatus())
		}
		return m, tickStatus()

	case login.SubmitMsg:
		return m, m.doLogin(msg.Identity, msg.Secret)

	case login.CancelMsg:
		return m, tea.Quit

	case loginResultMsg:
		if msg.err != nil {
			cmd := m.login.Start(loginErrorText(msg.err))
			return m, cmd
		}
		m.currentView = ViewInbox
		return m, m.inbox.Init()

	case logoutDoneMsg:
		m.currentView = ViewLogin
		cmd := m.login.Start("")
		return m, cmd

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.currentView == ViewInbox {
			switch {
			case key.Matches(msg, m.keys.Quit):
				return m, tea.Quit
			case key.Matches(msg, m.keys.Logout):
				return m, m.doLogout()
			}
		}
	}

	return m.updateActiveView(msg)
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewLogin:
		m.login, cmd = m.login.Update(msg)
	case ViewInbox:
		m.inbox, cmd = m.inbox.Update(msg)
	}

	return m, cmd
}

func (m Model) doLogin(identity, secret string) tea.Cmd {
	a := m.app
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		_, err := a.Auth().Login(ctx, identity, secret)
		return loginResultMsg{err: err}
	}
}

func (m Model) doLogout() tea.Cmd {
	a := m.app
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := a.Auth().Logout(ctx); err != nil {
			a.Logger().Named("ui").Warn("logout", zap.Error(err))
		}
		return logoutDoneMsg{}
	}
}

func loginErrorText(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "Invalid email/phone or password."
	case errors.Is(err, auth.ErrForbiddenRole):
		return "This account cannot sign in on this client."
	default:
		return "Could not sign in. Check your connection and try again."
	}
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	var content, hints string
	switch m.currentView {
	case ViewLogin:
		content = m.login.View()
		hints = "enter submit • ctrl+c quit"
	case ViewInbox:
		content = m.inbox.View()
		hints = m.inbox.ShortHelp()
		if s := m.inbox.StatusText(); s != "" {
			hints = s + " • " + hints
		}
	}

	return m.layout.RenderWithFrame(
		m.layout.RenderHeader("Packrent", m.headerStatus()),
		m.layout.RenderBanner(m.inbox.Banner()),
		content,
		m.layout.RenderStatusBar(hints),
	)
}

func (m Model) headerStatus() string {
	sess := m.app.Auth().Session()
	if !sess.Authenticated {
		return "signed out"
	}

	parts := []string{
		theme.RoleStyle(sess.Role).Render(string(sess.Role)),
		theme.ConnectionStyle(m.connection).Render(m.connection),
	}
	if n := m.inbox.Unread(); n > 0 {
		parts = append(parts, fmt.Sprintf("%d unread", n))
	}
	return strings.Join(parts, " ")
}
