package login

import (
	"errors"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/packrent/internal/theme"
)

// SubmitMsg is dispatched when the user completes the form.
type SubmitMsg struct {
	Identity string
	Secret   string
}

// CancelMsg is dispatched when the user aborts the form.
type CancelMsg struct{}

// formBindings holds form field values on the heap so that huh's Value()
// pointers remain valid across Bubble Tea model copies.
type formBindings struct {
	identity string
	secret   string
}

// Model is the Bubble Tea model for the sign-in form.
type Model struct {
	form    *huh.Form
	fb      *formBindings
	errText string
	busy    bool
	width   int
	height  int
}

// New creates a sign-in form model.
func New(width, height int) Model {
	return Model{
		fb:     &formBindings{},
		width:  width,
		height: height,
	}
}

// Start resets the form. A non-empty errText is shown above the fields,
// and the identity is kept so the user only retypes the secret.
func (m *Model) Start(errText string) tea.Cmd {
	m.errText = errText
	m.busy = false
	m.fb.secret = ""
	m.form = m.buildForm()
	return m.form.Init()
}

// Update handles messages for the form.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if m.form == nil || m.busy {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		identity := strings.TrimSpace(m.fb.identity)
		secret := m.fb.secret
		m.busy = true
		return m, func() tea.Msg { return SubmitMsg{Identity: identity, Secret: secret} }
	case huh.StateAborted:
		return m, func() tea.Msg { return CancelMsg{} }
	}

	return m, cmd
}

// View renders the form.
func (m Model) View() string {
	if m.form == nil {
		return ""
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	parts := []string{titleStyle.Render("Sign in to Packrent")}
	if m.errText != "" {
		parts = append(parts, theme.ErrorStyle.Render(m.errText))
	}
	if m.busy {
		parts = append(parts, theme.DimmedStyle.Render("Signing in..."))
	} else {
		parts = append(parts, m.form.View())
	}

	return theme.PanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// SetSize updates the form dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func (m *Model) buildForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Email or phone").
				Value(&m.fb.identity).
				Validate(validateRequired("Email or phone")),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&m.fb.secret).
				Validate(validateRequired("Password")),
		),
	).WithWidth(m.formWidth()).WithShowHelp(true)
}

func (m *Model) formWidth() int {
	w := m.width - 8
	if w > 60 {
		w = 60
	}
	if w < 20 {
		w = 20
	}
	return w
}

func validateRequired(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New(field + " is required")
		}
		return nil
	}
}

// Prompt runs the sign-in form outside the full-screen UI and returns the
// entered credentials. huh.ErrUserAborted is returned when the user cancels.
func Prompt() (SubmitMsg, error) {
	m := New(80, 24)
	if err := m.buildForm().Run(); err != nil {
		return SubmitMsg{}, err
	}
	return SubmitMsg{Identity: strings.TrimSpace(m.fb.identity), Secret: m.fb.secret}, nil
}
