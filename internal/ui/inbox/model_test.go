package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/packrent/internal/keys"
	"github.com/nhle/packrent/internal/model"
	"github.com/nhle/packrent/internal/notify"
)

type fakeActions struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeActions) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeActions) LoadSnapshot(context.Context) error { return f.record("load") }
func (f *fakeActions) MarkAsRead(_ context.Context, id string) error {
	return f.record("read:" + id)
}
func (f *fakeActions) MarkAllAsRead(context.Context) error { return f.record("read-all") }
func (f *fakeActions) Delete(_ context.Context, id string) error {
	return f.record("delete:" + id)
}
func (f *fakeActions) DeleteAll(context.Context) error { return f.record("delete-all") }

type fakeSource struct {
	snap notify.Snapshot
}

func (f *fakeSource) Snapshot() notify.Snapshot { return f.snap }

func newTestModel(t *testing.T, items ...model.Notification) (Model, *fakeActions, *fakeSource) {
	t.Helper()
	unread := 0
	for _, n := range items {
		if !n.IsRead {
			unread++
		}
	}
	actions := &fakeActions{}
	source := &fakeSource{snap: notify.Snapshot{Items: items, Unread: unread}}
	m := New(actions, source, keys.DefaultKeyMap(), 80, 20)
	m, _ = m.Update(m.Init()())
	return m, actions, source
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModel_LoadsSnapshot(t *testing.T) {
	m, _, _ := newTestModel(t,
		model.Notification{ID: "n1", Title: "Booking confirmed"},
		model.Notification{ID: "n2", Title: "Payout sent", IsRead: true},
	)

	assert.Len(t, m.list.Items(), 2)
	assert.Equal(t, 1, m.Unread())
	assert.Contains(t, m.View(), "Booking confirmed")
}

func TestModel_ReloadsOnChange(t *testing.T) {
	m, _, source := newTestModel(t)
	assert.Contains(t, m.View(), "No notifications.")

	source.snap = notify.Snapshot{
		Items:  []model.Notification{{ID: "n1", Title: "New message"}},
		Unread: 1,
	}
	m, _ = m.Update(ChangedMsg{})

	assert.Len(t, m.list.Items(), 1)
	assert.Equal(t, 1, m.Unread())
}

func TestModel_MarkReadSelected(t *testing.T) {
	m, actions, _ := newTestModel(t, model.Notification{ID: "n1", Title: "a"})

	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	m, _ = m.Update(cmd())

	assert.Equal(t, []string{"read:n1"}, actions.calls)
	assert.Empty(t, m.StatusText())
}

func TestModel_BulkActions(t *testing.T) {
	m, actions, _ := newTestModel(t, model.Notification{ID: "n1", Title: "a"})

	for _, k := range []string{"A", "d", "D", "r"} {
		var cmd tea.Cmd
		m, cmd = m.Update(runes(k))
		require.NotNil(t, cmd, k)
		m, _ = m.Update(cmd())
	}

	assert.Equal(t, []string{"read-all", "delete:n1", "delete-all", "load"}, actions.calls)
}

func TestModel_SelectionActionsNeedAnItem(t *testing.T) {
	m, actions, _ := newTestModel(t)

	_, cmd := m.Update(runes("d"))
	assert.Nil(t, cmd)
	assert.Empty(t, actions.calls)
}

func TestModel_ActionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "not ready", err: notify.ErrNotReady, want: "Not signed in yet"},
		{name: "failure", err: errors.New("boom"), want: "Mark all read failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, actions, _ := newTestModel(t)
			actions.err = tt.err

			m, cmd := m.Update(runes("A"))
			require.NotNil(t, cmd)
			m, _ = m.Update(cmd())

			assert.Equal(t, tt.want, m.StatusText())
		})
	}
}

func TestModel_BannerExpiresForLatestAlertOnly(t *testing.T) {
	m, _, _ := newTestModel(t)

	m, _ = m.Update(AlertMsg{Title: "First", Message: "one"})
	assert.Equal(t, "First: one", m.Banner())

	m, _ = m.Update(AlertMsg{Title: "Second"})
	assert.Equal(t, "Second", m.Banner())

	m, _ = m.Update(bannerExpiredMsg{seq: 1})
	assert.Equal(t, "Second", m.Banner())

	m, _ = m.Update(bannerExpiredMsg{seq: 2})
	assert.Empty(t, m.Banner())
}

func TestModel_HelpToggle(t *testing.T) {
	m, _, _ := newTestModel(t)

	m, _ = m.Update(runes("?"))
	assert.Contains(t, m.View(), "Keyboard Shortcuts")

	m, _ = m.Update(runes("?"))
	assert.NotContains(t, m.View(), "Keyboard Shortcuts")
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		at   time.Time
		want string
	}{
		{at: time.Time{}, want: ""},
		{at: now.Add(-10 * time.Second), want: "just now"},
		{at: now.Add(-5 * time.Minute), want: "5m ago"},
		{at: now.Add(-2 * time.Hour), want: "2h ago"},
		{at: now.Add(-3 * 24 * time.Hour), want: "3d ago"},
		{at: now.Add(-30 * 24 * time.Hour), want: "Jan 30"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, relativeTime(tt.at, now))
	}
}
