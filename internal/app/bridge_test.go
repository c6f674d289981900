package app

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/packrent/internal/notify"
	"github.com/nhle/packrent/internal/ui/inbox"
)

// waitMsg runs cmd with a deadline so a broken bridge fails instead of hanging.
func waitMsg(t *testing.T, cmd tea.Cmd) tea.Msg {
	t.Helper()
	got := make(chan tea.Msg, 1)
	go func() { got <- cmd() }()
	select {
	case msg := <-got:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not deliver")
		return nil
	}
}

func TestBridge_AlertsBeforeChanges(t *testing.T) {
	b := NewBridge()
	b.PresentAlert("Booking confirmed", "Your tent is reserved")

	msg := waitMsg(t, b.Wait())
	alert, ok := msg.(inbox.AlertMsg)
	require.True(t, ok)
	assert.Equal(t, "Booking confirmed", alert.Title)
	assert.Equal(t, "Your tent is reserved", alert.Message)
}

func TestBridge_CoalescesChanges(t *testing.T) {
	b := NewBridge()
	for range 5 {
		b.Changed(notify.Snapshot{})
	}

	assert.IsType(t, inbox.ChangedMsg{}, waitMsg(t, b.Wait()))

	select {
	case <-b.changed:
		t.Fatal("expected a single pending change")
	default:
	}
}

func TestBridge_DropsAlertsWhenFull(t *testing.T) {
	b := NewBridge()
	for range alertBuffer + 4 {
		b.PresentAlert("t", "m")
	}
	assert.Len(t, b.alerts, alertBuffer)
}

func TestBridge_CloseReleasesWait(t *testing.T) {
	b := NewBridge()
	cmd := b.Wait()
	b.Close()
	b.Close()

	assert.Nil(t, waitMsg(t, cmd))
}
