package app

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/packrent/internal/notify"
	"github.com/nhle/packrent/internal/ui/inbox"
)

// alertBuffer is how many alerts may queue before new ones are dropped.
const alertBuffer = 16

// Bridge carries synchronizer output into the Bubble Tea runtime. Alerts are
// queued; cache changes are coalesced into a single pending ChangedMsg.
type Bridge struct {
	alerts  chan inbox.AlertMsg
	changed chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewBridge creates an empty Bridge.
func NewBridge() *Bridge {
	return &Bridge{
		alerts:  make(chan inbox.AlertMsg, alertBuffer),
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// PresentAlert implements notify.Alerter. It never blocks.
func (b *Bridge) PresentAlert(title, message string) {
	select {
	case b.alerts <- inbox.AlertMsg{Title: title, Message: message}:
	default:
	}
}

// Changed is subscribed to the notification cache.
func (b *Bridge) Changed(notify.Snapshot) {
	select {
	case b.changed <- struct{}{}:
	default:
	}
}

// Wait returns a command that blocks until the next alert or change. It
// yields nil once the bridge is closed.
func (b *Bridge) Wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-b.alerts:
			return msg
		case <-b.changed:
			return inbox.ChangedMsg{}
		case <-b.done:
			return nil
		}
	}
}

// Close releases any pending Wait.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.done) })
}
