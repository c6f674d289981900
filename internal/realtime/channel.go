// Package realtime manages the single persistent event channel to the
// marketplace backend: connection state, reconnect backoff, inbound event
// listeners and fire-and-forget outbound commands.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/packrent/internal/event"
	"github.com/nhle/packrent/internal/model"
)

// Outbound command names.
const (
	CmdRegister               = "register"
	CmdMarkAsRead             = "markAsRead"
	CmdMarkAllAsRead          = "markAllAsRead"
	CmdDeleteNotification     = "deleteNotification"
	CmdDeleteAllNotifications = "deleteAllNotifications"
	CmdFindAllNotifications   = "findAllNotifications"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one inbound message.
type Event struct {
	Name string
	Data json.RawMessage
}

// TokenFunc supplies a currently valid token for a reconnect.
type TokenFunc func(ctx context.Context) (string, error)

// Config holds reconnect and timing settings.
type Config struct {
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	ResyncDelay          time.Duration
	WriteTimeout         time.Duration
	InstallationID       string
}

// ConfigFrom converts the application config section.
func ConfigFrom(c model.RealtimeConfig) Config {
	return Config{
		ReconnectBase:        c.ReconnectBase(),
		ReconnectMax:         c.ReconnectMax(),
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ResyncDelay:          c.ResyncDelay(),
		InstallationID:       c.InstallationID,
	}
}

// Option customizes a Channel.
type Option func(*Channel)

// WithTokenFunc makes reconnects ask fn for a fresh token instead of reusing
// the one given to Connect.
func WithTokenFunc(fn TokenFunc) Option {
	return func(c *Channel) { c.tokenFn = fn }
}

// Channel is the realtime channel manager. One Channel serves the whole
// running application.
type Channel struct {
	dialer  Dialer
	cfg     Config
	log     *zap.Logger
	tokenFn TokenFunc

	mu       sync.Mutex
	state    State
	identity model.Identity
	token    string
	conn     Conn
	attempts int
	gen      uint64
	cancel   context.CancelFunc

	writeMu sync.Mutex

	interceptors event.Registry[Event]
	handlersMu   sync.Mutex
	handlers     map[string]*event.Registry[json.RawMessage]
}

// New creates an idle Channel.
func New(dialer Dialer, cfg Config, logger *zap.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ResyncDelay <= 0 {
		cfg.ResyncDelay = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	c := &Channel{
		dialer:   dialer,
		cfg:      cfg,
		log:      logger.Named("realtime"),
		handlers: make(map[string]*event.Registry[json.RawMessage]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel currently holds a live connection.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// Active reports whether the channel is connected or working on it.
func (c *Channel) Active() bool {
	s := c.State()
	return s == StateConnecting || s == StateConnected
}

// Identity returns the registered identity.
func (c *Channel) Identity() model.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect starts a connection lifecycle for identity. It returns false, and
// does nothing, when the channel is already connecting or connected. The
// lifecycle outlives ctx's cancellation; only Disconnect ends it.
func (c *Channel) Connect(ctx context.Context, identity model.Identity, token string) bool {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return false
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.identity = identity
	c.token = token
	c.attempts = 0
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Debug("connecting", zap.String("user_id", identity.UserID), zap.String("role", string(identity.Role)))
	go c.run(runCtx, gen)
	return true
}

// Disconnect closes the channel, ends reconnects and drops every listener.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.state = StateClosed
	cancel := c.cancel
	conn := c.conn
	c.cancel = nil
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.Debug("closing connection", zap.Error(err))
		}
	}

	c.interceptors.Clear()
	c.handlersMu.Lock()
	c.handlers = make(map[string]*event.Registry[json.RawMessage])
	c.handlersMu.Unlock()

	c.log.Info("disconnected")
}

// OnAny registers fn for every inbound event. Interceptors run before named
// handlers.
func (c *Channel) OnAny(fn func(name string, payload json.RawMessage)) event.Unregister {
	return c.interceptors.On(func(e Event) { fn(e.Name, e.Data) })
}

// On registers fn for inbound events called name.
func (c *Channel) On(name string, fn func(payload json.RawMessage)) event.Unregister {
	c.handlersMu.Lock()
	reg, ok := c.handlers[name]
	if !ok {
		reg = &event.Registry[json.RawMessage]{}
		c.handlers[name] = reg
	}
	c.handlersMu.Unlock()
	return reg.On(fn)
}

// run owns one lifecycle: dial, serve, and back off until the attempt cap is
// reached or the lifecycle is superseded.
func (c *Channel) run(ctx context.Context, gen uint64) {
	for {
		err := c.serve(ctx, gen)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.state = StateDisconnected
		if c.attempts >= c.cfg.MaxReconnectAttempts {
			c.mu.Unlock()
			c.log.Info("giving up reconnecting", zap.Int("attempts", c.cfg.MaxReconnectAttempts), zap.Error(err))
			return
		}
		delay := c.backoff(c.attempts)
		c.attempts++
		attempt := c.attempts
		c.state = StateConnecting
		c.mu.Unlock()

		c.log.Debug("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if c.tokenFn != nil {
			token, err := c.tokenFn(ctx)
			if err != nil || token == "" {
				c.mu.Lock()
				if c.gen == gen {
					c.state = StateDisconnected
				}
				c.mu.Unlock()
				c.log.Info("no token for reconnect, staying disconnected", zap.Error(err))
				return
			}
			c.mu.Lock()
			c.token = token
			c.mu.Unlock()
		}
	}
}

// backoff returns base * 2^attempt, capped.
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.cfg.ReconnectBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.ReconnectMax {
			return c.cfg.ReconnectMax
		}
	}
	return min(d, c.cfg.ReconnectMax)
}

// serve dials once and reads until the connection breaks.
func (c *Channel) serve(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.gen != gen || ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close() //nolint:errcheck // superseded lifecycle
		return ctx.Err()
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	identity := c.identity
	c.mu.Unlock()

	c.log.Info("connected", zap.String("user_id", identity.UserID))

	// The server keeps no session memory, so every (re)connect registers again.
	c.send(conn, CmdRegister, c.registerMessage(identity))
	resync := time.AfterFunc(c.cfg.ResyncDelay, c.FindAllNotifications)
	defer resync.Stop()

	err = c.readLoop(ctx, conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close() //nolint:errcheck // already broken
	return err
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if f.Event == "" {
			continue
		}
		c.dispatch(Event{Name: f.Event, Data: f.Data})
	}
}

// dispatch delivers e to the interceptors and then to its named handlers.
// It runs on the single read goroutine, so events are delivered in order.
func (c *Channel) dispatch(e Event) {
	c.interceptors.Emit(e)

	c.handlersMu.Lock()
	reg := c.handlers[e.Name]
	c.handlersMu.Unlock()
	if reg != nil {
		reg.Emit(e.Data)
	}
}

type registerMessage struct {
	UserID         string     `json:"userId"`
	Role           model.Role `json:"role"`
	InstallationID string     `json:"installationId,omitempty"`
}

type notificationMessage struct {
	NotificationID string `json:"notificationId,omitempty"`
	UserID         string `json:"userId"`
}

func (c *Channel) registerMessage(id model.Identity) registerMessage {
	return registerMessage{UserID: id.UserID, Role: id.Role, InstallationID: c.cfg.InstallationID}
}

// Register replaces the registered identity and re-sends it when
// connected. A role switch goes through here instead of reconnecting.
func (c *Channel) Register(identity model.Identity) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	c.emit(CmdRegister, c.registerMessage(identity))
}

// MarkAsRead tells the server notification id was read.
func (c *Channel) MarkAsRead(id string) {
	c.emit(CmdMarkAsRead, notificationMessage{NotificationID: id, UserID: c.Identity().UserID})
}

// MarkAllAsRead tells the server every notification was read.
func (c *Channel) MarkAllAsRead() {
	c.emit(CmdMarkAllAsRead, notificationMessage{UserID: c.Identity().UserID})
}

// DeleteNotification tells the server notification id was deleted.
func (c *Channel) DeleteNotification(id string) {
	c.emit(CmdDeleteNotification, notificationMessage{NotificationID: id, UserID: c.Identity().UserID})
}

// DeleteAllNotifications tells the server every notification was deleted.
func (c *Channel) DeleteAllNotifications() {
	c.emit(CmdDeleteAllNotifications, notificationMessage{UserID: c.Identity().UserID})
}

// FindAllNotifications asks the server to push a full resync.
func (c *Channel) FindAllNotifications() {
	c.emit(CmdFindAllNotifications, c.registerMessage(c.Identity()))
}

// emit sends on the live connection, or logs and drops the command.
func (c *Channel) emit(name string, payload any) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.log.Debug("not connected, dropping command", zap.String("command", name))
		return false
	}
	return c.send(conn, name, payload)
}

func (c *Channel) send(conn Conn, name string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("encoding command", zap.String("command", name), zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = conn.WriteFrame(ctx, Frame{Event: name, Data: data})
	c.writeMu.Unlock()
	if err != nil {
		c.log.Debug("sending command", zap.String("command", name), zap.Error(err))
		return false
	}
	return true
}
