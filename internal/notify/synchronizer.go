// Package notify keeps the local notification view: a deduplicated cache fed
// by REST snapshots and realtime events, the classifier that recognizes
// notification payloads, and the alert-once policy.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/packrent/internal/api"
	"github.com/nhle/packrent/internal/event"
	"github.com/nhle/packrent/internal/model"
)

// ErrNotReady is returned when no usable session exists yet.
var ErrNotReady = errors.New("notifications not ready")

// Named realtime events echoing mutations made on other devices.
const (
	EventNotification            = "notification"
	EventNotificationRead        = "notificationRead"
	EventNotificationDeleted     = "notificationDeleted"
	EventAllNotificationsRead    = "allNotificationsRead"
	EventAllNotificationsDeleted = "allNotificationsDeleted"
)

// bulkConcurrency caps concurrent per-item REST calls of a bulk mutation.
const bulkConcurrency = 4

// SessionSource is the token lifecycle manager as seen from here.
type SessionSource interface {
	Session() model.Session
	Subscribe(fn func(model.Session)) event.Unregister
	CurrentToken(ctx context.Context) (string, error)
	ResolveUserID(ctx context.Context) (string, error)
}

// NotificationAPI is the REST collaborator.
type NotificationAPI interface {
	ListNotifications(ctx context.Context, token, receiverID string, page, limit int) (any, error)
	MarkAsRead(ctx context.Context, token, id string) error
	DeleteNotification(ctx context.Context, token, id string) error
	DeleteAllNotifications(ctx context.Context, token, receiverID string) error
}

// Channel is the realtime channel manager.
type Channel interface {
	Connect(ctx context.Context, identity model.Identity, token string) bool
	Disconnect()
	Active() bool
	Connected() bool
	Register(identity model.Identity)
	OnAny(fn func(name string, payload json.RawMessage)) event.Unregister
	On(name string, fn func(payload json.RawMessage)) event.Unregister
	MarkAsRead(id string)
	MarkAllAsRead()
	DeleteNotification(id string)
	DeleteAllNotifications()
}

// Alerter surfaces an attention-grabbing alert. It must not block.
type Alerter interface {
	PresentAlert(title, message string)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(title, message string)

// PresentAlert implements Alerter.
func (f AlerterFunc) PresentAlert(title, message string) { f(title, message) }

// Archive keeps the last known list per receiver across runs.
type Archive interface {
	SaveNotifications(ctx context.Context, receiverID string, list []model.Notification) error
	LoadNotifications(ctx context.Context, receiverID string) ([]model.Notification, error)
	DeleteNotifications(ctx context.Context, receiverID string) error
}

// Config holds synchronizer settings.
type Config struct {
	PageSize       int
	PollInterval   time.Duration
	AlertCapacity  int
	UserIDAttempts int
	UserIDBackoff  time.Duration
}

// ConfigFrom converts the application config section.
func ConfigFrom(c model.NotificationConfig) Config {
	return Config{
		PageSize:       c.PageSize,
		PollInterval:   c.PollInterval(),
		AlertCapacity:  c.AlertCapacity,
		UserIDAttempts: c.UserIDAttempts,
		UserIDBackoff:  c.UserIDBackoff(),
	}
}

// Option customizes a Synchronizer.
type Option func(*Synchronizer)

// WithArchive primes the cache from a and writes every change back to it.
func WithArchive(a Archive) Option {
	return func(s *Synchronizer) { s.archive = a }
}

// Synchronizer wires the session, the REST snapshot, the realtime channel and
// the cache together.
type Synchronizer struct {
	session SessionSource
	api     NotificationAPI
	channel Channel
	alerter Alerter
	archive Archive
	cfg     Config
	log     *zap.Logger

	cache  *Cache
	alerts *AlertLog

	// eventMu serializes inbound event handling so that the alert
	// check-then-act is atomic.
	eventMu sync.Mutex

	mu        sync.Mutex
	ready     bool
	applied   model.Identity
	receiver  string
	gen       uint64
	listeners []event.Unregister

	wake  chan struct{}
	dirty chan struct{}

	unsubSession event.Unregister
	unsubCache   event.Unregister
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a Synchronizer. Nothing happens until Start.
func New(
	session SessionSource,
	api NotificationAPI,
	channel Channel,
	alerter Alerter,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alerter == nil {
		alerter = AlerterFunc(func(string, string) {})
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.UserIDAttempts <= 0 {
		cfg.UserIDAttempts = 3
	}
	if cfg.UserIDBackoff <= 0 {
		cfg.UserIDBackoff = 500 * time.Millisecond
	}

	s := &Synchronizer{
		session: session,
		api:     api,
		channel: channel,
		alerter: alerter,
		cfg:     cfg,
		log:     logger.Named("notify"),
		cache:   NewCache(),
		alerts:  NewAlertLog(cfg.AlertCapacity),
		wake:    make(chan struct{}, 1),
		dirty:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cache returns the notification cache.
func (s *Synchronizer) Cache() *Cache {
	return s.cache
}

// Alerts returns the alert-dedup log.
func (s *Synchronizer) Alerts() *AlertLog {
	return s.alerts
}

// Start subscribes to session changes and runs the background worker.
func (s *Synchronizer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.unsubSession = s.session.Subscribe(func(model.Session) { signal(s.wake) })
	if s.archive != nil {
		s.unsubCache = s.cache.Subscribe(func(Snapshot) { signal(s.dirty) })
	}

	s.wg.Add(1)
	go s.run(ctx)
	signal(s.wake)
}

// Stop unsubscribes, stops the worker and disconnects the channel.
func (s *Synchronizer) Stop() {
	if s.unsubSession != nil {
		s.unsubSession()
	}
	if s.unsubCache != nil {
		s.unsubCache()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.unlisten()
	s.channel.Disconnect()
}

// signal performs a non-blocking send on a one-slot channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// run is the single worker. Session changes are published from inside the
// auth manager, so they are only signaled there and handled here.
func (s *Synchronizer) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.reconcile(ctx)
		case <-s.dirty:
			s.saveArchive(ctx)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// sessionReady is the readiness rule: hydrated, authenticated, and either a
// user id or a token resident.
func sessionReady(sess model.Session) bool {
	return sess.Hydrated && sess.Authenticated && (sess.UserID != "" || sess.AccessToken != "")
}

func (s *Synchronizer) reconcile(ctx context.Context) {
	sess := s.session.Session()
	ready := sessionReady(sess)

	s.mu.Lock()
	wasReady := s.ready
	applied := s.applied
	s.mu.Unlock()

	switch {
	case !ready:
		if wasReady && sess.Hydrated && !sess.Authenticated {
			s.teardown(ctx)
		}
	case !wasReady:
		s.activate(ctx)
	case sess.UserID != "" && applied.UserID != "" && sess.UserID != applied.UserID:
		s.log.Info("account changed, resetting notifications")
		s.teardown(ctx)
		s.activate(ctx)
	case sess.Role != applied.Role:
		s.switchRole(ctx, sess)
	case applied.UserID == "" && sess.UserID != "":
		s.mu.Lock()
		s.applied.UserID = sess.UserID
		s.mu.Unlock()
		s.refresh(ctx)
	}
}

// activate primes the cache, loads the snapshot and connects the channel.
func (s *Synchronizer) activate(ctx context.Context) {
	sess := s.session.Session()

	s.mu.Lock()
	s.ready = true
	s.applied = sess.Identity()
	s.gen++
	s.mu.Unlock()

	s.log.Debug("session ready", zap.String("user_id", sess.UserID), zap.String("role", string(sess.Role)))
	s.refresh(ctx)
}

// refresh loads the snapshot and makes sure the channel is up.
func (s *Synchronizer) refresh(ctx context.Context) {
	s.prime(ctx)
	if err := s.LoadSnapshot(ctx); err != nil {
		s.log.Debug("snapshot load failed", zap.Error(err))
	}
	s.connect(ctx)
}

func (s *Synchronizer) switchRole(ctx context.Context, sess model.Session) {
	s.mu.Lock()
	s.applied.Role = sess.Role
	if sess.UserID != "" {
		s.applied.UserID = sess.UserID
	}
	identity := s.applied
	s.gen++
	s.mu.Unlock()

	s.log.Info("role switched, re-registering", zap.String("role", string(sess.Role)))
	if identity.UserID != "" {
		s.channel.Register(identity)
	}
	if err := s.LoadSnapshot(ctx); err != nil {
		s.log.Debug("snapshot load after role switch failed", zap.Error(err))
	}
	s.connect(ctx)
}

// teardown handles logout: channel down, cache, alert log and archive cleared.
func (s *Synchronizer) teardown(ctx context.Context) {
	s.mu.Lock()
	s.ready = false
	s.applied = model.Identity{}
	receiver := s.receiver
	s.receiver = ""
	s.gen++
	s.mu.Unlock()

	s.unlisten()
	s.channel.Disconnect()
	s.cache.Clear()
	s.alerts.Reset()

	if s.archive != nil && receiver != "" {
		if err := s.archive.DeleteNotifications(ctx, receiver); err != nil {
			s.log.Warn("clearing archive", zap.Error(err))
		}
	}
	s.log.Info("notifications reset after logout")
}

// poll runs while the channel is down: REST snapshot plus a reconnect attempt.
func (s *Synchronizer) poll(ctx context.Context) {
	if !s.isReady() || s.channel.Connected() {
		return
	}
	s.log.Debug("channel down, polling")
	if err := s.LoadSnapshot(ctx); err != nil {
		s.log.Debug("poll snapshot failed", zap.Error(err))
	}
	s.connect(ctx)
}

func (s *Synchronizer) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// prime fills an empty cache from the archive.
func (s *Synchronizer) prime(ctx context.Context) {
	if s.archive == nil || len(s.cache.List()) > 0 {
		return
	}
	uid := s.session.Session().UserID
	if uid == "" {
		return
	}
	list, err := s.archive.LoadNotifications(ctx, uid)
	if err != nil {
		s.log.Warn("reading archive", zap.Error(err))
		return
	}
	if len(list) == 0 {
		return
	}

	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return
	}
	s.receiver = uid
	s.mu.Unlock()

	s.cache.Replace(list)
	s.log.Debug("cache primed from archive", zap.Int("count", len(list)))
}

// resolveUserID waits for the user id with a bounded number of profile
// fetches, doubling the pause between them.
func (s *Synchronizer) resolveUserID(ctx context.Context) (string, error) {
	if id := s.session.Session().UserID; id != "" {
		return id, nil
	}

	var lastErr error
	delay := s.cfg.UserIDBackoff
	for attempt := 0; attempt < s.cfg.UserIDAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		id, err := s.session.ResolveUserID(ctx)
		if err == nil && id != "" {
			return id, nil
		}
		lastErr = err
		if !sessionReady(s.session.Session()) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("profile carried no user id")
	}
	return "", fmt.Errorf("resolving user id: %w", lastErr)
}

// credentials returns the receiver id and a valid token, or ErrNotReady.
func (s *Synchronizer) credentials(ctx context.Context) (string, string, error) {
	if !s.isReady() {
		return "", "", ErrNotReady
	}
	uid, err := s.resolveUserID(ctx)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	token, err := s.session.CurrentToken(ctx)
	if err != nil || token == "" {
		return "", "", ErrNotReady
	}
	return uid, token, nil
}

// LoadSnapshot replaces the cache with page one of the REST list. An
// unparseable response replaces it with an empty list. A result that
// arrives after logout or an identity change is discarded.
func (s *Synchronizer) LoadSnapshot(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	uid, token, err := s.credentials(ctx)
	if err != nil {
		return err
	}

	list := []model.Notification{}
	payload, err := s.api.ListNotifications(ctx, token, uid, 1, s.cfg.PageSize)
	switch {
	case api.IsKind(err, api.KindShape):
		s.log.Debug("unparseable snapshot, clearing", zap.Error(err))
	case err != nil:
		return fmt.Errorf("loading notifications: %w", err)
	default:
		list = ExtractNotifications(payload)
	}

	s.mu.Lock()
	if s.gen != gen || !s.ready {
		s.mu.Unlock()
		s.log.Debug("discarding stale snapshot", zap.String("receiver", uid))
		return nil
	}
	s.receiver = uid
	if s.applied.UserID == "" {
		s.applied.UserID = uid
	}
	s.mu.Unlock()

	s.cache.Replace(list)
	s.log.Debug("snapshot loaded", zap.Int("count", len(list)), zap.Int("unread", s.cache.UnreadCount()))
	return nil
}

// connect registers listeners and starts the channel unless it is already
// up or connecting.
func (s *Synchronizer) connect(ctx context.Context) {
	if s.channel.Active() || !s.isReady() {
		return
	}
	uid, token, err := s.credentials(ctx)
	if err != nil {
		s.log.Debug("cannot connect channel yet", zap.Error(err))
		return
	}

	s.mu.Lock()
	identity := model.Identity{UserID: uid, Role: s.applied.Role}
	s.mu.Unlock()

	s.listen()
	if s.channel.Connect(ctx, identity, token) {
		s.log.Debug("channel connecting", zap.String("user_id", uid))
	}
}

func (s *Synchronizer) listen() {
	s.unlisten()

	handles := []event.Unregister{
		s.channel.OnAny(s.HandleEvent),
		s.channel.On(EventNotification, s.onNotification),
		s.channel.On(EventNotificationRead, s.onNotificationRead),
		s.channel.On(EventNotificationDeleted, s.onNotificationDeleted),
		s.channel.On(EventAllNotificationsRead, s.onAllRead),
		s.channel.On(EventAllNotificationsDeleted, s.onAllDeleted),
	}

	s.mu.Lock()
	s.listeners = handles
	s.mu.Unlock()
}

func (s *Synchronizer) unlisten() {
	s.mu.Lock()
	handles := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, off := range handles {
		off()
	}
}

// resyncEvents are the replies to findAllNotifications that carry the full
// list, compared case-insensitively.
var resyncEvents = map[string]bool{
	"findallnotifications": true,
	"allnotifications":     true,
	"notifications":        true,
}

func isResyncEvent(name string) bool {
	return resyncEvents[strings.ToLower(name)]
}

// hasNamedHandler reports whether name is handled by a dedicated listener.
func hasNamedHandler(name string) bool {
	switch name {
	case EventNotification, EventNotificationRead, EventNotificationDeleted,
		EventAllNotificationsRead, EventAllNotificationsDeleted:
		return true
	default:
		return false
	}
}

// HandleEvent is the interceptor for every inbound event. Events that have
// a dedicated handler are left to it.
func (s *Synchronizer) HandleEvent(name string, payload json.RawMessage) {
	if hasNamedHandler(name) {
		return
	}
	v := decodePayload(payload)
	if v == nil {
		return
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	if !s.isReady() {
		return
	}

	if !IsNotificationShape(v) && MatchesEventName(name) && FindNotificationArray(v) != nil {
		list := ExtractNotifications(v)
		if isResyncEvent(name) {
			s.cache.Replace(list)
			s.log.Debug("resync from channel", zap.String("event", name), zap.Int("count", len(list)))
			return
		}
		// Add prepends, so walk backwards to keep the batch order on top.
		for i := len(list) - 1; i >= 0; i-- {
			s.acceptLocked(list[i])
		}
		s.log.Debug("batch from channel", zap.String("event", name), zap.Int("count", len(list)))
		return
	}

	cand, ok := Classify(name, v)
	if !ok {
		return
	}
	s.log.Debug("classified inbound event",
		zap.String("event", name),
		zap.String("id", cand.Notification.ID),
		zap.Bool("name_match", cand.NameMatched),
		zap.Bool("shape_match", cand.ShapeMatched),
	)
	s.acceptLocked(cand.Notification)
}

// acceptLocked merges n and alerts once for a new unread entry. Callers
// hold eventMu.
func (s *Synchronizer) acceptLocked(n model.Notification) {
	if !s.cache.Add(n) {
		return
	}
	if n.IsRead {
		return
	}
	if s.alerts.MarkOnce(n.ID) {
		s.alerter.PresentAlert(n.Title, n.Message)
	}
}

func (s *Synchronizer) onNotification(payload json.RawMessage) {
	v := decodePayload(payload)

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	if !s.isReady() {
		return
	}
	if cand, ok := Classify(EventNotification, v); ok {
		s.acceptLocked(cand.Notification)
	}
}

func (s *Synchronizer) onNotificationRead(payload json.RawMessage) {
	if id := idFrom(decodePayload(payload)); id != "" {
		s.cache.SetRead(id, true)
	}
}

func (s *Synchronizer) onNotificationDeleted(payload json.RawMessage) {
	if id := idFrom(decodePayload(payload)); id != "" {
		s.cache.Remove(id)
	}
}

func (s *Synchronizer) onAllRead(json.RawMessage) {
	s.cache.MarkAllRead()
}

func (s *Synchronizer) onAllDeleted(json.RawMessage) {
	s.cache.Clear()
}

// MarkAsRead marks id read locally, then tells the channel and the REST
// API. A REST failure restores the previous flag.
func (s *Synchronizer) MarkAsRead(ctx context.Context, id string) error {
	_, token, err := s.credentials(ctx)
	if err != nil {
		return ErrNotReady
	}

	prev, ok := s.cache.SetRead(id, true)
	if !ok || prev {
		return nil
	}

	s.channel.MarkAsRead(id)
	if err := s.api.MarkAsRead(ctx, token, id); err != nil {
		s.cache.SetRead(id, prev)
		s.log.Warn("mark as read failed, reverted", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// MarkAllAsRead marks everything read locally and propagates per item.
// Partial REST failures are logged and not reverted.
func (s *Synchronizer) MarkAllAsRead(ctx context.Context) error {
	_, token, err := s.credentials(ctx)
	if err != nil {
		return ErrNotReady
	}

	ids := s.cache.MarkAllRead()
	if len(ids) == 0 {
		return nil
	}
	s.channel.MarkAllAsRead()

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	g.SetLimit(bulkConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.api.MarkAsRead(ctx, token, id); err != nil {
				failed.Add(1)
				return fmt.Errorf("marking %s read: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Warn("mark all as read partially failed",
			zap.Int32("failed", failed.Load()),
			zap.Int("total", len(ids)),
			zap.Error(err),
		)
	}
	return nil
}

// Delete removes id locally, then propagates. A REST failure puts the entry
// back where it was.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	_, token, err := s.credentials(ctx)
	if err != nil {
		return ErrNotReady
	}

	removed, index, ok := s.cache.Remove(id)
	if !ok {
		return nil
	}

	s.channel.DeleteNotification(id)
	if err := s.api.DeleteNotification(ctx, token, id); err != nil {
		s.cache.Restore(removed, index)
		s.log.Warn("delete failed, restored", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// DeleteAll empties the cache, then propagates. A REST failure restores the
// removed entries.
func (s *Synchronizer) DeleteAll(ctx context.Context) error {
	uid, token, err := s.credentials(ctx)
	if err != nil {
		return ErrNotReady
	}

	removed := s.cache.Clear()
	if len(removed) == 0 {
		return nil
	}

	s.channel.DeleteAllNotifications()
	if err := s.api.DeleteAllNotifications(ctx, token, uid); err != nil {
		for i, n := range removed {
			s.cache.Restore(n, i)
		}
		s.log.Warn("delete all failed, restored", zap.Int("count", len(removed)), zap.Error(err))
	}
	return nil
}

// saveArchive writes the current list for the current receiver.
func (s *Synchronizer) saveArchive(ctx context.Context) {
	if s.archive == nil {
		return
	}
	s.mu.Lock()
	receiver := s.receiver
	s.mu.Unlock()
	if receiver == "" {
		return
	}
	if err := s.archive.SaveNotifications(ctx, receiver, s.cache.List()); err != nil {
		s.log.Warn("writing archive", zap.Error(err))
	}
}
