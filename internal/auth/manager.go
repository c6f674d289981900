// Package auth owns the in-memory session, decides when the access token is
// refreshed, and is the only writer of the credential store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/packrent/internal/api"
	"github.com/nhle/packrent/internal/credential"
	"github.com/nhle/packrent/internal/event"
	"github.com/nhle/packrent/internal/model"
)

var (
	// ErrForbiddenRole is returned when the account's role may not sign in here.
	ErrForbiddenRole = errors.New("forbidden role")
	// ErrInvalidCredentials is returned when the login collaborator rejects
	// the identity or secret.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionExpired is returned when a refresh failed and the session
	// was wiped.
	ErrSessionExpired = errors.New("session expired")
	// ErrPersistMismatch is returned when a token written to the store does
	// not read back identically.
	ErrPersistMismatch = errors.New("persisted token mismatch")
	// ErrNoSession is returned by operations that need a session when none exists.
	ErrNoSession = errors.New("no session")
)

// refreshKey is the single coalescing key: there is only one session.
const refreshKey = "refresh"

// networkTimeout bounds a refresh started on behalf of several callers, so
// that one caller canceling its context does not fail the others.
const networkTimeout = 30 * time.Second

// Client is the subset of the REST collaborator the manager needs.
type Client interface {
	Login(ctx context.Context, identity, secret string) (*api.AuthPayload, error)
	Refresh(ctx context.Context, refreshToken string) (*api.AuthPayload, error)
	Profile(ctx context.Context, token string) (*api.User, error)
}

// Config holds the manager's timing knobs.
type Config struct {
	// TokenLifetime is added to "now" when a token is issued.
	TokenLifetime time.Duration
	// Lookahead is the margin before expiry during which a token is refreshed.
	Lookahead time.Duration
	// CheckInterval is the period of the background freshness check.
	CheckInterval time.Duration
}

// ConfigFrom converts the application config section.
func ConfigFrom(c model.AuthConfig) Config {
	return Config{
		TokenLifetime: c.TokenLifetime(),
		Lookahead:     c.Lookahead(),
		CheckInterval: c.CheckInterval(),
	}
}

// Manager is the token lifecycle manager.
type Manager struct {
	store  credential.Store
	client Client
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	// mu guards session and generation, and serializes every store write.
	mu         sync.Mutex
	session    model.Session
	generation uint64

	group     singleflight.Group
	observers event.Registry[model.Session]

	loopMu  sync.Mutex
	stopCh  chan struct{}
	running bool
}

// New creates a Manager. It does not touch the store until Hydrate.
func New(store credential.Store, client Client, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = time.Hour
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 5 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	return &Manager{
		store:  store,
		client: client,
		cfg:    cfg,
		log:    logger.Named("auth"),
		now:    time.Now,
	}
}

// Session returns a copy of the current session.
func (m *Manager) Session() model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Subscribe registers fn for every published session change.
func (m *Manager) Subscribe(fn func(model.Session)) event.Unregister {
	return m.observers.On(fn)
}

func (m *Manager) publish() {
	m.observers.Emit(m.Session())
}

// Hydrate loads the persisted session into memory. It returns once the
// session is marked hydrated, whatever the outcome; a non-nil error only
// explains why the result is logged out.
func (m *Manager) Hydrate(ctx context.Context) error {
	defer m.publish()

	stored, ok, err := m.readStored()
	if err != nil || !ok {
		m.mu.Lock()
		m.session = model.Session{Hydrated: true}
		m.mu.Unlock()
		if err != nil {
			m.log.Warn("reading persisted session", zap.Error(err))
			return fmt.Errorf("hydrating session: %w", err)
		}
		return nil
	}

	if stored.Role.Forbidden() {
		m.log.Info("stored session has forbidden role, wiping")
		m.wipe()
		return ErrForbiddenRole
	}

	m.mu.Lock()
	stored.Hydrated = true
	stored.Authenticated = true
	m.session = stored
	m.generation++
	m.mu.Unlock()

	if stored.ExpiresWithin(m.now(), 0) {
		if _, err := m.Refresh(ctx); err != nil {
			return err
		}
	}

	if _, err := m.refreshProfile(ctx); err != nil {
		if errors.Is(err, ErrForbiddenRole) {
			return err
		}
		// The stored role was already checked; keep the session.
		m.log.Debug("profile refresh during hydration failed", zap.Error(err))
	}
	return nil
}

// readStored reads the persisted layout. ok is false when any required
// key is missing.
func (m *Manager) readStored() (model.Session, bool, error) {
	values := make(map[string]string, len(credential.LayoutKeys))
	for _, key := range credential.LayoutKeys {
		v, found, err := credential.Lookup(m.store, key)
		if err != nil {
			return model.Session{}, false, err
		}
		if found {
			values[key] = v
		}
	}

	if values[credential.KeyIsAuthenticated] != "true" || values[credential.KeyAccessToken] == "" {
		return model.Session{}, false, nil
	}

	ms, err := strconv.ParseInt(values[credential.KeyExpiryInstant], 10, 64)
	if err != nil {
		return model.Session{}, false, nil
	}

	return model.Session{
		AccessToken:  values[credential.KeyAccessToken],
		RefreshToken: values[credential.KeyRefreshToken],
		ExpiresAt:    time.UnixMilli(ms),
		Role:         model.ParseRole(values[credential.KeyRole]),
	}, true, nil
}

// Login authenticates against the login collaborator. A forbidden role is
// rejected before anything is written to the store.
func (m *Manager) Login(ctx context.Context, identity, secret string) (model.Session, error) {
	payload, err := m.client.Login(ctx, identity, secret)
	if err != nil {
		if api.IsKind(err, api.KindAuth) {
			m.log.Debug("login rejected", zap.Error(err))
			return model.Session{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
		}
		return model.Session{}, fmt.Errorf("logging in: %w", err)
	}

	sess := model.Session{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
	if payload.User != nil {
		sess.UserID = payload.User.ID
		sess.Role = model.ParseRole(payload.User.Role)
	}

	if sess.Role == "" {
		user, err := m.client.Profile(ctx, sess.AccessToken)
		if err != nil {
			return model.Session{}, fmt.Errorf("resolving role after login: %w", err)
		}
		sess.Role = model.ParseRole(user.Role)
		if sess.UserID == "" {
			sess.UserID = user.ID
		}
	}

	if sess.Role.Forbidden() {
		m.log.Info("login refused for forbidden role", zap.String("role", string(sess.Role)))
		return model.Session{}, ErrForbiddenRole
	}

	sess.ExpiresAt = m.now().Add(m.cfg.TokenLifetime)
	sess.Hydrated = true
	sess.Authenticated = true

	m.mu.Lock()
	if err := m.persistLocked(sess); err != nil {
		m.mu.Unlock()
		return model.Session{}, err
	}
	m.session = sess
	m.generation++
	m.mu.Unlock()

	m.log.Info("logged in", zap.String("user_id", sess.UserID), zap.String("role", string(sess.Role)))
	m.publish()
	return sess, nil
}

// CurrentToken returns a currently valid access token, refreshing it first
// when it is inside the lookahead window. It returns "" and no error when
// no session exists. Concurrent callers share a single in-flight refresh.
func (m *Manager) CurrentToken(ctx context.Context) (string, error) {
	sess, changed, err := m.reconcile()
	if changed {
		m.publish()
	}
	if err != nil {
		return "", err
	}
	if !sess.Authenticated {
		return "", nil
	}
	if !sess.ExpiresWithin(m.now(), m.cfg.Lookahead) {
		return sess.AccessToken, nil
	}

	return m.coalesce(ctx, false)
}

// reconcile re-reads the persisted access token and adopts the persisted
// session when another flow rotated it.
func (m *Manager) reconcile() (model.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	persisted, found, err := credential.Lookup(m.store, credential.KeyAccessToken)
	if err != nil {
		return m.session, false, fmt.Errorf("reading persisted token: %w", err)
	}

	switch {
	case !found && m.session.Authenticated:
		m.log.Info("persisted session disappeared, dropping in-memory session")
		m.session = model.Session{Hydrated: m.session.Hydrated}
		m.generation++
		return m.session, true, nil
	case found && persisted != m.session.AccessToken:
		stored, ok, err := m.readStored()
		if err != nil {
			return m.session, false, fmt.Errorf("reading persisted session: %w", err)
		}
		if !ok {
			return m.session, false, nil
		}
		stored.UserID = m.session.UserID
		stored.Hydrated = true
		stored.Authenticated = true
		m.session = stored
		m.generation++
		m.log.Debug("adopted rotated token from store")
		return m.session, true, nil
	}
	return m.session, false, nil
}

// Refresh forces a refresh through the coalesced path.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.coalesce(ctx, true)
}

// coalesce joins the in-flight refresh or starts one. Unforced calls
// re-check freshness inside the flight, so a caller arriving just after a
// refresh completed does not trigger a second one.
func (m *Manager) coalesce(ctx context.Context, force bool) (string, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		if !force {
			sess := m.Session()
			if !sess.Authenticated {
				return "", nil
			}
			if !sess.ExpiresWithin(m.now(), m.cfg.Lookahead) {
				return sess.AccessToken, nil
			}
		}
		netCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), networkTimeout)
		defer cancel()
		token, err := m.doRefresh(netCtx)
		return token, err
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// doRefresh performs the network refresh. Failure wipes the session.
func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	sess := m.session
	gen := m.generation
	m.mu.Unlock()

	if !sess.Authenticated || sess.RefreshToken == "" {
		return "", ErrNoSession
	}

	payload, err := m.client.Refresh(ctx, sess.RefreshToken)

	m.mu.Lock()
	if m.generation != gen {
		// Logout or role switch happened meanwhile; the result is stale.
		current := m.session
		m.mu.Unlock()
		m.log.Debug("discarding stale refresh result")
		return current.AccessToken, nil
	}

	if err != nil {
		m.wipeLocked()
		m.mu.Unlock()
		if api.IsKind(err, api.KindAuth) {
			m.log.Info("refresh rejected, logged out", zap.Error(err))
		} else {
			m.log.Warn("refresh failed, logged out", zap.Error(err))
		}
		m.publish()
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	next := sess
	next.AccessToken = payload.AccessToken
	if payload.RefreshToken != "" {
		next.RefreshToken = payload.RefreshToken
	}
	next.ExpiresAt = m.now().Add(m.cfg.TokenLifetime)
	if payload.User != nil {
		if payload.User.ID != "" {
			next.UserID = payload.User.ID
		}
		if payload.User.Role != "" {
			next.Role = model.ParseRole(payload.User.Role)
		}
	}

	if next.Role.Forbidden() {
		m.wipeLocked()
		m.mu.Unlock()
		m.log.Info("refresh returned forbidden role, logged out")
		m.publish()
		return "", ErrForbiddenRole
	}

	if err := m.persistLocked(next); err != nil {
		m.wipeLocked()
		m.mu.Unlock()
		m.log.Warn("persisting refreshed session failed, logged out", zap.Error(err))
		m.publish()
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	m.session = next
	m.generation++
	m.mu.Unlock()

	m.log.Debug("token refreshed", zap.Time("expires_at", next.ExpiresAt))
	m.publish()
	return next.AccessToken, nil
}

// SwitchRole installs credentials for a different operating role. The new
// tokens are persisted and read back before memory is updated, so readers of
// the store never see a role/token mismatch.
func (m *Manager) SwitchRole(
	ctx context.Context,
	role model.Role,
	accessToken string,
	refreshToken string,
	expiresAt time.Time,
) error {
	if role.Forbidden() {
		return ErrForbiddenRole
	}
	if accessToken == "" || expiresAt.IsZero() {
		return errors.New("switching role: access token and expiry are required")
	}

	m.mu.Lock()
	if !m.session.Authenticated {
		m.mu.Unlock()
		return ErrNoSession
	}

	next := m.session
	next.Role = role
	next.AccessToken = accessToken
	next.RefreshToken = refreshToken
	next.ExpiresAt = expiresAt

	if err := m.persistLocked(next); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("switching role: %w", err)
	}
	got, err := m.store.Get(credential.KeyAccessToken)
	if err != nil || got != accessToken {
		m.mu.Unlock()
		if err != nil {
			return fmt.Errorf("switching role: verifying token: %w", err)
		}
		return fmt.Errorf("switching role: %w", ErrPersistMismatch)
	}

	m.session = next
	m.generation++
	m.mu.Unlock()

	m.log.Info("role switched", zap.String("role", string(role)))
	m.publish()
	return nil
}

// Logout wipes the store and memory. It is idempotent.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.wipe()
	m.log.Info("logged out")
	m.publish()
	return err
}

// wipe clears memory and the store unconditionally.
func (m *Manager) wipe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wipeLocked()
}

func (m *Manager) wipeLocked() error {
	m.session = model.Session{Hydrated: true}
	m.generation++
	if err := credential.Clear(m.store); err != nil {
		m.log.Warn("clearing credential store", zap.Error(err))
		return err
	}
	return nil
}

// ResolveUserID returns the resident user id, fetching the profile when it
// has not arrived yet.
func (m *Manager) ResolveUserID(ctx context.Context) (string, error) {
	if id := m.Session().UserID; id != "" {
		return id, nil
	}
	return m.refreshProfile(ctx)
}

// refreshProfile fetches the profile with the current token and applies the
// role and user id it carries. A forbidden role wipes the session.
func (m *Manager) refreshProfile(ctx context.Context) (string, error) {
	token, err := m.CurrentToken(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNoSession
	}

	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	user, err := m.client.Profile(ctx, token)
	if err != nil {
		return "", fmt.Errorf("fetching profile: %w", err)
	}
	role := model.ParseRole(user.Role)

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return "", fmt.Errorf("fetching profile: %w", ErrNoSession)
	}
	if role.Forbidden() {
		m.wipeLocked()
		m.mu.Unlock()
		m.log.Info("profile reports forbidden role, session wiped")
		m.publish()
		return "", ErrForbiddenRole
	}
	next := m.session
	next.UserID = user.ID
	if role != "" && role != next.Role {
		next.Role = role
		if err := m.store.Set(credential.KeyRole, string(role)); err != nil {
			m.log.Warn("persisting refreshed role", zap.Error(err))
			next.Role = m.session.Role
		}
	}
	changed := next != m.session
	m.session = next
	m.mu.Unlock()

	if changed {
		m.publish()
	}
	return user.ID, nil
}

// persistLocked writes every layout key for sess. A failed write restores
// the previous layout, or clears it when the restore fails too, so the store
// never holds a mix of two sessions. Callers hold m.mu.
func (m *Manager) persistLocked(sess model.Session) error {
	prev := make(map[string]string, len(credential.LayoutKeys))
	for _, key := range credential.LayoutKeys {
		v, ok, err := credential.Lookup(m.store, key)
		if err != nil {
			return fmt.Errorf("persisting session: reading %s: %w", key, err)
		}
		if ok {
			prev[key] = v
		}
	}

	values := map[string]string{
		credential.KeyAccessToken:     sess.AccessToken,
		credential.KeyRefreshToken:    sess.RefreshToken,
		credential.KeyExpiryInstant:   strconv.FormatInt(sess.ExpiresAt.UnixMilli(), 10),
		credential.KeyRole:            string(sess.Role),
		credential.KeyIsAuthenticated: "true",
	}
	for _, key := range credential.LayoutKeys {
		if err := m.store.Set(key, values[key]); err != nil {
			m.restoreLocked(prev)
			return fmt.Errorf("persisting session: %w", err)
		}
	}
	return nil
}

// restoreLocked puts back the layout captured before a failed write.
func (m *Manager) restoreLocked(prev map[string]string) {
	var restoreErr error
	for _, key := range credential.LayoutKeys {
		var err error
		if v, ok := prev[key]; ok {
			err = m.store.Set(key, v)
		} else if err = m.store.Delete(key); errors.Is(err, credential.ErrNotFound) {
			err = nil
		}
		if err != nil {
			restoreErr = err
			break
		}
	}
	if restoreErr == nil {
		return
	}
	m.log.Warn("restoring credentials failed, clearing", zap.Error(restoreErr))
	if err := credential.Clear(m.store); err != nil {
		m.log.Warn("clearing credentials", zap.Error(err))
	}
}
