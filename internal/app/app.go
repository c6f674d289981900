// Package app builds and owns every long-lived component of the client and
// hosts the root Bubble Tea model.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/packrent/internal/api"
	"github.com/nhle/packrent/internal/auth"
	"github.com/nhle/packrent/internal/credential"
	"github.com/nhle/packrent/internal/event"
	"github.com/nhle/packrent/internal/model"
	"github.com/nhle/packrent/internal/notify"
	"github.com/nhle/packrent/internal/realtime"
	"github.com/nhle/packrent/internal/store"
)

// App is the composition root. Build it with New, start it with Init and
// release it with Teardown.
type App struct {
	cfg *model.AppConfig
	log *zap.Logger

	creds   credential.Store
	client  *api.Client
	auth    *auth.Manager
	channel *realtime.Channel
	archive store.Store
	sync    *notify.Synchronizer
	bridge  *Bridge

	unsubBridge event.Unregister
}

type options struct {
	creds      credential.Store
	httpClient *http.Client
	dialer     realtime.Dialer
	archive    store.Store
	noArchive  bool
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

// WithCredentialStore uses s instead of the system keyring.
func WithCredentialStore(s credential.Store) Option {
	return func(o *options) { o.creds = s }
}

// WithHTTPClient uses hc for REST calls and the websocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d realtime.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithArchive uses s as the offline archive. The App closes it on Teardown.
func WithArchive(s store.Store) Option {
	return func(o *options) { o.archive = s }
}

// WithoutArchive disables the offline archive.
func WithoutArchive() Option {
	return func(o *options) { o.noArchive = true }
}

// New wires every component from cfg. Nothing runs until Init.
func New(cfg *model.AppConfig, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, log: logger, bridge: NewBridge()}

	a.creds = o.creds
	if a.creds == nil {
		ks, err := credential.Open(credential.Config{FileDir: cfg.Auth.KeyringDir})
		if err != nil {
			return nil, fmt.Errorf("opening credential store: %w", err)
		}
		a.creds = ks
	}

	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: time.Duration(cfg.API.TimeoutSec) * time.Second}
	}
	a.client = api.NewClient(cfg.API.BaseURL,
		api.WithHTTPClient(hc),
		api.WithMaxRetries(cfg.API.MaxRetries),
	)

	a.auth = auth.New(a.creds, a.client, auth.ConfigFrom(cfg.Auth), logger)

	dialer := o.dialer
	if dialer == nil {
		dialer = &realtime.WebSocketDialer{
			URL:        cfg.Realtime.URL,
			HTTPClient: o.httpClient,
			Logger:     logger.Named("ws"),
		}
	}
	a.channel = realtime.New(dialer, realtime.ConfigFrom(cfg.Realtime), logger,
		realtime.WithTokenFunc(a.auth.CurrentToken),
	)

	var syncOpts []notify.Option
	if !o.noArchive {
		a.archive = o.archive
		if a.archive == nil && cfg.Storage.DBPath != "" {
			a.archive = openArchive(cfg.Storage.DBPath, logger)
		}
		if a.archive != nil {
			syncOpts = append(syncOpts, notify.WithArchive(a.archive))
		}
	}

	a.sync = notify.New(a.auth, a.client, a.channel, a.bridge,
		notify.ConfigFrom(cfg.Notifications), logger, syncOpts...)

	return a, nil
}

// openArchive opens the sqlite archive. The client works without one, so a
// failure is only logged.
func openArchive(path string, logger *zap.Logger) store.Store {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("creating archive directory", zap.Error(err))
		return nil
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		logger.Warn("opening notification archive", zap.String("path", path), zap.Error(err))
		return nil
	}
	return s
}

// Init restores the persisted session and starts the background work. A
// session that cannot be restored leaves the client logged out.
func (a *App) Init(ctx context.Context) error {
	if err := a.auth.Hydrate(ctx); err != nil {
		switch {
		case errors.Is(err, auth.ErrForbiddenRole), errors.Is(err, auth.ErrSessionExpired):
			a.log.Info("stored session not restored", zap.Error(err))
		default:
			a.log.Warn("hydrating session", zap.Error(err))
		}
	}

	a.unsubBridge = a.sync.Cache().Subscribe(a.bridge.Changed)
	a.auth.Start(ctx)
	a.sync.Start(ctx)
	return nil
}

// Teardown stops everything Init started and closes the archive.
func (a *App) Teardown() {
	a.sync.Stop()
	a.auth.Stop()
	if a.unsubBridge != nil {
		a.unsubBridge()
	}
	a.bridge.Close()

	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.Warn("closing archive", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

// Config returns the configuration the App was built from.
func (a *App) Config() *model.AppConfig { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.log }

// Auth returns the token lifecycle manager.
func (a *App) Auth() *auth.Manager { return a.auth }

// Channel returns the realtime channel manager.
func (a *App) Channel() *realtime.Channel { return a.channel }

// Notifications returns the notification synchronizer.
func (a *App) Notifications() *notify.Synchronizer { return a.sync }

// Archive returns the offline archive, or nil when disabled.
func (a *App) Archive() store.Store { return a.archive }

// Bridge returns the synchronizer-to-UI bridge.
func (a *App) Bridge() *Bridge { return a.bridge }

type ctxKey struct{}

// WithApp returns a copy of ctx carrying a.
func WithApp(ctx context.Context, a *App) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the App stored by WithApp.
func FromContext(ctx context.Context) (*App, bool) {
	a, ok := ctx.Value(ctxKey{}).(*App)
	return a, ok
}
