package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nhle/packrent/internal/credential"
	"github.com/nhle/packrent/internal/model"
	"github.com/nhle/packrent/internal/realtime"
	"github.com/nhle/packrent/tests/testutil"
)

// offlineDialer never connects, which keeps the synchronizer on REST.
type offlineDialer struct {
	dials atomic.Int32
}

func (d *offlineDialer) Dial(context.Context, string) (realtime.Conn, error) {
	d.dials.Add(1)
	return nil, errors.New("offline")
}

type fakeBackend struct {
	srv       *httptest.Server
	listCalls atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"data": map[string]any{
				"accessToken":  "acc",
				"refreshToken": "ref",
				"user":         map[string]any{"_id": "u1", "role": "customer"},
			},
		})
	})
	mux.HandleFunc("GET /users/profile", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"_id": "u1", "role": "customer"}})
	})
	mux.HandleFunc("GET /notifications", func(w http.ResponseWriter, _ *http.Request) {
		b.listCalls.Add(1)
		writeJSON(w, []map[string]any{
			{"_id": "n1", "title": "Booking confirmed", "message": "See you Friday", "isRead": false},
		})
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(baseURL string) *model.AppConfig {
	cfg := model.DefaultAppConfig()
	cfg.API.BaseURL = baseURL
	cfg.API.TimeoutSec = 5
	cfg.Realtime.URL = "ws://127.0.0.1:0/ws"
	cfg.Realtime.ReconnectBaseMs = 10
	cfg.Realtime.ReconnectMaxMs = 20
	cfg.Realtime.MaxReconnectAttempts = 1
	cfg.Realtime.InstallationID = "test-install"
	cfg.Notifications.UserIDBackoffMs = 1
	cfg.Notifications.PollIntervalSec = 3600
	cfg.Storage.DBPath = ""
	cfg.Log.File = ""
	return cfg
}

func newTestApp(t *testing.T, b *fakeBackend, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{
		WithCredentialStore(credential.NewKeyringStore(keyring.NewArrayKeyring(nil))),
		WithHTTPClient(b.srv.Client()),
		WithDialer(&offlineDialer{}),
	}, opts...)

	a, err := New(testConfig(b.srv.URL), zap.NewNop(), opts...)
	require.NoError(t, err)
	return a
}

func TestApp_InitWithoutStoredSession(t *testing.T) {
	a := newTestApp(t, newFakeBackend(t), WithoutArchive())

	require.NoError(t, a.Init(context.Background()))
	defer a.Teardown()

	sess := a.Auth().Session()
	assert.True(t, sess.Hydrated)
	assert.False(t, sess.Authenticated)
	assert.Nil(t, a.Archive())
	assert.Empty(t, a.Notifications().Cache().Snapshot().Items)
}

func TestApp_LoginLoadsSnapshot(t *testing.T) {
	b := newFakeBackend(t)
	a := newTestApp(t, b, WithoutArchive())

	ctx := context.Background()
	require.NoError(t, a.Init(ctx))
	defer a.Teardown()

	_, err := a.Auth().Login(ctx, "ada@example.com", "pw")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(a.Notifications().Cache().Snapshot().Items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap := a.Notifications().Cache().Snapshot()
	assert.Equal(t, "n1", snap.Items[0].ID)
	assert.Equal(t, 1, snap.Unread)
	assert.GreaterOrEqual(t, b.listCalls.Load(), int32(1))
}

func TestApp_ArchivesSnapshot(t *testing.T) {
	archive := testutil.NewTestStore(t)
	a := newTestApp(t, newFakeBackend(t), WithArchive(archive))

	ctx := context.Background()
	require.NoError(t, a.Init(ctx))
	defer a.Teardown()

	_, err := a.Auth().Login(ctx, "ada@example.com", "pw")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := archive.CountUnread(ctx, "u1")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_TeardownWithoutInit(t *testing.T) {
	a := newTestApp(t, newFakeBackend(t), WithoutArchive())
	assert.NotPanics(t, a.Teardown)
}

func TestContext_RoundTrip(t *testing.T) {
	a := newTestApp(t, newFakeBackend(t), WithoutArchive())

	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	got, ok := FromContext(WithApp(context.Background(), a))
	require.True(t, ok)
	assert.Same(t, a, got)
}
