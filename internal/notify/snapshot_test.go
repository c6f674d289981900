package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nhle/packrent/internal/api"
)

func TestSnapshot_MalformedBodyFromServerClearsCache(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "html error page", body: `<html>gateway error</html>`},
		{name: "truncated json", body: `{"data":[{"_id":"x"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body atomic.Value
			body.Store(`[{"_id":"a","title":"A"}]`)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(body.Load().(string)))
			}))
			t.Cleanup(srv.Close)

			h := newSyncHarness(t, readySession)
			cfg := Config{
				PageSize:       50,
				PollInterval:   time.Hour,
				AlertCapacity:  100,
				UserIDAttempts: 3,
				UserIDBackoff:  time.Millisecond,
			}
			client := api.NewClient(srv.URL, api.WithHTTPClient(srv.Client()))
			h.s = New(h.session, client, h.channel, h.alerter, cfg, zap.NewNop())
			h.startReady(t)
			require.Eventually(t, func() bool { return len(h.s.Cache().List()) == 1 }, time.Second, time.Millisecond)

			body.Store(tt.body)
			require.NoError(t, h.s.LoadSnapshot(context.Background()))
			assert.Empty(t, h.s.Cache().List())
			assert.Equal(t, 0, h.s.Cache().UnreadCount())
		})
	}
}

func TestSnapshot_ServerErrorKeepsCache(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"boom"}`))
			return
		}
		_, _ = w.Write([]byte(`[{"_id":"a","title":"A"}]`))
	}))
	t.Cleanup(srv.Close)

	h := newSyncHarness(t, readySession)
	h.s = New(h.session, api.NewClient(srv.URL, api.WithHTTPClient(srv.Client()), api.WithMaxRetries(0)),
		h.channel, h.alerter, Config{
			PageSize:       50,
			PollInterval:   time.Hour,
			AlertCapacity:  100,
			UserIDAttempts: 3,
			UserIDBackoff:  time.Millisecond,
		}, zap.NewNop())
	h.startReady(t)
	require.Eventually(t, func() bool { return len(h.s.Cache().List()) == 1 }, time.Second, time.Millisecond)

	fail.Store(true)
	assert.Error(t, h.s.LoadSnapshot(context.Background()))
	assert.Len(t, h.s.Cache().List(), 1)
}
