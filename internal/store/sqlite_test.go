package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/packrent/internal/model"
	"github.com/nhle/packrent/internal/store"
	"github.com/nhle/packrent/tests/testutil"
)

func sample() []model.Notification {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return []model.Notification{
		{ID: "n2", Title: "Order shipped", Message: "On its way", CreatedAt: created.Add(time.Hour), Data: map[string]any{"orderId": "o-1"}},
		{ID: "n1", Title: "Welcome", Message: "Hello", IsRead: true, CreatedAt: created},
		{ID: "n3", Title: "Untimed"},
	}
}

func TestSQLiteStore_SaveLoadPreservesOrder(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveNotifications(ctx, "u1", sample()))

	got, err := s.LoadNotifications(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "n2", got[0].ID)
	assert.Equal(t, "n1", got[1].ID)
	assert.Equal(t, "n3", got[2].ID)

	assert.Equal(t, "Order shipped", got[0].Title)
	assert.Equal(t, map[string]any{"orderId": "o-1"}, got[0].Data)
	assert.True(t, got[0].CreatedAt.Equal(sample()[0].CreatedAt))
	assert.True(t, got[1].IsRead)
	assert.True(t, got[2].CreatedAt.IsZero())
	assert.Nil(t, got[2].Data)
}

func TestSQLiteStore_SaveReplaces(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveNotifications(ctx, "u1", sample()))
	require.NoError(t, s.SaveNotifications(ctx, "u1", []model.Notification{{ID: "n9", Title: "Only"}}))

	got, err := s.LoadNotifications(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "n9", got[0].ID)

	require.NoError(t, s.SaveNotifications(ctx, "u1", nil))
	got, err = s.LoadNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteStore_ReceiversAreIsolated(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveNotifications(ctx, "u1", sample()))
	require.NoError(t, s.SaveNotifications(ctx, "u2", []model.Notification{{ID: "n1", Title: "Other"}}))

	require.NoError(t, s.DeleteNotifications(ctx, "u1"))

	got, err := s.LoadNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.LoadNotifications(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Other", got[0].Title)
}

func TestSQLiteStore_CountUnread(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	n, err := s.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.SaveNotifications(ctx, "u1", sample()))
	n, err = s.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteStore_DuplicateIDsKeepLast(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveNotifications(ctx, "u1", []model.Notification{
		{ID: "a", Title: "first"},
		{ID: "a", Title: "second"},
	}))

	got, err := s.LoadNotifications(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Title)
}

func TestSQLiteStore_ReopenKeepsDataAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packrent.db")
	ctx := context.Background()

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveNotifications(ctx, "u1", sample()))
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	got, err := s.LoadNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
