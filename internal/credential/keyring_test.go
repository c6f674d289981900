package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *KeyringStore {
	t.Helper()
	return NewKeyringStore(keyring.NewArrayKeyring(nil))
}

func TestKeyringStore_SetGet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set(KeyAccessToken, "tok-1"))

	got, err := s.Get(KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)
}

func TestKeyringStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(KeyRole)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClear_RemovesLayoutKeysOnly(t *testing.T) {
	s := newTestStore(t)
	for _, key := range LayoutKeys {
		require.NoError(t, s.Set(key, "v"))
	}
	require.NoError(t, s.Set("deviceId", "keep"))

	require.NoError(t, Clear(s))

	for _, key := range LayoutKeys {
		_, err := s.Get(key)
		assert.ErrorIs(t, err, ErrNotFound, key)
	}
	got, err := s.Get("deviceId")
	require.NoError(t, err)
	assert.Equal(t, "keep", got)
}

func TestClear_EmptyStore(t *testing.T) {
	assert.NoError(t, Clear(newTestStore(t)))
}

func TestLookup(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := Lookup(s, KeyRefreshToken)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(KeyRefreshToken, "r"))
	v, ok, err := Lookup(s, KeyRefreshToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "r", v)
}
