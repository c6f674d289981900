package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	def := DefaultAppConfig()
	assert.Equal(t, def.API.BaseURL, cfg.API.BaseURL)
	assert.Equal(t, def.Notifications.PageSize, cfg.Notifications.PageSize)
	assert.Equal(t, def.Auth.TokenLifetime(), cfg.Auth.TokenLifetime())
	assert.Empty(t, cfg.Realtime.InstallationID)
}

func TestLoadConfig_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://staging.packrent.io
notifications:
  page_size: 20
`), 0o600))
	t.Setenv("PACKRENT_NOTIFICATIONS_PAGE_SIZE", "10")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://staging.packrent.io", cfg.API.BaseURL)
	assert.Equal(t, 10, cfg.Notifications.PageSize)
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unclosed"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{name: "empty base url", mutate: func(c *AppConfig) { c.API.BaseURL = "" }},
		{name: "zero lifetime", mutate: func(c *AppConfig) { c.Auth.TokenLifetimeSec = 0 }},
		{name: "lookahead too large", mutate: func(c *AppConfig) { c.Auth.LookaheadSec = c.Auth.TokenLifetimeSec }},
		{name: "zero alert capacity", mutate: func(c *AppConfig) { c.Notifications.AlertCapacity = 0 }},
		{name: "zero page size", mutate: func(c *AppConfig) { c.Notifications.PageSize = 0 }},
	}

	require.NoError(t, DefaultAppConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAppConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureInstallationID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultAppConfig()

	created, err := EnsureInstallationID(path, cfg)
	require.NoError(t, err)
	assert.True(t, created)
	id := cfg.Realtime.InstallationID
	assert.NotEmpty(t, id)

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, id, reloaded.Realtime.InstallationID)

	created, err = EnsureInstallationID(path, reloaded)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, reloaded.Realtime.InstallationID)
}
