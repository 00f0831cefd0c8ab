package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3025, cfg.Server.HTTPPort)
	assert.Equal(t, 2025, cfg.Server.SMTPPort)
	assert.True(t, cfg.SMTP.AuthEnabled)
	assert.Equal(t, "mobile.de", cfg.Site().Domain)
	assert.Equal(t, 20*time.Second, cfg.Resolver.PageTimeout)
	assert.Equal(t, 15*time.Second, cfg.Resolver.RenderTimeout)
	assert.Equal(t, time.Second, cfg.Pipeline.PublishInterval)
	assert.Equal(t, 1, cfg.Pipeline.MessageWorkers)
	assert.True(t, cfg.Pipeline.RequirePhotos)
	assert.False(t, cfg.Pipeline.SkipForeignMessages)
	assert.Equal(t, RendererChrome, cfg.Resolver.Renderer)
	assert.Error(t, cfg.RequireMasterKey())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("LEDGER_DSN", "postgres://relay@db/relay")
	t.Setenv("MASTER_SECRET_KEY", "k")
	t.Setenv("PUBLISH_INTERVAL", "250ms")
	t.Setenv("MESSAGE_WORKERS", "4")
	t.Setenv("REQUIRE_PHOTOS", "false")
	t.Setenv("RENDERER", "none")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "postgres://relay@db/relay", cfg.Storage.LedgerDSN)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.PublishInterval)
	assert.Equal(t, 4, cfg.Pipeline.MessageWorkers)
	assert.False(t, cfg.Pipeline.RequirePhotos)
	assert.Equal(t, RendererNone, cfg.Resolver.Renderer)
	assert.NoError(t, cfg.RequireMasterKey())
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("SITE", "autoscout")
	t.Setenv("RENDERER", "firefox")
	t.Setenv("MESSAGE_WORKERS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SITE")
	assert.Contains(t, err.Error(), "RENDERER")
	assert.Contains(t, err.Error(), "MESSAGE_WORKERS")
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	_, err := Load()
	assert.Error(t, err)
}
