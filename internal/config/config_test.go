package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 14.0, cfg.TransitionZoom)
	assert.Equal(t, 500*time.Millisecond, cfg.SearchDebounce)
	assert.Equal(t, 300*time.Millisecond, cfg.HoverDebounce)
	assert.Equal(t, 0.25, cfg.FilteredOpacity)
	assert.Equal(t, 50.0, cfg.Cluster.Radius)
	assert.Equal(t, 16, cfg.Cluster.MaxZoom)
	assert.Equal(t, 512, cfg.TileCacheSize)
	assert.Empty(t, cfg.FeatureService.URL)
	assert.True(t, cfg.Controls.Scale.Enabled)
	assert.False(t, cfg.Controls.Fullscreen.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "explorer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transition_zoom: 12
search_debounce: 250ms
cluster:
  radius: 40
feature_service:
  url: https://example.test/FeatureServer/0
  simplify: 0.001
controls:
  navigation:
    position: top-left
`), 0o644))
	t.Setenv("MAINSTEMS_CLUSTER_MAX_ZOOM", "12")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12.0, cfg.TransitionZoom)
	assert.Equal(t, 250*time.Millisecond, cfg.SearchDebounce)
	assert.Equal(t, 40.0, cfg.Cluster.Radius)
	assert.Equal(t, 12, cfg.Cluster.MaxZoom)
	assert.Equal(t, "https://example.test/FeatureServer/0", cfg.FeatureService.URL)
	assert.Equal(t, 0.001, cfg.FeatureService.Simplify)
	assert.True(t, cfg.Controls.Navigation.Enabled)
	assert.Equal(t, "top-left", cfg.Controls.Navigation.Options["position"])
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filtered_opacity: 2\n"), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "filtered_opacity")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.SearchLimit)
}
