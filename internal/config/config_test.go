package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, "https://app.lightbucket.co", cfg.Service.BaseURL)
	assert.Equal(t, "/api/image_capture_complete", cfg.Service.Endpoint)
	assert.Equal(t, 100*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, "native", cfg.Preview.Backend)
	assert.Equal(t, 300, cfg.Preview.Width)
	assert.Equal(t, 70, cfg.Preview.Quality)
	assert.Zero(t, cfg.Preview.MedianBlur)
	assert.True(t, cfg.Capture.DBus)
	assert.Equal(t, []string{"/tmp/image.fits"}, cfg.Capture.PreviewPaths)
	assert.True(t, filepath.IsAbs(cfg.Paths.CredentialsFile))
}

func TestLoadFileOverridesAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"service": {"base_url": "http://localhost:9000", "timeout": "5s", "rate_limit": 12},
		"worker": {"poll_interval": "250ms"},
		"preview": {"backend": "imagick", "median_blur": 21},
		"capture": {"dbus": false, "watch_dirs": ["/data/lights"]}
	}`), 0o644))
	t.Setenv("LIGHTBUCKET_PREVIEW_QUALITY", "85")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.Service.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Service.Timeout)
	assert.Equal(t, 12, cfg.Service.RateLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, "imagick", cfg.Preview.Backend)
	assert.Equal(t, 21, cfg.Preview.MedianBlur)
	assert.Equal(t, 85, cfg.Preview.Quality)
	assert.False(t, cfg.Capture.DBus)
	assert.Equal(t, []string{"/data/lights"}, cfg.Capture.WatchDirs)
	// Untouched sections keep their defaults.
	assert.Equal(t, "/api/image_capture_complete", cfg.Service.Endpoint)
}

func TestLoadFileRejectsBrokenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"service": `), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadHonoursConfigEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alt.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"http_addr": ":8085"}}`), 0o644))
	t.Setenv("LIGHTBUCKET_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8085", cfg.Server.HTTPAddr)
	assert.Equal(t, path, Path())
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := expandUser("~/x/y")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x", "y"), got)
	got, err = expandUser("/abs")
	require.NoError(t, err)
	assert.Equal(t, "/abs", got)
}
