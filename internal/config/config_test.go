package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp isolates Load from any .env file in the package directory.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("VITE_API_URL", "")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", cfg.APIURL)
	assert.Equal(t, DriverBolt, cfg.Storage.Driver)
	assert.Equal(t, "591", cfg.CountryCode)
	assert.Equal(t, 2*time.Minute, cfg.HTTP.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Cache.StaleTime)
	assert.Equal(t, 2, cfg.Password.MinScore)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.IdentityConfigured())
	assert.Equal(t, filepath.Join(cfg.DataDir, "client.db"), cfg.SessionDBPath())
}

func TestEnvironmentOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("VITE_API_URL", "http://vite.example")
	t.Setenv("STORYVERSE_API_URL", "https://api.example")
	t.Setenv("STORYVERSE_IDENTITY_URL", "https://id.example")
	t.Setenv("STORYVERSE_IDENTITY_ANON_KEY", "anon")
	t.Setenv("STORYVERSE_STORAGE_DRIVER", "memory")
	t.Setenv("STORYVERSE_HTTP_TIMEOUT", "15s")
	t.Setenv("STORYVERSE_PASSWORD_MIN_SCORE", "3")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example", cfg.APIURL)
	assert.True(t, cfg.IdentityConfigured())
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 15*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 3, cfg.Password.MinScore)
}

func TestViteFallback(t *testing.T) {
	chdirTemp(t)
	t.Setenv("VITE_API_URL", "http://vite.example")
	t.Setenv("VITE_SUPABASE_URL", "https://project.supabase.co")
	t.Setenv("VITE_SUPABASE_ANON_KEY", "anon")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "http://vite.example", cfg.APIURL)
	assert.Equal(t, "https://project.supabase.co", cfg.Identity.URL)
	assert.Equal(t, "anon", cfg.Identity.AnonKey)
}

func TestFlagsWin(t *testing.T) {
	chdirTemp(t)
	t.Setenv("STORYVERSE_API_URL", "https://env.example")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--api-url", "https://flag.example", "--storage", "memory", "--log-format", "text"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "https://flag.example", cfg.APIURL)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestUnsetFlagsKeepEnvironment(t *testing.T) {
	chdirTemp(t)
	t.Setenv("STORYVERSE_API_URL", "https://env.example")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example", cfg.APIURL)
}

func TestEnvFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.env")
	require.NoError(t, os.WriteFile(path, []byte("STORYVERSE_COUNTRY_CODE=1\nSTORYVERSE_STORAGE_DRIVER=memory\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("STORYVERSE_COUNTRY_CODE")
		os.Unsetenv("STORYVERSE_STORAGE_DRIVER")
	})

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "1", cfg.CountryCode)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)

	_, err = Load(nil, filepath.Join(dir, "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdirTemp(t)
	t.Setenv("STORYVERSE_STORAGE_DRIVER", "redis")
	t.Setenv("STORYVERSE_LOG_FORMAT", "xml")
	t.Setenv("STORYVERSE_PASSWORD_MIN_SCORE", "9")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.redis_url is required")
	assert.Contains(t, err.Error(), `unknown log format "xml"`)
	assert.Contains(t, err.Error(), "password.min_score")
}
