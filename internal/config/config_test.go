package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/dispatcher"
)

func TestDefaultConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:3000", cfg.BindAddr)
	assert.Equal(t, dispatcher.ModeLocal, cfg.Mode)
	assert.Equal(t, int64(1024), cfg.MaxCacheSizeMiB)
	assert.Equal(t, "default", cfg.PluginNamespace)
	assert.Equal(t, 60*time.Second, cfg.DistributedWaitDuration)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogJSON)
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	t.Setenv("BIND_ADDR", "0.0.0.0:9000")
	t.Setenv("MODE", "distributed")
	t.Setenv("INSECURE_OCI_REGISTRIES", "a.example.com, b.example.com,")
	t.Setenv("FS_CACHE_DIR", "/tmp/cache")
	t.Setenv("MAX_CACHE_SIZE_MIB", "2048")
	t.Setenv("PLUGIN_NAMESPACE", "workflows")
	t.Setenv("ARGO_CONTROLLER_CONFIGMAP", "artifact-repositories")
	t.Setenv("DISTRIBUTED_WAIT_DURATION_SECONDS", "120")
	t.Setenv("MAX_CONCURRENCY", "16")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_JSON", "true")

	cfg := DefaultConfig()

	assert.Equal(t, "0.0.0.0:9000", cfg.BindAddr)
	assert.Equal(t, dispatcher.Mode("distributed"), cfg.Mode)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.InsecureOCIRegistries)
	assert.Equal(t, "/tmp/cache", cfg.FSCacheDir)
	assert.Equal(t, int64(2048), cfg.MaxCacheSizeMiB)
	assert.Equal(t, "workflows", cfg.PluginNamespace)
	assert.Equal(t, "artifact-repositories", cfg.ArgoControllerConfigMap)
	assert.Equal(t, 120*time.Second, cfg.DistributedWaitDuration)
	assert.Equal(t, 16, cfg.MaxConcurrency)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
}

func TestApplyEnvIgnoresInvalidIntegers(t *testing.T) {
	t.Setenv("MAX_CACHE_SIZE_MIB", "not-a-number")
	t.Setenv("MAX_CONCURRENCY", "not-a-number")

	cfg := DefaultConfig()

	assert.Equal(t, int64(1024), cfg.MaxCacheSizeMiB)
	assert.Equal(t, 8, cfg.MaxConcurrency)
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = dispatcher.Mode("bogus")
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsKnownModes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = dispatcher.ModeLocal
	require.NoError(t, cfg.Validate())
	cfg.Mode = dispatcher.ModeDistributed
	require.NoError(t, cfg.Validate())
}

func TestEnsureDirsCreatesCacheDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FSCacheDir = t.TempDir() + "/nested/cache"
	require.NoError(t, cfg.EnsureDirs())
	assert.DirExists(t, cfg.FSCacheDir)
}

func TestEnsureDirsNoopWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FSCacheDir = ""
	require.NoError(t, cfg.EnsureDirs())
}
