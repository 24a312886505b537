// Package config holds the dispatcher process's runtime configuration:
// execution mode, OCI registry policy, cache location, and the cluster
// coordinates needed for Distributed mode and artifact resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/dispatcher"
)

// Config holds the wasmplugind runtime configuration.
type Config struct {
	// BindAddr is the host:port the HTTP server listens on.
	BindAddr string

	// Mode selects the execution strategy for every invocation this
	// process handles.
	Mode dispatcher.Mode

	// InsecureOCIRegistries lists registry hosts that may be contacted in
	// plaintext; every other host is contacted over TLS.
	InsecureOCIRegistries []string

	// FSCacheDir is the directory backing the on-disk module cache. Empty
	// selects the no-op cache variant.
	FSCacheDir string

	// MaxCacheSizeMiB bounds the module cache's on-disk footprint; Purge is
	// invoked against this budget.
	MaxCacheSizeMiB int64

	// PluginNamespace is the Kubernetes namespace Distributed mode creates
	// ConfigMaps/Pods in, and ArtifactRepoResolver reads from.
	PluginNamespace string

	// ArgoControllerConfigMap is the name of the ConfigMap
	// ArtifactRepoResolver reads at startup. Empty means artifacts are
	// unsupported for this process instance — not an error.
	ArgoControllerConfigMap string

	// DistributedWaitDuration bounds how long Distributed mode waits for a
	// result before returning a Timeout error.
	DistributedWaitDuration time.Duration

	// MaxConcurrency bounds the number of in-flight invocations.
	MaxConcurrency int

	// LogLevel and LogJSON select the logger's verbosity and encoding.
	LogLevel string
	LogJSON  bool
}

// DefaultConfig returns the default configuration, then applies any
// environment variable overrides present.
func DefaultConfig() *Config {
	cfg := &Config{
		BindAddr:                "127.0.0.1:3000",
		Mode:                    dispatcher.ModeLocal,
		FSCacheDir:              defaultCacheDir(),
		MaxCacheSizeMiB:         1024,
		PluginNamespace:         "default",
		DistributedWaitDuration: 60 * time.Second,
		MaxConcurrency:          8,
		LogLevel:                "info",
	}
	cfg.applyEnv()
	return cfg
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cache", "wasm-workflows-plugin", "modules")
}

// applyEnv overlays environment variables onto cfg, matching the field list
// the dispatcher cares about (§6 of the design document this ships from):
// mode, insecure_oci_registries, fs_cache_dir, plugin_namespace,
// argo_controller_configmap, distributed_wait_duration, bind address.
func (c *Config) applyEnv() {
	if v := os.Getenv("BIND_ADDR"); v != "" {
		c.BindAddr = v
	}
	if v := os.Getenv("MODE"); v != "" {
		c.Mode = dispatcher.Mode(v)
	}
	if v := os.Getenv("INSECURE_OCI_REGISTRIES"); v != "" {
		c.InsecureOCIRegistries = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("FS_CACHE_DIR"); v != "" {
		c.FSCacheDir = v
	}
	if v := os.Getenv("MAX_CACHE_SIZE_MIB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxCacheSizeMiB = n
		}
	}
	if v := os.Getenv("PLUGIN_NAMESPACE"); v != "" {
		c.PluginNamespace = v
	}
	if v := os.Getenv("ARGO_CONTROLLER_CONFIGMAP"); v != "" {
		c.ArgoControllerConfigMap = v
	}
	if v := os.Getenv("DISTRIBUTED_WAIT_DURATION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DistributedWaitDuration = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrency = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		c.LogJSON = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate checks invariants that are cheap to catch before any component
// is constructed from this Config.
func (c *Config) Validate() error {
	switch c.Mode {
	case dispatcher.ModeLocal, dispatcher.ModeDistributed:
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	return nil
}

// EnsureDirs creates the cache directory if one is configured.
func (c *Config) EnsureDirs() error {
	if c.FSCacheDir == "" {
		return nil
	}
	return os.MkdirAll(c.FSCacheDir, 0o755)
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
