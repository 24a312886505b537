// Package modulecache implements the content-addressed, zstd-compressed,
// size-bounded on-disk cache of Wasm module bytes described by the
// ModuleCache component: one blob per image reference, keyed by a
// filesystem-safe canonical name, purged oldest-first once the budget is
// exceeded. The blobs are the module bytes as fetched from the registry,
// not a compiled form; callers compile them on every use.
package modulecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/shark-wasm/wasm-workflows-plugin/internal/plugin/model"
)

// engineVersion namespaces the cache directory by engine version. Bumping
// it makes every existing entry a miss, so a new engine version starts
// from an empty cache.
const engineVersion = "wazero-v1"

// Cache is a ModuleCache.
type Cache interface {
	// Get returns the cached module bytes for image, or ok=false on a miss.
	Get(ctx context.Context, image string) (data []byte, ok bool, err error)
	// Put stores data under image, replacing any existing entry.
	Put(ctx context.Context, image string, data []byte) error
	// Purge deletes entries, oldest (by mtime) first, until the directory's
	// total size is at or below maxBytes. maxBytes<=0 disables purging.
	Purge(ctx context.Context, maxBytes int64) error
}

// FSCache is the on-disk ModuleCache. The zero value is not usable; build
// one with NewFSCache.
type FSCache struct {
	mu      sync.Mutex
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFSCache creates a cache rooted at dir, creating the engine-version
// namespaced subdirectory if it does not already exist.
func NewFSCache(dir string) (*FSCache, error) {
	root := filepath.Join(dir, engineVersion)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("modulecache: create cache dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("modulecache: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("modulecache: new zstd decoder: %w", err)
	}
	return &FSCache{dir: root, encoder: enc, decoder: dec}, nil
}

// Close releases the cache's zstd encoder/decoder goroutines.
func (c *FSCache) Close() error {
	c.encoder.Close()
	c.decoder.Close()
	return nil
}

func (c *FSCache) entryPath(image string) string {
	return filepath.Join(c.dir, model.Canonicalize(image)+".wasm.zst")
}

// Get implements Cache.
func (c *FSCache) Get(ctx context.Context, image string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	compressed, err := os.ReadFile(c.entryPath(image))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("modulecache: read %s: %w", image, err)
	}
	data, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("modulecache: decompress %s: %w", image, err)
	}
	return data, true, nil
}

// Put implements Cache. The write is atomic: data lands in a temp file in
// the same directory, then is renamed into place, so a concurrent Get never
// observes a partial blob.
func (c *FSCache) Put(ctx context.Context, image string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	compressed := c.encoder.EncodeAll(data, nil)

	dest := c.entryPath(image)
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("modulecache: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("modulecache: write %s: %w", image, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("modulecache: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("modulecache: rename into place: %w", err)
	}
	return nil
}

type cacheEntry struct {
	path  string
	size  int64
	mtime int64
}

// Purge implements Cache, ranking entries by mtime ascending (oldest first)
// and deleting until the remaining total is at or below maxBytes, mirroring
// the purge ordering of the original FSCache.
func (c *FSCache) Purge(ctx context.Context, maxBytes int64) error {
	if maxBytes <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("modulecache: list cache dir: %w", err)
	}

	var items []cacheEntry
	var total int64
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, cacheEntry{
			path:  filepath.Join(c.dir, e.Name()),
			size:  info.Size(),
			mtime: info.ModTime().UnixNano(),
		})
		total += info.Size()
	}

	sort.Slice(items, func(i, j int) bool { return items[i].mtime < items[j].mtime })

	for _, it := range items {
		if total <= maxBytes {
			break
		}
		if err := os.Remove(it.path); err != nil {
			continue
		}
		total -= it.size
	}
	return nil
}

// NopCache is a ModuleCache that never retains anything; it is used when no
// cache directory is configured. Every Get misses, every Put is a no-op.
type NopCache struct{}

var _ Cache = NopCache{}

func (NopCache) Get(ctx context.Context, image string) ([]byte, bool, error) { return nil, false, nil }
func (NopCache) Put(ctx context.Context, image string, data []byte) error    { return nil }
func (NopCache) Purge(ctx context.Context, maxBytes int64) error             { return nil }
