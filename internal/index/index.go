// Package index maintains the lazy per-registry repository listings.
// Writers mark an index dirty; the next reader rebuilds it from a
// storage listing under a mutex, with a double-check so concurrent
// readers trigger exactly one rebuild.
package index

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devitway/nora/internal/metrics"
	"github.com/devitway/nora/internal/storage"
)

// RepoInfo describes one repository in a registry.
type RepoInfo struct {
	Name      string    `json:"name"`
	Versions  int       `json:"versions"`
	SizeBytes int64     `json:"size_bytes"`
	Updated   time.Time `json:"updated"`
}

// RegistryIndex is the lazily rebuilt repository list for one
// registry. Readers get a consistent snapshot without blocking unless
// a rebuild is due.
type RegistryIndex struct {
	registry string
	prefix   string
	counts   func(key string) bool

	data      atomic.Pointer[[]RepoInfo]
	dirty     atomic.Bool
	rebuildMu sync.Mutex
}

// New creates an index for the given registry. counts decides which
// keys contribute to the per-repository version count; a nil counts
// counts every key.
func New(registry, prefix string, counts func(key string) bool) *RegistryIndex {
	idx := &RegistryIndex{
		registry: registry,
		prefix:   prefix,
		counts:   counts,
	}
	idx.dirty.Store(true)
	return idx
}

// Invalidate marks the index stale. The next Get rebuilds it.
func (i *RegistryIndex) Invalidate() {
	i.dirty.Store(true)
}

// Get returns the current repository list, rebuilding it first if the
// index is dirty. Concurrent callers during a rebuild block on the
// mutex and reuse the fresh snapshot.
func (i *RegistryIndex) Get(ctx context.Context, store storage.Backend) ([]RepoInfo, error) {
	if !i.dirty.Load() {
		if data := i.data.Load(); data != nil {
			return *data, nil
		}
	}

	i.rebuildMu.Lock()
	defer i.rebuildMu.Unlock()

	// Another caller may have rebuilt while we waited.
	if !i.dirty.Load() {
		if data := i.data.Load(); data != nil {
			return *data, nil
		}
	}

	repos, err := i.rebuild(ctx, store)
	if err != nil {
		return nil, err
	}
	i.data.Store(&repos)
	i.dirty.Store(false)
	return repos, nil
}

func (i *RegistryIndex) rebuild(ctx context.Context, store storage.Backend) ([]RepoInfo, error) {
	keys, err := store.List(ctx, i.prefix)
	if err != nil {
		return nil, err
	}

	type group struct {
		versions int
		size     int64
		updated  time.Time
	}
	groups := map[string]*group{}
	order := []string{}

	for _, key := range keys {
		rest := strings.TrimPrefix(key, i.prefix)
		name, _, _ := strings.Cut(rest, "/")
		if name == "" {
			continue
		}
		g, ok := groups[name]
		if !ok {
			g = &group{}
			groups[name] = g
			order = append(order, name)
		}
		if i.counts == nil || i.counts(key) {
			g.versions++
		}
		if md, err := store.Stat(ctx, key); err == nil {
			g.size += md.Size
			if md.ModTime.After(g.updated) {
				g.updated = md.ModTime
			}
		}
	}

	repos := make([]RepoInfo, 0, len(order))
	total := 0
	for _, name := range order {
		g := groups[name]
		repos = append(repos, RepoInfo{
			Name:      name,
			Versions:  g.versions,
			SizeBytes: g.size,
			Updated:   g.updated,
		})
		total += g.versions
	}
	metrics.SetArtifactCount(i.registry, total)
	return repos, nil
}

// DefaultPageLimit is the page size used when the caller asks for
// none.
const DefaultPageLimit = 20

// Paginate returns the 1-based page window of items and the total
// count. Page 0 is treated as page 1.
func Paginate(items []RepoInfo, page, limit int) ([]RepoInfo, int) {
	total := len(items)
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	start := (page - 1) * limit
	if start >= total {
		return []RepoInfo{}, total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return items[start:end], total
}
