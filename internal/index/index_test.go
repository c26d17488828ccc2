package index

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devitway/nora/internal/storage"
)

// countingBackend wraps a fixed key set and counts List calls to
// observe rebuilds.
type countingBackend struct {
	keys  []string
	lists atomic.Int64
}

func (b *countingBackend) Put(context.Context, string, []byte) error { return nil }
func (b *countingBackend) Get(context.Context, string) ([]byte, error) {
	return nil, nil
}
func (b *countingBackend) Delete(context.Context, string) error { return nil }
func (b *countingBackend) List(_ context.Context, prefix string) ([]string, error) {
	b.lists.Add(1)
	out := []string{}
	for _, k := range b.keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}
func (b *countingBackend) Stat(context.Context, string) (storage.Metadata, error) {
	return storage.Metadata{Size: 10, ModTime: time.Unix(1700000000, 0)}, nil
}
func (b *countingBackend) HealthCheck(context.Context) bool { return true }
func (b *countingBackend) BackendName() string              { return "fake" }

func TestIndexRebuildGroupsByRepo(t *testing.T) {
	backend := &countingBackend{keys: []string{
		"docker/app/blobs/sha256:aaa",
		"docker/app/manifests/v1.json",
		"docker/app/manifests/v1.meta.json",
		"docker/app/manifests/v2.json",
		"docker/other/manifests/latest.json",
	}}
	idx := NewSet().For("docker")

	repos, err := idx.Get(context.Background(), backend)
	require.NoError(t, err)
	require.Len(t, repos, 2)

	assert.Equal(t, "app", repos[0].Name)
	assert.Equal(t, 2, repos[0].Versions) // meta.json and blobs excluded
	assert.Equal(t, int64(40), repos[0].SizeBytes)
	assert.Equal(t, "other", repos[1].Name)
	assert.Equal(t, 1, repos[1].Versions)
}

func TestIndexCachesUntilInvalidated(t *testing.T) {
	backend := &countingBackend{keys: []string{"npm/pkg/tarballs/pkg-1.0.0.tgz"}}
	idx := NewSet().For("npm")
	ctx := context.Background()

	_, err := idx.Get(ctx, backend)
	require.NoError(t, err)
	_, err = idx.Get(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, int64(1), backend.lists.Load())

	idx.Invalidate()
	_, err = idx.Get(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, int64(2), backend.lists.Load())
}

func TestIndexConcurrentGetsRebuildOnce(t *testing.T) {
	backend := &countingBackend{keys: []string{"maven/org/lib/1.0/lib-1.0.jar"}}
	idx := NewSet().For("maven")
	ctx := context.Background()

	_, err := idx.Get(ctx, backend)
	require.NoError(t, err)
	idx.Invalidate()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := idx.Get(ctx, backend)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Initial rebuild plus exactly one after the invalidate.
	assert.Equal(t, int64(2), backend.lists.Load())
}

func TestPaginate(t *testing.T) {
	items := make([]RepoInfo, 5)
	for i := range items {
		items[i].Name = string(rune('a' + i))
	}

	window, total := Paginate(items, 1, 2)
	assert.Equal(t, 5, total)
	require.Len(t, window, 2)
	assert.Equal(t, "a", window[0].Name)

	window, _ = Paginate(items, 3, 2)
	require.Len(t, window, 1)
	assert.Equal(t, "e", window[0].Name)

	// Page 0 behaves as page 1.
	window, _ = Paginate(items, 0, 2)
	require.Len(t, window, 2)
	assert.Equal(t, "a", window[0].Name)

	window, _ = Paginate(items, 10, 2)
	assert.Empty(t, window)
}
