package docker

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devitway/nora/internal/activity"
	"github.com/devitway/nora/internal/index"
	"github.com/devitway/nora/internal/metrics"
	"github.com/devitway/nora/internal/registry"
	"github.com/devitway/nora/internal/storage"
	"github.com/devitway/nora/pkg/config"
)

func newMetadataHandler(t *testing.T) (*Handler, storage.Backend) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	backend, err := storage.NewLocal(t.TempDir(), logger)
	require.NoError(t, err)
	deps := &registry.Deps{
		Store:     backend,
		Activity:  activity.NewLog(10),
		Dashboard: metrics.NewDashboard(),
		Indexes:   index.NewSet(),
		Logger:    logger,
	}
	return New(deps, config.DockerConfig{}), backend
}

func TestExtractMetadataIndex(t *testing.T) {
	h, _ := newMetadataHandler(t)

	manifest := `{
		"schemaVersion": 2,
		"manifests": [
			{"digest":"sha256:` + strings.Repeat("a", 64) + `","size":100,"platform":{"os":"linux","architecture":"arm64","variant":"v8"}},
			{"digest":"sha256:` + strings.Repeat("b", 64) + `","size":200,"platform":{"os":"linux","architecture":"amd64"}}
		]
	}`
	meta := h.extractMetadata(context.Background(), "app", []byte(manifest))
	assert.Equal(t, int64(300), meta.SizeBytes)
	assert.Equal(t, "linux", meta.OS)
	assert.Equal(t, "arm64", meta.Architecture)
	assert.Equal(t, "v8", meta.Variant)
	assert.Empty(t, meta.Layers)
}

func TestExtractMetadataIndexWithoutPlatform(t *testing.T) {
	h, _ := newMetadataHandler(t)

	manifest := `{"schemaVersion":2,"manifests":[{"digest":"sha256:` + strings.Repeat("a", 64) + `","size":50}]}`
	meta := h.extractMetadata(context.Background(), "app", []byte(manifest))
	assert.Equal(t, "multi-arch", meta.OS)
	assert.Equal(t, "multi", meta.Architecture)
}

func TestExtractMetadataSingleArch(t *testing.T) {
	h, store := newMetadataHandler(t)

	configDigest := "sha256:" + strings.Repeat("c", 64)
	require.NoError(t, store.Put(context.Background(),
		"docker/app/blobs/"+configDigest,
		[]byte(`{"os":"linux","architecture":"amd64"}`)))

	manifest := `{
		"schemaVersion": 2,
		"config": {"digest":"` + configDigest + `","size":10},
		"layers": [
			{"digest":"sha256:` + strings.Repeat("d", 64) + `","size":7},
			{"digest":"sha256:` + strings.Repeat("e", 64) + `","size":8}
		]
	}`
	meta := h.extractMetadata(context.Background(), "app", []byte(manifest))
	assert.Equal(t, int64(15), meta.SizeBytes)
	assert.Equal(t, "linux", meta.OS)
	assert.Equal(t, "amd64", meta.Architecture)
	require.Len(t, meta.Layers, 2)
	assert.Equal(t, int64(7), meta.Layers[0].Size)
}

func TestExtractMetadataMissingConfig(t *testing.T) {
	h, _ := newMetadataHandler(t)

	manifest := `{
		"schemaVersion": 2,
		"config": {"digest":"sha256:` + strings.Repeat("f", 64) + `","size":10},
		"layers": [{"digest":"sha256:` + strings.Repeat("a", 64) + `","size":5}]
	}`
	meta := h.extractMetadata(context.Background(), "app", []byte(manifest))
	assert.Equal(t, "unknown", meta.OS)
	assert.Equal(t, "unknown", meta.Architecture)
	assert.Equal(t, int64(5), meta.SizeBytes)
}
