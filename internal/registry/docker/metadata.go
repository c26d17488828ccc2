package docker

import (
	"context"
	"encoding/json"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker-specific media types not covered by the OCI image spec.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerManifestV1   = "application/vnd.docker.distribution.manifest.v1+json"
)

// manifestAccept is sent on upstream manifest fetches.
var manifestAccept = []string{
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
}

// LayerInfo records one layer of a single-arch image.
type LayerInfo struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// ImageMetadata is the sidecar document stored next to each manifest.
type ImageMetadata struct {
	PushedAt     time.Time  `json:"pushed_at"`
	Downloads    int64      `json:"downloads"`
	LastPulled   *time.Time `json:"last_pulled,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	OS           string     `json:"os"`
	Architecture string     `json:"architecture"`
	Variant      string     `json:"variant,omitempty"`
	Layers       []LayerInfo `json:"layers,omitempty"`
}

// extractMetadata derives the sidecar metadata from manifest bytes.
// Index documents sum the per-platform manifest sizes and take the
// platform of the first entry; single-arch manifests sum their layers
// and read os/arch from the referenced config blob when it is already
// stored locally.
func (h *Handler) extractMetadata(ctx context.Context, name string, manifest []byte) *ImageMetadata {
	meta := &ImageMetadata{
		PushedAt:     time.Now().UTC(),
		OS:           "unknown",
		Architecture: "unknown",
	}

	var idx ocispec.Index
	if err := json.Unmarshal(manifest, &idx); err == nil && len(idx.Manifests) > 0 {
		for _, desc := range idx.Manifests {
			meta.SizeBytes += desc.Size
		}
		if p := idx.Manifests[0].Platform; p != nil && p.OS != "" {
			meta.OS = p.OS
			meta.Architecture = p.Architecture
			meta.Variant = p.Variant
		} else {
			meta.OS = "multi-arch"
			meta.Architecture = "multi"
		}
		return meta
	}

	var m ocispec.Manifest
	if err := json.Unmarshal(manifest, &m); err != nil || len(m.Layers) == 0 {
		return meta
	}
	for _, layer := range m.Layers {
		meta.SizeBytes += layer.Size
		meta.Layers = append(meta.Layers, LayerInfo{
			Digest: layer.Digest.String(),
			Size:   layer.Size,
		})
	}
	if m.Config.Digest != "" {
		if cfgBytes, err := h.deps.Store.Get(ctx, blobKey(name, m.Config.Digest.String())); err == nil {
			var img ocispec.Image
			if json.Unmarshal(cfgBytes, &img) == nil {
				if img.OS != "" {
					meta.OS = img.OS
				}
				if img.Architecture != "" {
					meta.Architecture = img.Architecture
				}
				meta.Variant = img.Variant
			}
		}
	}
	return meta
}

// DetectMediaType infers the content type of a manifest document. An
// explicit mediaType field wins; otherwise the document shape decides.
func DetectMediaType(manifest []byte) string {
	var probe struct {
		MediaType     string          `json:"mediaType"`
		SchemaVersion int             `json:"schemaVersion"`
		Manifests     json.RawMessage `json:"manifests"`
		Config        json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(manifest, &probe); err != nil {
		return MediaTypeDockerManifest
	}
	switch {
	case probe.MediaType != "":
		return probe.MediaType
	case probe.SchemaVersion == 1:
		return MediaTypeDockerManifestV1
	case len(probe.Manifests) > 0:
		return ocispec.MediaTypeImageIndex
	default:
		return MediaTypeDockerManifest
	}
}
