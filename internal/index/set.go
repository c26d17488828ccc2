package index

import "strings"

// Set bundles one RegistryIndex per supported registry.
type Set struct {
	indexes map[string]*RegistryIndex
}

// NewSet builds the indexes with their per-registry counting rules:
// Docker counts manifests (metadata sidecars excluded), npm counts
// tarballs, Cargo counts crate files, and the rest count every file.
func NewSet() *Set {
	return &Set{indexes: map[string]*RegistryIndex{
		"docker": New("docker", "docker/", func(key string) bool {
			return strings.Contains(key, "/manifests/") &&
				strings.HasSuffix(key, ".json") &&
				!strings.HasSuffix(key, ".meta.json")
		}),
		"maven": New("maven", "maven/", nil),
		"npm": New("npm", "npm/", func(key string) bool {
			return strings.HasSuffix(key, ".tgz")
		}),
		"cargo": New("cargo", "cargo/", func(key string) bool {
			return strings.HasSuffix(key, ".crate")
		}),
		"pypi": New("pypi", "pypi/", nil),
		"raw":  New("raw", "raw/", nil),
	}}
}

// For returns the index for a registry, or nil for unknown names.
func (s *Set) For(registry string) *RegistryIndex {
	return s.indexes[registry]
}

// Invalidate marks the index for a registry stale, if it exists.
func (s *Set) Invalidate(registry string) {
	if idx := s.indexes[registry]; idx != nil {
		idx.Invalidate()
	}
}
