package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Local stores objects as plain files under a base directory. Keys map
// directly to relative file paths.
type Local struct {
	base   string
	logger *logrus.Entry
}

// NewLocal creates a filesystem backend rooted at base, creating the
// directory if needed.
func NewLocal(base string, logger *logrus.Logger) (*Local, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, newError(KindIO, "init", base, err)
	}
	return &Local{
		base:   base,
		logger: logger.WithField("component", "storage.local"),
	}, nil
}

// Put writes data to the file for key, creating parent directories.
func (l *Local) Put(_ context.Context, key string, data []byte) error {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return newError(KindIO, "put", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return newError(KindIO, "put", key, err)
	}
	return nil
}

// Get reads the file for key.
func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindNotFound, "get", key, err)
		}
		return nil, newError(KindIO, "get", key, err)
	}
	return data, nil
}

// Delete removes the file for key.
func (l *Local) Delete(_ context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil {
		if os.IsNotExist(err) {
			return newError(KindNotFound, "delete", key, err)
		}
		return newError(KindIO, "delete", key, err)
	}
	return nil
}

// List walks the tree under base and returns all keys with the given
// prefix in sorted order.
func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := filepath.WalkDir(l.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, newError(KindIO, "list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Stat returns file size and modification time for key.
func (l *Local) Stat(_ context.Context, key string) (Metadata, error) {
	info, err := os.Stat(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, newError(KindNotFound, "stat", key, err)
		}
		return Metadata{}, newError(KindIO, "stat", key, err)
	}
	return Metadata{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// HealthCheck reports whether the base directory exists or can be
// created.
func (l *Local) HealthCheck(_ context.Context) bool {
	if info, err := os.Stat(l.base); err == nil {
		return info.IsDir()
	}
	if err := os.MkdirAll(l.base, 0o755); err != nil {
		l.logger.WithError(err).Warn("base directory unavailable")
		return false
	}
	return true
}

// BackendName identifies the backend variant
func (l *Local) BackendName() string { return "local" }

func (l *Local) path(key string) string {
	return filepath.Join(l.base, filepath.FromSlash(key))
}
