// Package backup archives the full storage key space into a gzipped
// tar stream and restores it, and migrates keys between backends.
package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/sirupsen/logrus"

	"github.com/devitway/nora/internal/storage"
	"github.com/devitway/nora/pkg/version"
)

// manifestName is the archive entry holding the backup description.
// It is written last and skipped on restore.
const manifestName = "metadata.json"

// Manifest describes an archive.
type Manifest struct {
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	ArtifactCount  int       `json:"artifact_count"`
	TotalBytes     int64     `json:"total_bytes"`
	StorageBackend string    `json:"storage_backend"`
}

// Create streams every stored key into w as a gzipped tar archive.
func Create(ctx context.Context, store storage.Backend, w io.Writer, logger *logrus.Logger) (*Manifest, error) {
	keys, err := store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list storage keys: %w", err)
	}

	gz := pgzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	manifest := &Manifest{
		Version:        version.Version,
		CreatedAt:      time.Now().UTC(),
		StorageBackend: store.BackendName(),
	}
	for _, key := range keys {
		data, err := store.Get(ctx, key)
		if err != nil {
			if storage.IsNotFound(err) {
				logger.WithField("key", key).Warn("key disappeared during backup")
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		if err := writeEntry(tw, key, data); err != nil {
			return nil, err
		}
		manifest.ArtifactCount++
		manifest.TotalBytes += int64(len(data))
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode backup manifest: %w", err)
	}
	if err := writeEntry(tw, manifestName, manifestBytes); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize compression: %w", err)
	}
	return manifest, nil
}

// Restore replays an archive created by Create into the store. Existing
// keys are overwritten; the embedded manifest entry is skipped.
func Restore(ctx context.Context, store storage.Backend, r io.Reader, logger *logrus.Logger) (int, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	restored := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("failed to read archive entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || hdr.Name == manifestName {
			continue
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return restored, fmt.Errorf("failed to read %s: %w", hdr.Name, err)
		}
		if err := store.Put(ctx, hdr.Name, buf.Bytes()); err != nil {
			return restored, fmt.Errorf("failed to restore %s: %w", hdr.Name, err)
		}
		restored++
	}
	logger.WithField("keys", restored).Info("restore complete")
	return restored, nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
