package backup

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/devitway/nora/internal/storage"
)

// migrateWorkers bounds the concurrent key copies.
const migrateWorkers = 8

// MigrateStats summarizes one migration run.
type MigrateStats struct {
	TotalKeys  int
	Migrated   int64
	Skipped    int64
	Failed     int64
	TotalBytes int64
}

// Migrate copies every key from src to dst. Keys already present in
// dst are skipped so interrupted runs can be resumed. With dryRun set
// nothing is written; the stats report what a real run would do.
func Migrate(ctx context.Context, src, dst storage.Backend, dryRun bool, logger *logrus.Logger) (*MigrateStats, error) {
	keys, err := src.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list source keys: %w", err)
	}
	stats := &MigrateStats{TotalKeys: len(keys)}

	var migrated, skipped, failed, totalBytes atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(migrateWorkers)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			if _, err := dst.Stat(gctx, key); err == nil {
				skipped.Add(1)
				return nil
			}

			data, err := src.Get(gctx, key)
			if err != nil {
				failed.Add(1)
				logger.WithError(err).WithField("key", key).Warn("failed to read source key")
				return nil
			}
			if !dryRun {
				if err := dst.Put(gctx, key, data); err != nil {
					failed.Add(1)
					logger.WithError(err).WithField("key", key).Warn("failed to write destination key")
					return nil
				}
			}
			migrated.Add(1)
			totalBytes.Add(int64(len(data)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats.Migrated = migrated.Load()
	stats.Skipped = skipped.Load()
	stats.Failed = failed.Load()
	stats.TotalBytes = totalBytes.Load()
	logger.WithFields(logrus.Fields{
		"total":    stats.TotalKeys,
		"migrated": stats.Migrated,
		"skipped":  stats.Skipped,
		"failed":   stats.Failed,
		"dry_run":  dryRun,
	}).Info("migration complete")
	return stats, nil
}
