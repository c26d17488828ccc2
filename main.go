package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/devitway/nora/internal/backup"
	"github.com/devitway/nora/internal/server"
	"github.com/devitway/nora/internal/storage"
	"github.com/devitway/nora/pkg/config"
	"github.com/devitway/nora/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "nora",
		Short:   "Multi-protocol artifact registry",
		Version: version.Version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to the configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newBackupCmd(&configPath),
		newRestoreCmd(&configPath),
		newMigrateCmd(&configPath),
	)
	return root
}

func loadConfig(path string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(cfg.LogLevel())
	return cfg, logger, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the registry server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			srv, err := server.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(ctx)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case sig := <-sigCh:
				logger.WithField("signal", sig.String()).Info("signal received")
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newBackupCmd(configPath *string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive all stored artifacts into a .tar.gz file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := storage.New(cfg.Storage, logger)
			if err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create backup file: %w", err)
			}
			defer f.Close()

			manifest, err := backup.Create(cmd.Context(), store, f, logger)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"file":      output,
				"artifacts": manifest.ArtifactCount,
				"bytes":     manifest.TotalBytes,
			}).Info("backup complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "nora-backup.tar.gz", "backup file to write")
	return cmd
}

func newRestoreCmd(configPath *string) *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore artifacts from a backup archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := storage.New(cfg.Storage, logger)
			if err != nil {
				return err
			}

			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("failed to open backup file: %w", err)
			}
			defer f.Close()

			_, err = backup.Restore(cmd.Context(), store, f, logger)
			return err
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "backup file to read")
	cmd.MarkFlagRequired("input")
	return cmd
}

func newMigrateCmd(configPath *string) *cobra.Command {
	var from, to string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy all artifacts between storage backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			srcCfg, dstCfg := cfg.Storage, cfg.Storage
			srcCfg.Mode, dstCfg.Mode = from, to

			src, err := storage.New(srcCfg, logger)
			if err != nil {
				return fmt.Errorf("failed to open source backend: %w", err)
			}
			dst, err := storage.New(dstCfg, logger)
			if err != nil {
				return fmt.Errorf("failed to open destination backend: %w", err)
			}

			_, err = backup.Migrate(cmd.Context(), src, dst, dryRun, logger)
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "local", "source storage mode (local or s3)")
	cmd.Flags().StringVar(&to, "to", "s3", "destination storage mode (local or s3)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be copied without writing")
	return cmd
}
