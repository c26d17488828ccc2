package storage

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/devitway/nora/internal/metrics"
	"github.com/devitway/nora/internal/validation"
	"github.com/devitway/nora/pkg/config"
)

// New builds the backend selected by the configuration and wraps it
// with key validation. This is the only constructor the rest of the
// system should use.
func New(cfg config.StorageConfig, logger *logrus.Logger) (Backend, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Mode {
	case "local", "":
		backend, err = NewLocal(cfg.Path, logger)
	case "s3":
		backend, err = NewS3(S3Options{
			Endpoint:  cfg.S3URL,
			Bucket:    cfg.Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return WithValidation(backend), nil
}

// WithValidation wraps a backend so that every key is validated before
// the call is delegated, and every operation outcome is recorded in
// the storage metrics. Wrapping an already validated backend returns
// it unchanged, so each operation is counted once.
func WithValidation(b Backend) Backend {
	if _, ok := b.(*validated); ok {
		return b
	}
	return &validated{inner: b}
}

type validated struct {
	inner Backend
}

func (v *validated) Put(ctx context.Context, key string, data []byte) error {
	if err := validation.StorageKey(key); err != nil {
		metrics.RecordStorageOperation("put", false)
		return newError(KindValidation, "put", key, err)
	}
	err := v.inner.Put(ctx, key, data)
	metrics.RecordStorageOperation("put", err == nil)
	return err
}

func (v *validated) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validation.StorageKey(key); err != nil {
		metrics.RecordStorageOperation("get", false)
		return nil, newError(KindValidation, "get", key, err)
	}
	data, err := v.inner.Get(ctx, key)
	metrics.RecordStorageOperation("get", err == nil || IsNotFound(err))
	return data, err
}

func (v *validated) Delete(ctx context.Context, key string) error {
	if err := validation.StorageKey(key); err != nil {
		metrics.RecordStorageOperation("delete", false)
		return newError(KindValidation, "delete", key, err)
	}
	err := v.inner.Delete(ctx, key)
	metrics.RecordStorageOperation("delete", err == nil || IsNotFound(err))
	return err
}

func (v *validated) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := v.inner.List(ctx, prefix)
	metrics.RecordStorageOperation("list", err == nil)
	return keys, err
}

func (v *validated) Stat(ctx context.Context, key string) (Metadata, error) {
	if err := validation.StorageKey(key); err != nil {
		metrics.RecordStorageOperation("stat", false)
		return Metadata{}, newError(KindValidation, "stat", key, err)
	}
	md, err := v.inner.Stat(ctx, key)
	metrics.RecordStorageOperation("stat", err == nil || IsNotFound(err))
	return md, err
}

func (v *validated) HealthCheck(ctx context.Context) bool {
	return v.inner.HealthCheck(ctx)
}

func (v *validated) BackendName() string {
	return v.inner.BackendName()
}
