package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hairswap/internal/domain"
	"hairswap/internal/infra"
	"hairswap/internal/metrics"
)

// LocalScheme marks URLs of objects that only exist in the fallback store.
const LocalScheme = "local://"

// Blob is a durable URL-addressable object backend.
type Blob interface {
	Name() string
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Ping(ctx context.Context) error
}

// Object describes the outcome of an upload.
type Object struct {
	Key     string
	URL     string
	Durable bool
	// Cause holds the durable-store failure when Durable is false.
	Cause error
}

// Assets uploads to the durable backend and degrades to local:// references
// in the fallback store when the durable backend cannot be reached.
type Assets struct {
	durable  Blob
	fallback *FileStore
	logger   *infra.Logger
}

// NewAssets builds the asset store. durable may be nil, in which case every
// upload lands in the fallback store.
func NewAssets(durable Blob, fallback *FileStore, logger *infra.Logger) *Assets {
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Assets{durable: durable, fallback: fallback, logger: logger}
}

// BackendName names the durable backend, or "none".
func (a *Assets) BackendName() string {
	if a.durable == nil {
		return "none"
	}
	return a.durable.Name()
}

// Upload stores data under key. Durable-store faults are not returned as
// errors: the object is written to the fallback store and reported with a
// local:// URL and Durable=false. An error is returned only when the
// fallback write fails too or ctx is done.
func (a *Assets) Upload(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return Object{}, err
	}

	var cause error
	if a.durable != nil {
		url, err := a.durable.Put(ctx, cleanKey, data, contentType)
		if err == nil {
			metrics.AssetUploadsTotal.WithLabelValues(a.durable.Name(), "durable").Inc()
			return Object{Key: cleanKey, URL: url, Durable: true}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Object{}, ctxErr
		}
		cause = fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, a.durable.Name(), err)
	} else {
		cause = fmt.Errorf("%w: no durable backend configured", domain.ErrStoreUnavailable)
	}

	if a.fallback == nil {
		metrics.AssetUploadsTotal.WithLabelValues(a.BackendName(), "error").Inc()
		return Object{}, cause
	}
	if _, err := a.fallback.Write(ctx, cleanKey, data); err != nil {
		metrics.AssetUploadsTotal.WithLabelValues(a.BackendName(), "error").Inc()
		return Object{}, errors.Join(cause, err)
	}
	metrics.AssetUploadsTotal.WithLabelValues(a.BackendName(), "fallback").Inc()
	a.logger.Warn().Err(cause).Str("key", cleanKey).Msg("storage: durable upload failed; stored locally")
	return Object{Key: cleanKey, URL: LocalScheme + cleanKey, Durable: false, Cause: cause}, nil
}

// Ping checks the durable backend. It returns ErrStoreUnavailable when no
// durable backend is configured.
func (a *Assets) Ping(ctx context.Context) error {
	if a.durable == nil {
		return fmt.Errorf("%w: no durable backend configured", domain.ErrStoreUnavailable)
	}
	return a.durable.Ping(ctx)
}

// Configured reports whether a durable backend is present.
func (a *Assets) Configured() bool {
	return a.durable != nil
}

// Fallback exposes the local fallback store.
func (a *Assets) Fallback() *FileStore {
	return a.fallback
}

// IsLocal reports whether url points into the fallback store.
func IsLocal(url string) bool {
	return strings.HasPrefix(url, LocalScheme)
}
