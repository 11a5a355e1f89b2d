// Package metastore persists extracted image metadata. It is the downstream
// system of record the pipeline exists to fill; the engine's own state lives
// in internal/persistence.
package metastore

import (
	"context"
	"errors"
	"time"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// ErrConstraint is returned when a write violates a schema constraint other
// than the idempotency key. Such writes cannot succeed on retry.
var ErrConstraint = errors.New("metadata constraint violation")

// Row is one persisted metadata record.
type Row struct {
	ID             int64
	IdempotencyKey string
	api.ImageMetadata
}

// Store is the write interface consumed by the store-metadata activity.
//
// Upsert must be idempotent on key: the first call inserts, every later call
// with the same key is a no-op. The engine dispatches activities
// at-least-once, so a crash between the side effect and the history append
// replays the write with the same key.
type Store interface {
	Upsert(ctx context.Context, key string, md api.ImageMetadata) error
	List(ctx context.Context) ([]Row, error)
}

// stamp fills a zero UploadedAt so every stored row carries a timestamp even
// when the extractor left it unset.
func stamp(md api.ImageMetadata) api.ImageMetadata {
	if md.UploadedAt.IsZero() {
		md.UploadedAt = time.Now().UTC()
	}
	return md
}

func timeFromNanos(n int64) time.Time {
	return time.Unix(0, n)
}
