// Package blob abstracts the blob-store collaborator the extractor reads
// uploaded objects from.
package blob

import (
	"context"
	"errors"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// ErrNotFound is returned when the referenced object does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the read interface consumed by the extract activity.
type Store interface {
	// ReadBytes returns the full content of the referenced object.
	// It fails with ErrNotFound for missing objects; any other error is an
	// I/O failure and eligible for retry.
	ReadBytes(ctx context.Context, ref api.BlobRef) ([]byte, error)
}
