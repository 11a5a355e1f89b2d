package activity

import (
	"context"
	"errors"
	"fmt"

	"github.com/snapmeta/snapmeta/internal/blob"
	"github.com/snapmeta/snapmeta/internal/metastore"
	"github.com/snapmeta/snapmeta/pkg/api"
)

// Storer persists extracted metadata into the metadata store.
type Storer struct {
	meta metastore.Store
}

func NewStorer(meta metastore.Store) *Storer {
	return &Storer{meta: meta}
}

// Store is the store-metadata activity body. Input is the api.ImageMetadata
// produced by Extract; the write is keyed by instance id and file name, so a
// replayed delivery of the same invocation is a no-op.
func (s *Storer) Store(ctx context.Context, input any) (any, error) {
	md, ok := input.(api.ImageMetadata)
	if !ok {
		return nil, api.Permanentf("store-metadata: input is %T, want api.ImageMetadata", input)
	}

	ac, ok := api.ActivityContextFrom(ctx)
	if !ok {
		return nil, api.Permanentf("store-metadata: missing activity context")
	}
	key := ac.InstanceID + ":" + md.FileName

	if err := s.meta.Upsert(ctx, key, md); err != nil {
		if errors.Is(err, metastore.ErrConstraint) {
			return nil, api.Permanent(err)
		}
		return nil, fmt.Errorf("store metadata for %s: %w", md.FileName, err)
	}
	return md, nil
}

// RegisterPipeline wires the two pipeline activities into the engine.
func RegisterPipeline(eng api.Engine, blobs blob.Store, meta metastore.Store) error {
	if err := eng.RegisterActivity(api.ActivityExtractMetadata, NewExtractor(blobs).Extract); err != nil {
		return err
	}
	return eng.RegisterActivity(api.ActivityStoreMetadata, NewStorer(meta).Store)
}
