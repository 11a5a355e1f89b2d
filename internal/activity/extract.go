// Package activity holds the two pipeline steps: extracting structural
// metadata from an uploaded image and persisting it.
package activity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"path"

	// Register the decoders for the accepted upload formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/snapmeta/snapmeta/internal/blob"
	"github.com/snapmeta/snapmeta/pkg/api"
)

// Extractor downloads an uploaded blob and reads its image header.
type Extractor struct {
	blobs blob.Store
}

func NewExtractor(blobs blob.Store) *Extractor {
	return &Extractor{blobs: blobs}
}

// Extract is the extract-metadata activity body. Input is the api.BlobRef of
// the uploaded object; output is the api.ImageMetadata read from its header.
//
// The result is a pure function of the blob content: the same bytes always
// produce the same metadata, which keeps replays after a crash consistent.
// UploadedAt is left zero and stamped at store time.
func (e *Extractor) Extract(ctx context.Context, input any) (any, error) {
	ref, ok := input.(api.BlobRef)
	if !ok {
		return nil, api.Permanentf("extract-metadata: input is %T, want api.BlobRef", input)
	}

	data, err := e.blobs.ReadBytes(ctx, ref)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// The object is gone; no number of retries brings it back.
			return nil, api.Permanent(err)
		}
		return nil, fmt.Errorf("download %s: %w", ref, err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", api.ErrUnsupportedFormat, ref, err)
	}
	normalized, ok := formatNames[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s is %q", api.ErrUnsupportedFormat, ref, format)
	}

	return api.ImageMetadata{
		FileName:   path.Base(ref.Name),
		FileSizeKB: sizeKB(len(data)),
		Format:     normalized,
		Width:      cfg.Width,
		Height:     cfg.Height,
	}, nil
}

// formatNames maps the stdlib decoder names onto the canonical upper-case
// identifiers the metadata table stores.
var formatNames = map[string]string{
	"jpeg": "JPEG",
	"png":  "PNG",
	"gif":  "GIF",
}

// sizeKB converts a byte count to kilobytes, rounded half up. 2,048,000
// bytes is reported as 2000.
func sizeKB(n int) int {
	return int(math.Round(float64(n) / 1024.0))
}
