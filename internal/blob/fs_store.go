package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// FSStore is a Store backed by a local directory. Objects live at
// <root>/<container>/<name>, which is also the layout the host's ingest
// command writes into.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

func (s *FSStore) ReadBytes(ctx context.Context, ref api.BlobRef) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, err
	}
	return data, nil
}

// WriteBytes stores content under the reference, creating the container
// directory if needed. Used by the host to ingest local files.
func (s *FSStore) WriteBytes(ctx context.Context, ref api.BlobRef, data []byte) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// path resolves a reference inside the root, rejecting references that would
// escape it.
func (s *FSStore) path(ref api.BlobRef) (string, error) {
	if ref.Container == "" || ref.Name == "" {
		return "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	joined := filepath.Join(s.root, ref.Container, filepath.FromSlash(ref.Name))
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("reference %s escapes store root", ref)
	}
	return joined, nil
}
