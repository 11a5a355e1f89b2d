package activity

import (
	"context"
	"errors"
	"testing"

	"github.com/snapmeta/snapmeta/internal/metastore"
	"github.com/snapmeta/snapmeta/pkg/api"
)

func activityCtx(instanceID string, seq int) context.Context {
	return api.WithActivityContext(context.Background(), api.ActivityContext{
		InstanceID: instanceID,
		Sequence:   seq,
		Activity:   api.ActivityStoreMetadata,
	})
}

func storedInput() api.ImageMetadata {
	return api.ImageMetadata{
		FileName:   "cat.jpg",
		FileSizeKB: 2000,
		Format:     "JPEG",
		Width:      1920,
		Height:     1080,
	}
}

func TestStore_WritesRowKeyedByInstanceAndFileName(t *testing.T) {
	meta := metastore.NewMemStore()
	storer := NewStorer(meta)

	out, err := storer.Store(activityCtx("img-1", 4), storedInput())
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, ok := out.(api.ImageMetadata); !ok {
		t.Fatalf("output is %T", out)
	}

	rows, err := meta.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].IdempotencyKey != "img-1:cat.jpg" {
		t.Fatalf("key = %q", rows[0].IdempotencyKey)
	}
	if rows[0].UploadedAt.IsZero() {
		t.Fatalf("UploadedAt not stamped on store")
	}
}

func TestStore_ReplayedDeliveryWritesOnce(t *testing.T) {
	meta := metastore.NewMemStore()
	storer := NewStorer(meta)

	// At-least-once dispatch: the same invocation may be delivered again
	// after a crash, with the same activity context.
	for i := 0; i < 3; i++ {
		if _, err := storer.Store(activityCtx("img-1", 4), storedInput()); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	rows, err := meta.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("replays inserted duplicates: %d rows", len(rows))
	}
}

func TestStore_DistinctInstancesWriteDistinctRows(t *testing.T) {
	meta := metastore.NewMemStore()
	storer := NewStorer(meta)

	if _, err := storer.Store(activityCtx("img-1", 4), storedInput()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, err := storer.Store(activityCtx("img-2", 4), storedInput()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	rows, err := meta.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestStore_MissingActivityContextIsPermanent(t *testing.T) {
	_, err := NewStorer(metastore.NewMemStore()).Store(context.Background(), storedInput())
	if !api.IsPermanent(err) {
		t.Fatalf("missing activity context must be permanent: %v", err)
	}
}

func TestStore_WrongInputTypeIsPermanent(t *testing.T) {
	_, err := NewStorer(metastore.NewMemStore()).Store(activityCtx("img-1", 4), "cat.jpg")
	if !api.IsPermanent(err) {
		t.Fatalf("wrong input type must be permanent: %v", err)
	}
}

type failingMeta struct {
	err error
}

func (f *failingMeta) Upsert(ctx context.Context, key string, md api.ImageMetadata) error {
	return f.err
}

func (f *failingMeta) List(ctx context.Context) ([]metastore.Row, error) { return nil, nil }

func TestStore_ConstraintViolationIsPermanent(t *testing.T) {
	meta := &failingMeta{err: metastore.ErrConstraint}
	_, err := NewStorer(meta).Store(activityCtx("img-1", 4), storedInput())
	if !api.IsPermanent(err) {
		t.Fatalf("constraint violation must be permanent: %v", err)
	}
}

func TestStore_IOFailureIsTransient(t *testing.T) {
	meta := &failingMeta{err: errors.New("database is locked")}
	_, err := NewStorer(meta).Store(activityCtx("img-1", 4), storedInput())
	if err == nil {
		t.Fatal("expected error")
	}
	if api.IsPermanent(err) {
		t.Fatalf("I/O failure must stay retryable: %v", err)
	}
}
