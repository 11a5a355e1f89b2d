package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snapmeta/snapmeta/pkg/api"
)

type engineFactory func(t *testing.T) api.Engine

func inMemoryEngine(t *testing.T) api.Engine {
	t.Helper()
	return NewInMemoryEngine()
}

func sqliteEngine(t *testing.T) api.Engine {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	eng, err := NewSQLiteEngine(db)
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	return eng
}

func allEngines() map[string]engineFactory {
	return map[string]engineFactory{
		"in-memory": inMemoryEngine,
		"sqlite":    sqliteEngine,
	}
}

// registerFakePipeline wires counting fake activities into eng. extractErr
// and storeErr, when non-nil, are returned by every call of the respective
// activity.
func registerFakePipeline(t *testing.T, eng api.Engine, extractCalls, storeCalls *atomic.Int32, extractErr, storeErr error) {
	t.Helper()

	md := metadataFixture()

	err := eng.RegisterActivity(api.ActivityExtractMetadata, func(ctx context.Context, input any) (any, error) {
		extractCalls.Add(1)
		if extractErr != nil {
			return nil, extractErr
		}
		if _, ok := input.(api.BlobRef); !ok {
			t.Errorf("extract input is %T, want BlobRef", input)
		}
		return md, nil
	})
	if err != nil {
		t.Fatalf("RegisterActivity(extract) failed: %v", err)
	}

	err = eng.RegisterActivity(api.ActivityStoreMetadata, func(ctx context.Context, input any) (any, error) {
		storeCalls.Add(1)
		if storeErr != nil {
			return nil, storeErr
		}
		in, ok := input.(api.ImageMetadata)
		if !ok {
			t.Errorf("store input is %T, want ImageMetadata", input)
		}
		return in, nil
	})
	if err != nil {
		t.Fatalf("RegisterActivity(store) failed: %v", err)
	}
}

func TestEngine_PipelineCompletes(t *testing.T) {
	for name, factory := range allEngines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)

			var extractCalls, storeCalls atomic.Int32
			registerFakePipeline(t, eng, &extractCalls, &storeCalls, nil, nil)

			inst, err := eng.SubmitUpload(ctx, uploadFixture())
			if err != nil {
				t.Fatalf("SubmitUpload failed: %v", err)
			}

			done, err := eng.RunInstance(ctx, inst.ID)
			if err != nil {
				t.Fatalf("RunInstance failed: %v", err)
			}
			if done.Status != api.StatusCompleted {
				t.Fatalf("expected COMPLETED, got %q (reason %q)", done.Status, done.Reason)
			}
			if done.Output == nil || done.Output.Width != 1920 || done.Output.Format != "JPEG" {
				t.Fatalf("unexpected output %+v", done.Output)
			}
			if extractCalls.Load() != 1 || storeCalls.Load() != 1 {
				t.Fatalf("activities called extract=%d store=%d, want 1/1", extractCalls.Load(), storeCalls.Load())
			}

			history, err := eng.History(ctx, inst.ID)
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}
			wantKinds := []api.EventKind{
				api.EventInstanceStarted,
				api.EventActivityScheduled,
				api.EventActivityCompleted,
				api.EventActivityScheduled,
				api.EventActivityCompleted,
				api.EventInstanceCompleted,
			}
			if len(history) != len(wantKinds) {
				t.Fatalf("expected %d events, got %d: %+v", len(wantKinds), len(history), history)
			}
			for i, want := range wantKinds {
				if history[i].Kind != want {
					t.Fatalf("event %d: got %q, want %q", i, history[i].Kind, want)
				}
			}
		})
	}
}

func TestEngine_TriggerDedup(t *testing.T) {
	for name, factory := range allEngines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)

			var extractCalls, storeCalls atomic.Int32
			registerFakePipeline(t, eng, &extractCalls, &storeCalls, nil, nil)

			first, err := eng.SubmitUpload(ctx, uploadFixture())
			if err != nil {
				t.Fatalf("first SubmitUpload failed: %v", err)
			}
			second, err := eng.SubmitUpload(ctx, uploadFixture())
			if err != nil {
				t.Fatalf("second SubmitUpload failed: %v", err)
			}
			if first.ID != second.ID {
				t.Fatalf("re-delivered event created a second instance: %q vs %q", first.ID, second.ID)
			}

			all, err := eng.ListInstances(ctx, api.InstanceListOptions{})
			if err != nil {
				t.Fatalf("ListInstances failed: %v", err)
			}
			if len(all) != 1 {
				t.Fatalf("expected exactly one instance, got %d", len(all))
			}

			history, err := eng.History(ctx, first.ID)
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}
			started := 0
			for _, ev := range history {
				if ev.Kind == api.EventInstanceStarted {
					started++
				}
			}
			if started != 1 {
				t.Fatalf("expected exactly one started event, got %d", started)
			}
		})
	}
}

func TestEngine_RejectsNonImageUpload(t *testing.T) {
	for name, factory := range allEngines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)

			ev := uploadFixture()
			ev.BlobName = "doc.pdf"

			_, err := eng.SubmitUpload(ctx, ev)
			if !errors.Is(err, api.ErrRejected) {
				t.Fatalf("expected ErrRejected, got %v", err)
			}

			all, err := eng.ListInstances(ctx, api.InstanceListOptions{})
			if err != nil {
				t.Fatalf("ListInstances failed: %v", err)
			}
			if len(all) != 0 {
				t.Fatalf("rejected upload must create no instance, got %d", len(all))
			}
		})
	}
}

func TestEngine_TransientFailureRetriesWithoutHistoryNoise(t *testing.T) {
	for name, factory := range allEngines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)

			md := metadataFixture()
			var extractCalls atomic.Int32

			err := eng.RegisterActivity(api.ActivityExtractMetadata, func(ctx context.Context, input any) (any, error) {
				if extractCalls.Add(1) == 1 {
					return nil, errors.New("download timed out")
				}
				return md, nil
			})
			if err != nil {
				t.Fatalf("RegisterActivity failed: %v", err)
			}
			err = eng.RegisterActivity(api.ActivityStoreMetadata, func(ctx context.Context, input any) (any, error) {
				return input, nil
			})
			if err != nil {
				t.Fatalf("RegisterActivity failed: %v", err)
			}

			inst, err := eng.SubmitUpload(ctx, uploadFixture())
			if err != nil {
				t.Fatalf("SubmitUpload failed: %v", err)
			}

			done, err := eng.RunInstance(ctx, inst.ID)
			if err != nil {
				t.Fatalf("RunInstance failed: %v", err)
			}
			if done.Status != api.StatusCompleted {
				t.Fatalf("expected COMPLETED, got %q", done.Status)
			}
			if extractCalls.Load() != 2 {
				t.Fatalf("expected 2 extract attempts, got %d", extractCalls.Load())
			}

			// Only the terminal outcome is recorded: one completed event for
			// extract, no failed event for a successful eventual outcome.
			history, err := eng.History(ctx, inst.ID)
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}
			var extractCompleted, extractFailed int
			for _, ev := range history {
				if ev.Activity != api.ActivityExtractMetadata {
					continue
				}
				switch ev.Kind {
				case api.EventActivityCompleted:
					extractCompleted++
				case api.EventActivityFailed:
					extractFailed++
				}
			}
			if extractCompleted != 1 || extractFailed != 0 {
				t.Fatalf("history noise: completed=%d failed=%d", extractCompleted, extractFailed)
			}
		})
	}
}

func TestEngine_PermanentStoreFailureFailsWithoutRetry(t *testing.T) {
	for name, factory := range allEngines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)

			var extractCalls, storeCalls atomic.Int32
			storeErr := api.Permanent(errors.New("constraint violation: ImageMetadata.IdempotencyKey"))
			registerFakePipeline(t, eng, &extractCalls, &storeCalls, nil, storeErr)

			inst, err := eng.SubmitUpload(ctx, uploadFixture())
			if err != nil {
				t.Fatalf("SubmitUpload failed: %v", err)
			}

			done, err := eng.RunInstance(ctx, inst.ID)
			if err != nil {
				t.Fatalf("RunInstance failed: %v", err)
			}
			if done.Status != api.StatusFailed {
				t.Fatalf("expected FAILED, got %q", done.Status)
			}
			if done.Reason == "" {
				t.Fatal("failed instance must carry a reason")
			}
			if storeCalls.Load() != 1 {
				t.Fatalf("permanent failure must not be retried, got %d calls", storeCalls.Load())
			}
		})
	}
}

func TestEngine_RunTerminalInstanceIsNoop(t *testing.T) {
	for name, factory := range allEngines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)

			var extractCalls, storeCalls atomic.Int32
			registerFakePipeline(t, eng, &extractCalls, &storeCalls, nil, nil)

			inst, err := eng.SubmitUpload(ctx, uploadFixture())
			if err != nil {
				t.Fatalf("SubmitUpload failed: %v", err)
			}
			if _, err := eng.RunInstance(ctx, inst.ID); err != nil {
				t.Fatalf("RunInstance failed: %v", err)
			}

			before, err := eng.History(ctx, inst.ID)
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}

			again, err := eng.RunInstance(ctx, inst.ID)
			if err != nil {
				t.Fatalf("second RunInstance failed: %v", err)
			}
			if again.Status != api.StatusCompleted {
				t.Fatalf("expected COMPLETED, got %q", again.Status)
			}

			after, err := eng.History(ctx, inst.ID)
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}
			if len(after) != len(before) {
				t.Fatalf("re-running a terminal instance grew history: %d -> %d", len(before), len(after))
			}
			if extractCalls.Load() != 1 || storeCalls.Load() != 1 {
				t.Fatalf("activities re-executed: extract=%d store=%d", extractCalls.Load(), storeCalls.Load())
			}
		})
	}
}

func TestEngine_RetryPolicyExhaustionFailsInstance(t *testing.T) {
	ctx := context.Background()

	mem := newSharedMemory()
	eng := NewEngineWithConfig(Config{
		Persistence: mem.persistence(),
		RetryPolicy: api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	})

	var extractCalls atomic.Int32
	if err := eng.RegisterActivity(api.ActivityExtractMetadata, func(ctx context.Context, input any) (any, error) {
		extractCalls.Add(1)
		return nil, errors.New("blob store unreachable")
	}); err != nil {
		t.Fatalf("RegisterActivity failed: %v", err)
	}
	if err := eng.RegisterActivity(api.ActivityStoreMetadata, func(ctx context.Context, input any) (any, error) {
		t.Error("store must not run after extract failed")
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterActivity failed: %v", err)
	}

	inst, err := eng.SubmitUpload(ctx, uploadFixture())
	if err != nil {
		t.Fatalf("SubmitUpload failed: %v", err)
	}

	done, err := eng.RunInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("RunInstance failed: %v", err)
	}
	if done.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %q", done.Status)
	}
	if extractCalls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", extractCalls.Load())
	}
}
