package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snapmeta/snapmeta/internal/persistence"
	"github.com/snapmeta/snapmeta/pkg/api"
)

// sharedMemory lets a test seed stores directly and then drive them through
// a fresh engine, simulating a process that crashed and restarted.
type sharedMemory struct {
	store *persistence.InMemoryStore
}

func newSharedMemory() *sharedMemory {
	return &sharedMemory{store: persistence.NewInMemoryStore()}
}

func (m *sharedMemory) persistence() persistence.Persistence {
	return persistence.Persistence{Instances: m.store, History: m.store}
}

func (m *sharedMemory) seedInstance(t *testing.T, ev api.UploadEvent) *api.OrchestrationInstance {
	t.Helper()
	inst := &api.OrchestrationInstance{
		ID:        api.InstanceKey(ev),
		Status:    api.StatusRunning,
		Input:     ev,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	return inst
}

func (m *sharedMemory) seedHistory(t *testing.T, events ...api.HistoryEvent) {
	t.Helper()
	for _, ev := range events {
		if err := m.store.Append(context.Background(), ev); err != nil {
			t.Fatalf("Append(seq=%d) failed: %v", ev.Sequence, err)
		}
	}
}

func TestRecover_CompletedActivityIsNotReExecuted(t *testing.T) {
	ctx := context.Background()
	mem := newSharedMemory()

	// Crashed after extract completed, before store was scheduled.
	inst := mem.seedInstance(t, uploadFixture())
	full := fullHistory()
	for i := range full[:3] {
		full[i].InstanceID = inst.ID
	}
	mem.seedHistory(t, full[0], full[1], full[2])

	eng := NewEngineWithConfig(Config{Persistence: mem.persistence()})

	var extractCalls, storeCalls atomic.Int32
	registerFakePipeline(t, eng, &extractCalls, &storeCalls, nil, nil)

	done, err := eng.RunInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("RunInstance failed: %v", err)
	}
	if done.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", done.Status)
	}
	if extractCalls.Load() != 0 {
		t.Fatalf("extract re-executed %d times after its outcome was already recorded", extractCalls.Load())
	}
	if storeCalls.Load() != 1 {
		t.Fatalf("expected exactly one store call, got %d", storeCalls.Load())
	}
}

func TestRecover_PendingScheduleReissuesWithoutDuplicateEvent(t *testing.T) {
	ctx := context.Background()
	mem := newSharedMemory()

	// Crashed after scheduling extract, before any outcome.
	inst := mem.seedInstance(t, uploadFixture())
	full := fullHistory()
	for i := range full[:2] {
		full[i].InstanceID = inst.ID
	}
	mem.seedHistory(t, full[0], full[1])

	eng := NewEngineWithConfig(Config{Persistence: mem.persistence()})

	var extractCalls, storeCalls atomic.Int32
	registerFakePipeline(t, eng, &extractCalls, &storeCalls, nil, nil)

	done, err := eng.RunInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("RunInstance failed: %v", err)
	}
	if done.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", done.Status)
	}
	if extractCalls.Load() != 1 {
		t.Fatalf("expected extract to run once, got %d", extractCalls.Load())
	}

	history, err := eng.History(ctx, inst.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	scheduled := 0
	for _, ev := range history {
		if ev.Kind == api.EventActivityScheduled && ev.Activity == api.ActivityExtractMetadata {
			scheduled++
		}
	}
	if scheduled != 1 {
		t.Fatalf("re-issue wrote a duplicate scheduled event: %d", scheduled)
	}
}

func TestRecover_MissingStartedEventIsHealedFromInput(t *testing.T) {
	ctx := context.Background()
	mem := newSharedMemory()

	// Crashed after creating the instance row, before the started event.
	inst := mem.seedInstance(t, uploadFixture())

	eng := NewEngineWithConfig(Config{Persistence: mem.persistence()})

	var extractCalls, storeCalls atomic.Int32
	registerFakePipeline(t, eng, &extractCalls, &storeCalls, nil, nil)

	done, err := eng.RunInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("RunInstance failed: %v", err)
	}
	if done.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", done.Status)
	}

	history, err := eng.History(ctx, inst.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) == 0 || history[0].Kind != api.EventInstanceStarted {
		t.Fatalf("started event not healed: %+v", history)
	}
}

func TestRecover_TerminalHistoryReconcilesInstanceRow(t *testing.T) {
	ctx := context.Background()
	mem := newSharedMemory()

	// Crashed after the terminal event was appended but before the row
	// update: history says completed, row still says running.
	inst := mem.seedInstance(t, uploadFixture())
	full := fullHistory()
	for i := range full {
		full[i].InstanceID = inst.ID
	}
	mem.seedHistory(t, full...)

	eng := NewEngineWithConfig(Config{Persistence: mem.persistence()})

	var extractCalls, storeCalls atomic.Int32
	registerFakePipeline(t, eng, &extractCalls, &storeCalls, nil, nil)

	done, err := eng.RunInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("RunInstance failed: %v", err)
	}
	if done.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED after reconciliation, got %q", done.Status)
	}
	if done.Output == nil || done.Output.FileName != "cat.jpg" {
		t.Fatalf("output not reconciled from history: %+v", done.Output)
	}
	if extractCalls.Load() != 0 || storeCalls.Load() != 0 {
		t.Fatalf("no activity may run for terminal history: extract=%d store=%d", extractCalls.Load(), storeCalls.Load())
	}
}
