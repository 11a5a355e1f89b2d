package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/snapmeta/snapmeta/internal/dispatch"
	"github.com/snapmeta/snapmeta/internal/persistence"
	"github.com/snapmeta/snapmeta/internal/trigger"
	"github.com/snapmeta/snapmeta/pkg/api"
)

// engineImpl drives orchestration instances by replaying their history
// through the coordinator and dispatching the activities it asks for.
type engineImpl struct {
	instances  persistence.InstanceStore
	history    persistence.HistoryStore
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	listener   *trigger.Listener
	observer   api.Observer
}

// Config describes how to construct an engine. Only used inside this
// package; external callers use the helper constructors.
type Config struct {
	Persistence persistence.Persistence
	RetryPolicy api.RetryPolicy
	Observer    api.Observer
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	policy := cfg.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = api.DefaultRetryPolicy()
	}

	registry := dispatch.NewRegistry()
	return &engineImpl{
		instances:  cfg.Persistence.Instances,
		history:    cfg.Persistence.History,
		registry:   registry,
		dispatcher: dispatch.NewDispatcher(registry, policy, obs),
		listener:   trigger.NewListener(cfg.Persistence, obs),
		observer:   obs,
	}
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() api.Engine {
	return NewInMemoryEngineWithObserver(nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given
// Observer.
func NewInMemoryEngineWithObserver(obs api.Observer) api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: mem, History: mem},
		Observer:    obs,
	})
}

// NewSQLiteEngine returns an Engine that persists instances and history in a
// SQLite database.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	return NewSQLiteEngineWithConfig(db, api.RetryPolicy{}, nil)
}

// NewSQLiteEngineWithConfig returns a SQLite-backed Engine with the given
// retry policy and observer.
func NewSQLiteEngineWithConfig(db *sql.DB, policy api.RetryPolicy, obs api.Observer) (api.Engine, error) {
	inst, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return nil, err
	}
	hist, err := persistence.NewSQLiteHistoryStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: inst, History: hist},
		RetryPolicy: policy,
		Observer:    obs,
	}), nil
}

func (e *engineImpl) RegisterActivity(name string, fn api.ActivityFunc) error {
	return e.registry.Register(name, fn)
}

func (e *engineImpl) SubmitUpload(ctx context.Context, ev api.UploadEvent) (*api.OrchestrationInstance, error) {
	return e.listener.OnUpload(ctx, ev)
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.OrchestrationInstance, error) {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("instance not found: %s", id)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.OrchestrationInstance, error) {
	return e.instances.ListInstances(ctx, persistence.InstanceFilter{
		Status:    opts.Status,
		Container: opts.Container,
	})
}

func (e *engineImpl) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	return e.history.Read(ctx, id)
}

// RunInstance replays the instance history and drives it until a terminal
// status. The loop alternates between the pure coordinator decision and the
// dispatcher's side-effecting invoke; every transition is durably appended
// before the next decision is made. Sequence conflicts from concurrent
// drivers are resolved by re-reading history, never by guessing.
func (e *engineImpl) RunInstance(ctx context.Context, id string) (*api.OrchestrationInstance, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		// Idempotent: driving an already-terminal instance is a no-op.
		return inst, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return inst, err
		}

		history, err := e.history.Read(ctx, id)
		if err != nil {
			return inst, err
		}

		if len(history) == 0 {
			// Crash between instance creation and the started event.
			// Heal from the input stored on the instance row.
			if err := e.appendOrRetry(ctx, api.HistoryEvent{
				InstanceID: id,
				Sequence:   1,
				Kind:       api.EventInstanceStarted,
				Payload:    inst.Input,
				At:         time.Now(),
			}); err != nil {
				return inst, err
			}
			continue
		}

		decision, err := Decide(history)
		if err != nil {
			return inst, fmt.Errorf("instance %s: %w", id, err)
		}

		switch decision.Kind {
		case DecideNone:
			return e.reconcileTerminal(ctx, inst, history)

		case DecideScheduleActivity:
			if !decision.Scheduled {
				err := e.history.Append(ctx, api.HistoryEvent{
					InstanceID: id,
					Sequence:   decision.ScheduleSequence,
					Kind:       api.EventActivityScheduled,
					Activity:   decision.Activity,
					Payload:    decision.Input,
					At:         time.Now(),
				})
				if errors.Is(err, persistence.ErrSequenceConflict) {
					continue
				}
				if err != nil {
					return inst, err
				}
			}

			outcome := e.dispatcher.Invoke(ctx, dispatch.Invocation{
				InstanceID: id,
				Sequence:   decision.ScheduleSequence,
				Activity:   decision.Activity,
				Input:      decision.Input,
			})
			if outcome.Interrupted {
				// Shutdown mid-activity: no outcome is recorded, the
				// instance stays running and is replayed on recovery.
				return inst, outcome.Err
			}

			ev := api.HistoryEvent{
				InstanceID: id,
				Sequence:   decision.ScheduleSequence + 1,
				Activity:   decision.Activity,
				At:         time.Now(),
			}
			if outcome.Err == nil {
				ev.Kind = api.EventActivityCompleted
				ev.Payload = outcome.Output
			} else {
				ev.Kind = api.EventActivityFailed
				ev.Payload = api.ActivityFailure{
					Reason:    outcome.Err.Error(),
					Permanent: outcome.Permanent,
					Attempts:  outcome.Attempts,
				}
			}
			err := e.history.Append(ctx, ev)
			if errors.Is(err, persistence.ErrSequenceConflict) {
				// A concurrent driver recorded this slot first. Its outcome
				// wins; ours was made safe by the idempotency token.
				continue
			}
			if err != nil {
				return inst, err
			}

		case DecideComplete:
			if err := e.appendOrRetry(ctx, api.HistoryEvent{
				InstanceID: id,
				Sequence:   decision.NextSequence,
				Kind:       api.EventInstanceCompleted,
				Payload:    *decision.Result,
				At:         time.Now(),
			}); err != nil {
				return inst, err
			}
			inst.Status = api.StatusCompleted
			inst.Output = decision.Result
			if err := e.instances.UpdateInstance(ctx, inst); err != nil {
				return inst, err
			}
			e.observer.OnInstanceCompleted(ctx, inst)
			return inst, nil

		case DecideFail:
			if err := e.appendOrRetry(ctx, api.HistoryEvent{
				InstanceID: id,
				Sequence:   decision.NextSequence,
				Kind:       api.EventInstanceFailed,
				Payload:    decision.Reason,
				At:         time.Now(),
			}); err != nil {
				return inst, err
			}
			inst.Status = api.StatusFailed
			inst.Reason = decision.Reason
			if err := e.instances.UpdateInstance(ctx, inst); err != nil {
				return inst, err
			}
			e.observer.OnInstanceFailed(ctx, inst, decision.Reason)
			return inst, nil

		default:
			return inst, fmt.Errorf("instance %s: unknown decision %q", id, decision.Kind)
		}
	}
}

// appendOrRetry appends ev, treating a sequence conflict as success: some
// driver (possibly this one, before a crash) already recorded the event.
func (e *engineImpl) appendOrRetry(ctx context.Context, ev api.HistoryEvent) error {
	err := e.history.Append(ctx, ev)
	if errors.Is(err, persistence.ErrSequenceConflict) {
		return nil
	}
	return err
}

// reconcileTerminal aligns the instance row with a history that already
// holds a terminal event (a crash can separate the append from the row
// update).
func (e *engineImpl) reconcileTerminal(ctx context.Context, inst *api.OrchestrationInstance, history []api.HistoryEvent) (*api.OrchestrationInstance, error) {
	last := history[len(history)-1]

	switch last.Kind {
	case api.EventInstanceCompleted:
		if inst.Status == api.StatusCompleted {
			return inst, nil
		}
		inst.Status = api.StatusCompleted
		if md, ok := last.Payload.(api.ImageMetadata); ok {
			inst.Output = &md
		}
		if err := e.instances.UpdateInstance(ctx, inst); err != nil {
			return inst, err
		}
		e.observer.OnInstanceCompleted(ctx, inst)

	case api.EventInstanceFailed:
		if inst.Status == api.StatusFailed {
			return inst, nil
		}
		reason, _ := last.Payload.(string)
		inst.Status = api.StatusFailed
		inst.Reason = reason
		if err := e.instances.UpdateInstance(ctx, inst); err != nil {
			return inst, err
		}
		e.observer.OnInstanceFailed(ctx, inst, reason)

	default:
		return inst, fmt.Errorf("instance %s: terminal decision without terminal event", inst.ID)
	}

	return inst, nil
}
