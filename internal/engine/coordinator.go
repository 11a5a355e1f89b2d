package engine

import (
	"fmt"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// DecisionKind classifies what the coordinator wants to happen next.
type DecisionKind string

const (
	// DecideScheduleActivity asks the runner to execute an activity.
	DecideScheduleActivity DecisionKind = "schedule-activity"
	// DecideComplete asks the runner to record instance completion.
	DecideComplete DecisionKind = "complete"
	// DecideFail asks the runner to record instance failure.
	DecideFail DecisionKind = "fail"
	// DecideNone means history already holds a terminal event.
	DecideNone DecisionKind = "none"
)

// Decision is the coordinator's next action for one instance.
type Decision struct {
	Kind DecisionKind

	// Activity and Input are set for DecideScheduleActivity.
	Activity string
	Input    any

	// ScheduleSequence is the history slot of the activity.scheduled event
	// for this execution. When Scheduled is true the event is already in
	// history (a crash happened between scheduling and the outcome) and
	// must not be appended again.
	ScheduleSequence int
	Scheduled        bool

	// Result is set for DecideComplete.
	Result *api.ImageMetadata

	// Reason is set for DecideFail.
	Reason string

	// NextSequence is the next free history slot.
	NextSequence int
}

// Decide is the orchestration coordinator: a pure function from a history
// prefix to the next action. It performs no I/O, reads no clock and makes no
// random choices, so replaying the same prefix always yields the same
// decision. That property is what makes crash recovery safe: after a
// restart the runner replays Decide over stored history and resumes at the
// first action without a recorded outcome.
//
// The decision table for the linear extract-then-store pipeline:
//
//	started only                      -> schedule extract-metadata(blob ref)
//	extract-metadata completed        -> schedule store-metadata(metadata)
//	store-metadata completed          -> complete
//	any activity failed               -> fail(reason)
//	scheduled without outcome         -> re-issue the same activity, same slot
//	instance.completed / .failed      -> none
func Decide(history []api.HistoryEvent) (Decision, error) {
	if len(history) == 0 {
		return Decision{}, fmt.Errorf("empty history")
	}

	var (
		started    api.UploadEvent
		pending    *api.HistoryEvent
		extractOut *api.ImageMetadata
		storeOut   *api.ImageMetadata
		storeDone  bool
		failure    *api.ActivityFailure
		terminal   bool
	)

	for i := range history {
		ev := history[i]
		if ev.Sequence != i+1 {
			return Decision{}, fmt.Errorf("history out of order: event %d has sequence %d", i, ev.Sequence)
		}
		if terminal {
			return Decision{}, fmt.Errorf("event at sequence %d after terminal event", ev.Sequence)
		}

		switch ev.Kind {
		case api.EventInstanceStarted:
			if i != 0 {
				return Decision{}, fmt.Errorf("%s at sequence %d, want 1", ev.Kind, ev.Sequence)
			}
			up, ok := ev.Payload.(api.UploadEvent)
			if !ok {
				return Decision{}, fmt.Errorf("%s payload is %T, want UploadEvent", ev.Kind, ev.Payload)
			}
			started = up

		case api.EventActivityScheduled:
			if i == 0 {
				return Decision{}, fmt.Errorf("history must begin with %s", api.EventInstanceStarted)
			}
			if pending != nil {
				return Decision{}, fmt.Errorf("activity %q scheduled while %q has no outcome", ev.Activity, pending.Activity)
			}
			copied := ev
			pending = &copied

		case api.EventActivityCompleted:
			if pending == nil || pending.Activity != ev.Activity {
				return Decision{}, fmt.Errorf("outcome for %q without matching schedule", ev.Activity)
			}
			switch ev.Activity {
			case api.ActivityExtractMetadata:
				md, ok := ev.Payload.(api.ImageMetadata)
				if !ok {
					return Decision{}, fmt.Errorf("extract outcome payload is %T, want ImageMetadata", ev.Payload)
				}
				extractOut = &md
			case api.ActivityStoreMetadata:
				md, ok := ev.Payload.(api.ImageMetadata)
				if !ok {
					return Decision{}, fmt.Errorf("store outcome payload is %T, want ImageMetadata", ev.Payload)
				}
				storeOut = &md
				storeDone = true
			default:
				return Decision{}, fmt.Errorf("outcome for unknown activity %q", ev.Activity)
			}
			pending = nil

		case api.EventActivityFailed:
			if pending == nil || pending.Activity != ev.Activity {
				return Decision{}, fmt.Errorf("failure for %q without matching schedule", ev.Activity)
			}
			f, ok := ev.Payload.(api.ActivityFailure)
			if !ok {
				return Decision{}, fmt.Errorf("failure payload is %T, want ActivityFailure", ev.Payload)
			}
			failure = &f
			pending = nil

		case api.EventInstanceCompleted, api.EventInstanceFailed:
			terminal = true

		default:
			return Decision{}, fmt.Errorf("unknown event kind %q at sequence %d", ev.Kind, ev.Sequence)
		}
	}

	next := len(history) + 1

	switch {
	case terminal:
		return Decision{Kind: DecideNone, NextSequence: next}, nil

	case failure != nil:
		return Decision{Kind: DecideFail, Reason: failure.Reason, NextSequence: next}, nil

	case pending != nil:
		// Crash between scheduling and the outcome: re-issue the same
		// activity at the same sequence. The idempotency token makes the
		// repeated side effect safe; no second scheduled event is written.
		return Decision{
			Kind:             DecideScheduleActivity,
			Activity:         pending.Activity,
			Input:            pending.Payload,
			ScheduleSequence: pending.Sequence,
			Scheduled:        true,
			NextSequence:     next,
		}, nil

	case storeDone:
		return Decision{Kind: DecideComplete, Result: storeOut, NextSequence: next}, nil

	case extractOut != nil:
		return Decision{
			Kind:             DecideScheduleActivity,
			Activity:         api.ActivityStoreMetadata,
			Input:            *extractOut,
			ScheduleSequence: next,
			NextSequence:     next,
		}, nil

	default:
		return Decision{
			Kind:             DecideScheduleActivity,
			Activity:         api.ActivityExtractMetadata,
			Input:            started.Ref(),
			ScheduleSequence: next,
			NextSequence:     next,
		}, nil
	}
}
