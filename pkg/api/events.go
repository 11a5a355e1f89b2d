package api

import "time"

// EventKind identifies a history event.
type EventKind string

const (
	EventInstanceStarted   EventKind = "instance.started"
	EventActivityScheduled EventKind = "activity.scheduled"
	EventActivityCompleted EventKind = "activity.completed"
	EventActivityFailed    EventKind = "activity.failed"
	EventInstanceCompleted EventKind = "instance.completed"
	EventInstanceFailed    EventKind = "instance.failed"
)

// HistoryEvent is one immutable record in an instance's append-only history.
// The history, ordered by Sequence, is the single source of truth for what
// has already happened to an instance; replaying the coordinator over it
// reconstructs engine state after a crash.
type HistoryEvent struct {
	InstanceID string

	// Sequence is the monotonic position of the event within the instance
	// history, starting at 1. At most one event may ever occupy a given
	// (InstanceID, Sequence) slot.
	Sequence int

	Kind EventKind

	// Activity is the activity name for activity.* events, empty otherwise.
	Activity string

	// Payload is event-kind specific:
	//   instance.started:    UploadEvent
	//   activity.scheduled:  the activity input
	//   activity.completed:  the activity output
	//   activity.failed:     ActivityFailure
	//   instance.completed:  ImageMetadata
	//   instance.failed:     failure reason (string)
	// Values must be gob-encodable; concrete types are registered in this
	// package's init.
	Payload any

	At time.Time
}
