package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay instance execution.
type Observer interface {
	// OnInstanceStart is called once when an instance is first created by
	// the trigger listener, before any activity runs.
	OnInstanceStart(ctx context.Context, inst *OrchestrationInstance)

	// OnInstanceCompleted is called when an instance reaches
	// StatusCompleted.
	OnInstanceCompleted(ctx context.Context, inst *OrchestrationInstance)

	// OnInstanceFailed is called when an instance reaches StatusFailed.
	OnInstanceFailed(ctx context.Context, inst *OrchestrationInstance, reason string)

	// OnActivityStart is called before the dispatcher's first attempt of a
	// scheduled activity.
	OnActivityStart(ctx context.Context, instanceID, activity string, sequence int)

	// OnActivityCompleted is called once per scheduled activity with its
	// terminal outcome, for both successes and failures (err != nil).
	// attempts is the number of dispatcher attempts that were made.
	OnActivityCompleted(ctx context.Context, instanceID, activity string, sequence int, err error, attempts int, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStart(ctx context.Context, inst *OrchestrationInstance)     {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *OrchestrationInstance) {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *OrchestrationInstance, reason string) {
}
func (NoopObserver) OnActivityStart(ctx context.Context, instanceID, activity string, sequence int) {
}
func (NoopObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, sequence int, err error, attempts int, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStart(ctx context.Context, inst *OrchestrationInstance) {
	for _, o := range c.observers {
		o.OnInstanceStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *OrchestrationInstance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *OrchestrationInstance, reason string) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, reason)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, instanceID, activity string, sequence int) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, instanceID, activity, sequence)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, sequence int, err error, attempts int, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, instanceID, activity, sequence, err, attempts, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance and activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStart(ctx context.Context, inst *OrchestrationInstance) {
	o.Logger.InfoContext(ctx, "instance_start",
		slog.String("instance_id", inst.ID),
		slog.String("blob", inst.Input.Ref().String()),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *OrchestrationInstance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("instance_id", inst.ID),
		slog.String("blob", inst.Input.Ref().String()),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *OrchestrationInstance, reason string) {
	o.Logger.ErrorContext(ctx, "instance_failed",
		slog.String("instance_id", inst.ID),
		slog.String("blob", inst.Input.Ref().String()),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, instanceID, activity string, sequence int) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("instance_id", instanceID),
		slog.String("activity", activity),
		slog.Int("sequence", sequence),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, sequence int, err error, attempts int, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("instance_id", instanceID),
		slog.String("activity", activity),
		slog.Int("sequence", sequence),
		slog.Int("attempts", attempts),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted   atomic.Int64
	instancesCompleted atomic.Int64
	instancesFailed    atomic.Int64
	activitiesDone     atomic.Int64
	retries            atomic.Int64
	totalActivityTime  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesCompleted int64
	InstancesFailed    int64
	InstancesRunning   int64

	ActivitiesCompleted int64
	Retries             int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnInstanceStart(ctx context.Context, inst *OrchestrationInstance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *OrchestrationInstance) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, inst *OrchestrationInstance, reason string) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, instanceID, activity string, sequence int, err error, attempts int, d time.Duration) {
	if attempts > 1 {
		m.retries.Add(int64(attempts - 1))
	}
	// Only count successful activities for the average duration.
	if err == nil {
		m.activitiesDone.Add(1)
		m.totalActivityTime.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()
	done := m.activitiesDone.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if done > 0 {
		avg = time.Duration(totalNs / done)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:    started,
		InstancesCompleted:  completed,
		InstancesFailed:     failed,
		InstancesRunning:    started - completed - failed,
		ActivitiesCompleted: done,
		Retries:             m.retries.Load(),
		AvgActivityDuration: avg,
	}
}
