package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/snapmeta/snapmeta/pkg/api"
)

// Invocation identifies one scheduled activity execution. The (InstanceID,
// Sequence) pair is the idempotency token: every retry of the same scheduled
// activity carries the same pair, and activity bodies key their side effects
// on it.
type Invocation struct {
	InstanceID    string
	Sequence      int
	Activity      string
	Input         any
	CorrelationID string
}

// Outcome is the terminal result of dispatching one invocation. Individual
// attempts are not persisted anywhere; only this terminal outcome reaches the
// history log.
type Outcome struct {
	Output   any
	Err      error
	Attempts int

	// Permanent is set when Err was classified as non-retryable.
	Permanent bool

	// Interrupted is set when the parent context was cancelled before a
	// terminal outcome was reached. The caller must not record an outcome
	// event; the instance stays running and is replayed on recovery.
	Interrupted bool
}

// Dispatcher executes activities at-least-once with retry and backoff.
type Dispatcher struct {
	registry *Registry
	policy   api.RetryPolicy
	observer api.Observer
}

func NewDispatcher(registry *Registry, policy api.RetryPolicy, observer api.Observer) *Dispatcher {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BackoffMultiplier <= 0 {
		policy.BackoffMultiplier = 2.0
	}
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Dispatcher{
		registry: registry,
		policy:   policy,
		observer: observer,
	}
}

// Invoke runs the named activity until it succeeds, fails permanently, or
// exhausts the retry budget. Transient failures (including per-attempt
// timeouts) are retried with exponential backoff.
func (d *Dispatcher) Invoke(ctx context.Context, inv Invocation) Outcome {
	fn, err := d.registry.Resolve(inv.Activity)
	if err != nil {
		// A missing registration cannot be fixed by retrying.
		return Outcome{Err: err, Attempts: 0, Permanent: true}
	}

	if inv.CorrelationID == "" {
		inv.CorrelationID = uuid.NewString()
	}

	actx := api.WithActivityContext(ctx, api.ActivityContext{
		InstanceID:    inv.InstanceID,
		Sequence:      inv.Sequence,
		Activity:      inv.Activity,
		CorrelationID: inv.CorrelationID,
	})

	d.observer.OnActivityStart(ctx, inv.InstanceID, inv.Activity, inv.Sequence)
	start := time.Now()

	backoff := d.policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Outcome{Err: ctx.Err(), Attempts: attempt - 1, Interrupted: true}
		default:
		}

		output, err := d.runAttempt(actx, fn, inv.Input)
		if err == nil {
			d.observer.OnActivityCompleted(ctx, inv.InstanceID, inv.Activity, inv.Sequence, nil, attempt, time.Since(start))
			return Outcome{Output: output, Attempts: attempt}
		}

		// The parent being cancelled mid-attempt is a shutdown, not an
		// activity failure.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Outcome{Err: err, Attempts: attempt, Interrupted: true}
		}

		lastErr = err

		if api.IsPermanent(err) {
			d.observer.OnActivityCompleted(ctx, inv.InstanceID, inv.Activity, inv.Sequence, err, attempt, time.Since(start))
			return Outcome{Err: err, Attempts: attempt, Permanent: true}
		}

		if attempt == d.policy.MaxAttempts {
			break
		}

		if backoff > 0 {
			delay := backoff
			if d.policy.MaxBackoff > 0 && delay > d.policy.MaxBackoff {
				delay = d.policy.MaxBackoff
			}

			select {
			case <-ctx.Done():
				return Outcome{Err: ctx.Err(), Attempts: attempt, Interrupted: true}
			case <-time.After(delay):
			}

			next := time.Duration(float64(backoff) * d.policy.BackoffMultiplier)
			if d.policy.MaxBackoff > 0 && next > d.policy.MaxBackoff {
				backoff = d.policy.MaxBackoff
			} else {
				backoff = next
			}
		}
	}

	d.observer.OnActivityCompleted(ctx, inv.InstanceID, inv.Activity, inv.Sequence, lastErr, d.policy.MaxAttempts, time.Since(start))
	return Outcome{Err: lastErr, Attempts: d.policy.MaxAttempts}
}

// runAttempt executes a single bounded attempt. A timeout is surfaced as
// context.DeadlineExceeded from the activity and classified transient by the
// caller.
func (d *Dispatcher) runAttempt(ctx context.Context, fn api.ActivityFunc, input any) (any, error) {
	if d.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.policy.AttemptTimeout)
		defer cancel()
	}
	return fn(ctx, input)
}
