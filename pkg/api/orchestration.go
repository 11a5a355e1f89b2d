package api

import (
	"context"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"path"
	"strings"
	"time"
)

func init() {
	gob.Register(UploadEvent{})
	gob.Register(BlobRef{})
	gob.Register(ImageMetadata{})
	gob.Register(ActivityFailure{})
}

// Status represents the lifecycle state of an orchestration instance.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Activity names of the fixed two-step pipeline. The engine drives a linear
// extract-then-store workflow; there is no dynamic workflow definition.
const (
	ActivityExtractMetadata = "extract-metadata"
	ActivityStoreMetadata   = "store-metadata"
)

// AllowedExtensions is the set of file extensions accepted by the trigger
// listener. Matching is case-insensitive.
var AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".gif"}

// UploadEvent is the external trigger: a notification that an object was
// written to blob storage.
type UploadEvent struct {
	Container string
	BlobName  string

	// ContentID is the content-identity token of the uploaded object
	// (an etag or version id). Together with Container and BlobName it
	// determines the orchestration instance key, so re-delivery of the
	// same upload never creates a second instance.
	ContentID string

	SizeBytes int64
}

// Ref returns the blob reference for the uploaded object.
func (e UploadEvent) Ref() BlobRef {
	return BlobRef{Container: e.Container, Name: e.BlobName}
}

// Accepted reports whether the event's file extension is in
// AllowedExtensions.
func (e UploadEvent) Accepted() bool {
	ext := strings.ToLower(path.Ext(e.BlobName))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// InstanceKey derives the deterministic orchestration instance key from the
// event's content identity. The same upload (same container, name and
// content id) always maps to the same key.
func InstanceKey(e UploadEvent) string {
	h := sha256.Sum256([]byte(e.Container + "|" + e.BlobName + "|" + e.ContentID))
	return fmt.Sprintf("img-%x", h[:8])
}

// BlobRef identifies an object in blob storage.
type BlobRef struct {
	Container string
	Name      string
}

func (r BlobRef) String() string {
	return r.Container + "/" + r.Name
}

// ImageMetadata is the structural metadata extracted from an uploaded image
// and persisted by the store activity.
type ImageMetadata struct {
	FileName   string
	FileSizeKB int
	Format     string
	Width      int
	Height     int
	UploadedAt time.Time
}

// OrchestrationInstance is one run of the pipeline for one triggering upload.
type OrchestrationInstance struct {
	// ID is the deterministic key derived from the triggering upload's
	// content identity (see InstanceKey).
	ID string

	Status Status

	// Input is the triggering upload event. It is persisted so that the
	// instance can be replayed after a crash even if the starting history
	// event was never appended.
	Input UploadEvent

	// Output holds the extracted metadata once the instance completes.
	Output *ImageMetadata

	// Reason is the failure reason for instances in StatusFailed.
	Reason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActivityFunc is a single side-effecting pipeline step. It is invoked
// at-least-once; implementations must honor the idempotency key carried in
// the activity context (see ActivityContextFrom).
type ActivityFunc func(ctx context.Context, input any) (any, error)

// ActivityFailure is the history payload recorded for an activity that
// exhausted its retry budget or failed permanently.
type ActivityFailure struct {
	Reason    string
	Permanent bool
	Attempts  int
}

// RetryPolicy controls how the dispatcher retries a transient activity
// failure. MaxAttempts includes the first attempt.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	// AttemptTimeout bounds a single activity attempt. A timed-out attempt
	// is classified as transient and counts against MaxAttempts.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the documented default dispatcher policy.
// The source material left these knobs unspecified, so they are plain
// configuration with conservative defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
		AttemptTimeout:    60 * time.Second,
	}
}

// ActivityContext carries per-invocation identity into an activity body.
// It replaces any process-wide ambient state: everything an activity needs
// to deduplicate its side effect travels in the context.
type ActivityContext struct {
	InstanceID    string
	Sequence      int
	Activity      string
	CorrelationID string
}

// IdempotencyKey returns the (instanceID, sequence) composite token for this
// invocation. Every retry of the same scheduled activity carries the same
// key.
func (ac ActivityContext) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", ac.InstanceID, ac.Sequence)
}

type activityContextKey struct{}

// WithActivityContext attaches an ActivityContext to ctx.
func WithActivityContext(ctx context.Context, ac ActivityContext) context.Context {
	return context.WithValue(ctx, activityContextKey{}, ac)
}

// ActivityContextFrom extracts the ActivityContext attached by the
// dispatcher, if any.
func ActivityContextFrom(ctx context.Context) (ActivityContext, bool) {
	ac, ok := ctx.Value(activityContextKey{}).(ActivityContext)
	return ac, ok
}
