// Package persistence defines the storage abstraction shared by the
// instance coordinator, environment manager, wake scheduler and
// compensation engine (spec §4.B). Postgres (persistence/postgres)
// and pure-Go SQLite (persistence/sqlite) implementations exist
// behind this one interface; tests use the in-memory implementation
// in persistence/memtest.
package persistence

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors wrapped by implementation-specific context; callers
// should use errors.Is against these rather than matching strings.
var (
	ErrNotFound     = errors.New("persistence: not found")
	ErrInvalidState = errors.New("persistence: invalid instance state")
	ErrAlreadyExists = errors.New("persistence: already exists")
)

// InstanceStatus is one of the six lifecycle states of §3. Terminal
// states are Completed, Failed, Cancelled — no transition leaves one.
type InstanceStatus string

const (
	StatusPending   InstanceStatus = "pending"
	StatusRunning   InstanceStatus = "running"
	StatusSuspended InstanceStatus = "suspended"
	StatusCompleted InstanceStatus = "completed"
	StatusFailed    InstanceStatus = "failed"
	StatusCancelled InstanceStatus = "cancelled"
)

func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// SignalType is one of the three instance-level signals, ordered here
// by descending precedence (Cancel > Pause > Resume).
type SignalType string

const (
	SignalCancel SignalType = "cancel"
	SignalPause  SignalType = "pause"
	SignalResume SignalType = "resume"
)

// CompensationState tracks the saga rollback lifecycle of an instance
// or checkpoint.
type CompensationState string

const (
	CompensationNone      CompensationState = ""
	CompensationTriggered CompensationState = "triggered"
	CompensationCompleted CompensationState = "completed"
	CompensationFailed    CompensationState = "failed"
)

// ContainerStatus disambiguates an authoritative runtime-reported
// terminal state from one the monitor observed on process exit.
type ContainerStatus string

const (
	ContainerRunning   ContainerStatus = "running"
	ContainerCompleted ContainerStatus = "completed"
	ContainerFailed    ContainerStatus = "failed"
	ContainerCancelled ContainerStatus = "cancelled"
)

// Instance is the authoritative row for one workflow execution.
type Instance struct {
	InstanceID        string
	TenantID          string
	Status            InstanceStatus
	LastCheckpointID  *string
	Attempt           int32
	MaxAttempts       int32
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	Output            []byte
	Error             *string
	SleepUntil        *time.Time
	CompensationState CompensationState
}

// Checkpoint is an append-once, idempotent save at a stable
// application-chosen key.
type Checkpoint struct {
	InstanceID              string
	CheckpointID            string
	State                   []byte
	CreatedAt               time.Time
	CompensationOrder       int64
	CompensationState       CompensationState
	CompensationCapability  *string
	CompensationInputTpl    []byte
}

// PendingSignal is the at-most-one unacknowledged instance-level
// signal.
type PendingSignal struct {
	InstanceID     string
	SignalType     SignalType
	Payload        []byte
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
}

// CustomSignal targets a specific (instance, checkpoint/wait key)
// pair and is delivered at-most-once.
type CustomSignal struct {
	InstanceID   string
	CheckpointID string
	Payload      []byte
	CreatedAt    time.Time
	ConsumedAt   *time.Time
}

// EventKind enumerates the observational, append-only event log
// entries of §3.
type EventKind string

const (
	EventStarted         EventKind = "started"
	EventHeartbeat       EventKind = "heartbeat"
	EventCheckpointSaved EventKind = "checkpoint-saved"
	EventRetryAttempted  EventKind = "retry-attempted"
	EventCompleted       EventKind = "completed"
	EventFailed          EventKind = "failed"
	EventSuspended       EventKind = "suspended"
	EventStepDebug       EventKind = "step-debug"
)

// Event is one append-only log entry.
type Event struct {
	InstanceID string
	Kind       EventKind
	Payload    []byte
	OccurredAt time.Time
}

// RetryAttempt records one attempt at a checkpointed step.
type RetryAttempt struct {
	InstanceID   string
	CheckpointID string
	Attempt      int32
	Error        *string
	RecordedAt   time.Time
}

// WakeEntry is the upsert-on-instance_id wake queue row.
type WakeEntry struct {
	InstanceID   string
	CheckpointID string
	WakeAt       time.Time
}

// RunnerType selects the execution backend for an image.
type RunnerType string

const (
	RunnerOCI    RunnerType = "oci"
	RunnerNative RunnerType = "native"
	RunnerWasm   RunnerType = "wasm"
)

// Image is a named, versioned compiled workflow.
type Image struct {
	ImageID     string
	TenantID    string
	Name        string
	Description *string
	BinaryPath  string
	BundlePath  *string
	RunnerType  RunnerType
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Metadata    []byte // JSON object, opaque to persistence
	SHA256      *string
}

// ContainerEntry is the only authority for "is this container still
// ours" (§3).
type ContainerEntry struct {
	InstanceID      string
	ContainerID     string
	TenantID        string
	BinaryPath      string
	BundlePath      *string
	StartedAt       time.Time
	PID             *int
	TimeoutSeconds  *int
	Status          ContainerStatus
	StatusUpdatedAt time.Time
	CancelRequested bool
	CancelReason    *string
	CancelGraceSecs *int
	LastHeartbeat   *time.Time
}

// CompensationAttempt is one logged invocation of a compensation
// capability.
type CompensationAttempt struct {
	InstanceID   string
	CheckpointID string
	StepID       string
	Success      bool
	ErrorMessage *string
	AttemptedAt  time.Time
}

// CompensationStatus summarizes saga rollback progress for an
// instance, exposed via GetInstanceStatus.
type CompensationStatus struct {
	State             CompensationState
	TotalSteps        int
	CompletedSteps    int
	FailedSteps       int
	PendingCheckpoints []string
}

// InstanceFilter scopes ListInstances (§6).
type InstanceFilter struct {
	TenantID          *string
	Status            *InstanceStatus
	ImageID           *string
	ImageNamePrefix   *string
	CreatedAfter      *time.Time
	CreatedBefore     *time.Time
	FinishedAfter     *time.Time
	FinishedBefore    *time.Time
	OrderByCreatedAsc bool
	Limit             int
	Offset            int
}

// EventFilter scopes ListEvents.
type EventFilter struct {
	Kind  *EventKind
	Since *time.Time
	Limit int
}

// Persistence is the single storage trait of §4.B. Every method may
// suspend; implementations must uphold the append-once checkpoint
// invariant, terminal-state monotonicity, and the cascading-delete
// ordering documented per method group.
type Persistence interface {
	// Instances
	RegisterInstance(ctx context.Context, instanceID, tenantID string, checkpointID *string) (*Instance, error)
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	ListInstances(ctx context.Context, f InstanceFilter) ([]*Instance, error)
	UpdateInstanceStatus(ctx context.Context, instanceID string, status InstanceStatus) error
	CompleteInstance(ctx context.Context, instanceID string, status InstanceStatus, output []byte, errMsg *string) error
	SetSleep(ctx context.Context, instanceID string, sleepUntil time.Time) error
	ClearSleep(ctx context.Context, instanceID string) error
	GetSleepingDue(ctx context.Context, now time.Time, limit int) ([]*Instance, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp Checkpoint) (stored Checkpoint, alreadyExisted bool, err error)
	LoadCheckpoint(ctx context.Context, instanceID, checkpointID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, instanceID string) ([]*Checkpoint, error)
	CountCheckpoints(ctx context.Context, instanceID string) (int, error)
	GetCompensatableInReverseOrder(ctx context.Context, instanceID string) ([]*Checkpoint, error)
	SetCompensationState(ctx context.Context, instanceID, checkpointID string, state CompensationState) error

	// Signals
	InsertSignal(ctx context.Context, instanceID string, signalType SignalType, payload []byte) error
	GetPendingSignal(ctx context.Context, instanceID string) (*PendingSignal, error)
	AcknowledgeSignal(ctx context.Context, instanceID string, signalType SignalType, acknowledged bool) error
	InsertCustomSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error
	TakeCustomSignal(ctx context.Context, instanceID, checkpointID string) (*CustomSignal, error)

	// Events
	AppendEvent(ctx context.Context, ev Event) error
	ListEvents(ctx context.Context, instanceID string, f EventFilter) ([]*Event, error)
	CountEvents(ctx context.Context, instanceID string, f EventFilter) (int, error)

	// Retry
	SaveRetryAttempt(ctx context.Context, ra RetryAttempt) error
	ListRetryAttempts(ctx context.Context, instanceID, checkpointID string) ([]*RetryAttempt, error)

	// Images
	UpsertImage(ctx context.Context, img Image) (Image, error)
	GetImage(ctx context.Context, imageID string) (*Image, error)
	GetImageByName(ctx context.Context, tenantID, name string) (*Image, error)
	ListImages(ctx context.Context, tenantID string, limit, offset int) ([]*Image, error)
	ListAllImages(ctx context.Context, limit, offset int) ([]*Image, error)
	DeleteImage(ctx context.Context, imageID string) (bool, error)
	UpdateImagePaths(ctx context.Context, imageID, binaryPath string, bundlePath *string) error

	// Container registry
	RegisterContainer(ctx context.Context, c ContainerEntry) error
	UnregisterContainer(ctx context.Context, instanceID string) error
	GetContainer(ctx context.Context, instanceID string) (*ContainerEntry, error)
	ListContainersByTenant(ctx context.Context, tenantID string) ([]*ContainerEntry, error)
	UpdateContainerPID(ctx context.Context, instanceID string, pid int) error
	SetContainerStatus(ctx context.Context, instanceID string, status ContainerStatus) error
	SetContainerStatusIfRunning(ctx context.Context, instanceID string, status ContainerStatus) (bool, error)
	GetContainerStatus(ctx context.Context, instanceID string) (ContainerStatus, error)
	ClearContainerStatus(ctx context.Context, instanceID string) error
	SetCancellationRequest(ctx context.Context, instanceID, reason string, graceSeconds int) error
	ClearCancellationRequest(ctx context.Context, instanceID string) error
	RecordHeartbeat(ctx context.Context, instanceID string, at time.Time) error
	ClearHeartbeat(ctx context.Context, instanceID string) error
	CleanupStaleContainers(ctx context.Context, olderThan time.Duration) (int, error)
	CleanupContainer(ctx context.Context, instanceID string) error

	// Compensation
	CountPendingCompensations(ctx context.Context, instanceID string) (int, error)
	AllCompensationsSucceeded(ctx context.Context, instanceID string) (bool, error)
	LogCompensationAttempt(ctx context.Context, a CompensationAttempt) error
	SetInstanceCompensationState(ctx context.Context, instanceID string, state CompensationState) error
	GetCompensationStatus(ctx context.Context, instanceID string) (*CompensationStatus, error)

	// Maintenance
	GetTerminalInstancesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DeleteBatch(ctx context.Context, instanceIDs []string) (int, error)
	HealthCheck(ctx context.Context) error
}
