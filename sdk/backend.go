// Package sdk is the durable execution runtime (§4.D): the library
// linked into every compiled workflow binary. It turns an application
// step into a checkpoint round-trip, surfaces signals, and provides
// save-on-success caching and durable sleep primitives. Two backends
// — remote (QUIC to the coordinator) and embedded (direct persistence
// calls, for tests) — sit behind the same Backend interface.
package sdk

import (
	"context"
)

// CheckpointResult is the decoded result of a Checkpoint round-trip.
type CheckpointResult struct {
	Found         bool
	State         []byte
	PendingSignal *PendingSignal
	CustomSignal  *CustomSignal
}

// PendingSignal mirrors protocol.PendingSignal without the wire tag,
// decoupling workflow code from the transport's CBOR field names.
type PendingSignal struct {
	SignalType string
	Payload    []byte
}

// CustomSignal mirrors protocol.CustomSignal.
type CustomSignal struct {
	Payload []byte
}

// Backend is the transport-agnostic surface the Runtime drives. The
// remote backend (backend_remote.go) implements it over QUIC; the
// embedded backend (embedded.go) calls persistence.Persistence
// directly, letting tests exercise workflow code without a network.
type Backend interface {
	RegisterInstance(ctx context.Context, instanceID, tenantID string, checkpointID *string) (status string, err error)
	Checkpoint(ctx context.Context, instanceID, checkpointID string, state []byte) (CheckpointResult, error)
	GetCheckpoint(ctx context.Context, instanceID, checkpointID string) (found bool, state []byte, err error)
	Sleep(ctx context.Context, instanceID string, duration int64, checkpointID string, state []byte) (deferred bool, err error)
	PollSignals(ctx context.Context, instanceID string, checkpointID *string) (*PendingSignal, *CustomSignal, error)
	AckSignal(ctx context.Context, instanceID, signalType string, acknowledged bool) error
	InstanceEvent(ctx context.Context, instanceID, kind string, payload []byte)
	RetryAttempt(ctx context.Context, instanceID, checkpointID string, attempt int32, errMsg *string)
	Close() error
}
