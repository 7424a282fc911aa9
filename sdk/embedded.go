package sdk

import (
	"context"
	"time"

	"github.com/runtara/core/persistence"
	"github.com/runtara/core/telemetry"
)

// EmbeddedBackend calls persistence.Persistence in-process, bypassing
// the QUIC transport entirely. Used by tests that want to exercise
// workflow code without a running coordinator.
type EmbeddedBackend struct {
	store persistence.Persistence
	log   *telemetry.Logger
}

func NewEmbeddedBackend(store persistence.Persistence, log *telemetry.Logger) *EmbeddedBackend {
	return &EmbeddedBackend{store: store, log: log}
}

func (b *EmbeddedBackend) RegisterInstance(ctx context.Context, instanceID, tenantID string, checkpointID *string) (string, error) {
	inst, err := b.store.RegisterInstance(ctx, instanceID, tenantID, checkpointID)
	if err != nil {
		return "", err
	}
	_ = b.store.AppendEvent(ctx, persistence.Event{InstanceID: instanceID, Kind: persistence.EventStarted})
	return string(inst.Status), nil
}

func (b *EmbeddedBackend) Checkpoint(ctx context.Context, instanceID, checkpointID string, state []byte) (CheckpointResult, error) {
	stored, existed, err := b.store.SaveCheckpoint(ctx, persistence.Checkpoint{InstanceID: instanceID, CheckpointID: checkpointID, State: state})
	if err != nil {
		return CheckpointResult{}, err
	}
	_ = b.store.AppendEvent(ctx, persistence.Event{InstanceID: instanceID, Kind: persistence.EventCheckpointSaved, Payload: []byte(checkpointID)})

	result := CheckpointResult{Found: existed}
	if existed {
		result.State = stored.State
	}

	sig, err := b.store.GetPendingSignal(ctx, instanceID)
	if err != nil {
		return CheckpointResult{}, err
	}
	if sig != nil {
		result.PendingSignal = &PendingSignal{SignalType: string(sig.SignalType), Payload: sig.Payload}
	}
	cs, err := b.store.TakeCustomSignal(ctx, instanceID, checkpointID)
	if err != nil {
		return CheckpointResult{}, err
	}
	if cs != nil {
		result.CustomSignal = &CustomSignal{Payload: cs.Payload}
	}
	return result, nil
}

func (b *EmbeddedBackend) GetCheckpoint(ctx context.Context, instanceID, checkpointID string) (bool, []byte, error) {
	cp, err := b.store.LoadCheckpoint(ctx, instanceID, checkpointID)
	if err != nil {
		return false, nil, err
	}
	if cp == nil {
		return false, nil, nil
	}
	return true, cp.State, nil
}

func (b *EmbeddedBackend) Sleep(ctx context.Context, instanceID string, durationMS int64, checkpointID string, state []byte) (bool, error) {
	const defaultThreshold = 30 * time.Second
	duration := time.Duration(durationMS) * time.Millisecond

	if duration < defaultThreshold {
		select {
		case <-time.After(duration):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		return false, nil
	}

	if _, _, err := b.store.SaveCheckpoint(ctx, persistence.Checkpoint{InstanceID: instanceID, CheckpointID: checkpointID, State: state}); err != nil {
		return false, err
	}
	if err := b.store.SetSleep(ctx, instanceID, time.Now().Add(duration)); err != nil {
		return false, err
	}
	_ = b.store.AppendEvent(ctx, persistence.Event{InstanceID: instanceID, Kind: persistence.EventSuspended})
	return true, nil
}

func (b *EmbeddedBackend) PollSignals(ctx context.Context, instanceID string, checkpointID *string) (*PendingSignal, *CustomSignal, error) {
	sig, err := b.store.GetPendingSignal(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	var pending *PendingSignal
	if sig != nil {
		pending = &PendingSignal{SignalType: string(sig.SignalType), Payload: sig.Payload}
	}
	var custom *CustomSignal
	if checkpointID != nil {
		cs, err := b.store.TakeCustomSignal(ctx, instanceID, *checkpointID)
		if err != nil {
			return nil, nil, err
		}
		if cs != nil {
			custom = &CustomSignal{Payload: cs.Payload}
		}
	}
	return pending, custom, nil
}

func (b *EmbeddedBackend) AckSignal(ctx context.Context, instanceID, signalType string, acknowledged bool) error {
	return b.store.AcknowledgeSignal(ctx, instanceID, persistence.SignalType(signalType), acknowledged)
}

func (b *EmbeddedBackend) InstanceEvent(ctx context.Context, instanceID, kind string, payload []byte) {
	if err := b.store.AppendEvent(ctx, persistence.Event{InstanceID: instanceID, Kind: persistence.EventKind(kind), Payload: payload, OccurredAt: time.Now()}); err != nil {
		b.log.WithError(err).Warnf("sdk(embedded): instance event %s/%s dropped", instanceID, kind)
	}
}

func (b *EmbeddedBackend) RetryAttempt(ctx context.Context, instanceID, checkpointID string, attempt int32, errMsg *string) {
	if err := b.store.SaveRetryAttempt(ctx, persistence.RetryAttempt{InstanceID: instanceID, CheckpointID: checkpointID, Attempt: attempt, Error: errMsg}); err != nil {
		b.log.WithError(err).Warnf("sdk(embedded): retry attempt %s/%s dropped", instanceID, checkpointID)
	}
}

func (b *EmbeddedBackend) Close() error { return nil }
