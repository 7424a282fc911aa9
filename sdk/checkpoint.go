package sdk

import (
	"context"
	"encoding/json"
	"fmt"
)

// Durable implements the save-on-success caching primitive
// (`#[durable]`): it derives a stable cache key from functionName and
// idempotencyArg, checks GetCheckpoint first, and only executes fn on
// a miss. On success the result is saved; the "found" branch of that
// save is ignored because a concurrent replay may have stored first
// (first-writer-wins is the coordinator's job, not this caller's).
func Durable[T any](ctx context.Context, rt *Runtime, functionName string, idempotencyArg any, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	key, err := cacheKey(functionName, idempotencyArg)
	if err != nil {
		return zero, err
	}

	found, state, err := rt.backend.GetCheckpoint(ctx, rt.cfg.InstanceID, key)
	if err != nil {
		return zero, fmt.Errorf("sdk: durable %s precheck: %w", functionName, err)
	}
	if found {
		var result T
		if err := json.Unmarshal(state, &result); err != nil {
			return zero, fmt.Errorf("sdk: durable %s decode cached result: %w", functionName, err)
		}
		return result, nil
	}

	result, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("sdk: durable %s encode result: %w", functionName, err)
	}
	if _, err := rt.Checkpoint(ctx, key, encoded); err != nil {
		return zero, fmt.Errorf("sdk: durable %s save: %w", functionName, err)
	}
	return result, nil
}

// Checkpoint is the progress-milestone primitive: it round-trips
// durable state through the coordinator, piggybacking any pending
// instance signal and matching custom signal. Callers use Found to
// decide whether to adopt replayed State instead of recomputing.
func (r *Runtime) Checkpoint(ctx context.Context, checkpointID string, state []byte) (CheckpointResult, error) {
	result, err := r.backend.Checkpoint(ctx, r.cfg.InstanceID, checkpointID, state)
	if err != nil {
		return CheckpointResult{}, fmt.Errorf("sdk: checkpoint %s/%s: %w", r.cfg.InstanceID, checkpointID, err)
	}
	r.observeSignal(result.PendingSignal)
	return result, nil
}

func (r *Runtime) observeSignal(sig *PendingSignal) {
	if sig != nil && sig.SignalType == "cancel" {
		r.cancelled.Store(true)
	}
}
