package sdk

import (
	"context"
	"fmt"
	"time"
)

// DurableSleep issues the Sleep RPC. If the coordinator defers it, the
// runtime emits a suspended event and returns Deferred — the caller
// must propagate this up and let the process exit. Re-launch by the
// wake scheduler re-enters the same logical point, finds the saved
// checkpoint, and proceeds past the sleep.
func (r *Runtime) DurableSleep(ctx context.Context, duration time.Duration, checkpointID string, state []byte) error {
	deferred, err := r.backend.Sleep(ctx, r.cfg.InstanceID, duration.Milliseconds(), checkpointID, state)
	if err != nil {
		return fmt.Errorf("sdk: sleep %s/%s: %w", r.cfg.InstanceID, checkpointID, err)
	}
	if !deferred {
		return nil
	}
	r.backend.InstanceEvent(ctx, r.cfg.InstanceID, "suspended", nil)
	return Deferred
}

// WaitForCustomSignal implements the custom-signal wait step: it
// computes the deterministic key, optionally invokes onWait once (to
// notify externals where to send the signal), then polls
// Checkpoint/PollSignals until a matching custom signal arrives or
// timeout elapses.
func (r *Runtime) WaitForCustomSignal(ctx context.Context, instanceID, scenarioID, stepID string, loopIndices []int, pollInterval, timeout time.Duration, onWait func(key string) error) ([]byte, error) {
	key := CustomSignalKey(instanceID, scenarioID, stepID, loopIndices)
	if onWait != nil {
		if err := onWait(key); err != nil {
			return nil, fmt.Errorf("sdk: custom signal on-wait %s: %w", key, err)
		}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		_, custom, err := r.backend.PollSignals(ctx, r.cfg.InstanceID, &key)
		if err != nil {
			return nil, fmt.Errorf("sdk: poll custom signal %s: %w", key, err)
		}
		if custom != nil {
			return custom.Payload, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("sdk: custom signal %s: %w", key, context.DeadlineExceeded)
		case <-ticker.C:
		}
	}
}

// CustomSignalKey computes the deterministic wait key
// {instance_id}/{scenario_id}/{step_id}/{loop_indices}, e.g.
// "ex1/root/approval/[]" for a step outside any loop.
func CustomSignalKey(instanceID, scenarioID, stepID string, loopIndices []int) string {
	indices := "["
	for i, idx := range loopIndices {
		if i > 0 {
			indices += ","
		}
		indices += fmt.Sprintf("%d", idx)
	}
	indices += "]"
	return fmt.Sprintf("%s/%s/%s/%s", instanceID, scenarioID, stepID, indices)
}
