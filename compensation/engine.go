// Package compensation implements the saga rollback engine of §4.E:
// on workflow failure, invoke each checkpoint's registered
// compensation capability in descending compensation_order (LIFO).
package compensation

import (
	"context"
	"fmt"

	"github.com/runtara/core/capability"
	"github.com/runtara/core/persistence"
	"github.com/runtara/core/runtaraerr"
	"github.com/runtara/core/telemetry"
)

// Engine runs the four-step compensation flow against the registered
// capability registry. It never auto-retries a failed compensation;
// retry policy is a workflow-author decision (§4.E).
type Engine struct {
	store    persistence.Persistence
	registry *capability.Registry
	log      *telemetry.Logger
	metric   *telemetry.Metrics
}

func New(store persistence.Persistence, registry *capability.Registry, log *telemetry.Logger, metric *telemetry.Metrics) *Engine {
	return &Engine{store: store, registry: registry, log: log, metric: metric}
}

// Run triggers compensation for instanceID: marks it triggered, walks
// pending compensatable checkpoints in descending compensation_order,
// invokes each capability, and sets the final compensation_state.
func (e *Engine) Run(ctx context.Context, instanceID, reason string) error {
	if err := e.store.SetInstanceCompensationState(ctx, instanceID, persistence.CompensationTriggered); err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "mark compensation triggered %s", instanceID)
	}
	if err := e.store.AppendEvent(ctx, persistence.Event{
		InstanceID: instanceID,
		Kind:       persistence.EventFailed,
		Payload:    []byte(reason),
	}); err != nil {
		e.log.WithError(err).WithField("instance_id", instanceID).Warnf("compensation: append failed event")
	}

	checkpoints, err := e.store.GetCompensatableInReverseOrder(ctx, instanceID)
	if err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "load compensatable checkpoints %s", instanceID)
	}

	allSucceeded := true
	for _, cp := range checkpoints {
		if cp.CompensationCapability == nil {
			continue
		}
		succeeded := e.runOne(ctx, instanceID, cp)
		allSucceeded = allSucceeded && succeeded
	}

	finalState := persistence.CompensationCompleted
	outcome := "completed"
	if !allSucceeded {
		finalState = persistence.CompensationFailed
		outcome = "failed"
	}
	if err := e.store.SetInstanceCompensationState(ctx, instanceID, finalState); err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "set final compensation state %s", instanceID)
	}
	if e.metric != nil {
		e.metric.CompensationRuns.WithLabelValues(outcome).Inc()
	}
	e.log.WithFields(map[string]any{"instance_id": instanceID, "outcome": outcome}).Infof("compensation run finished")
	return nil
}

// runOne invokes a single checkpoint's compensation capability,
// records its terminal state, and logs the attempt. It reports
// whether the step succeeded.
func (e *Engine) runOne(ctx context.Context, instanceID string, cp *persistence.Checkpoint) bool {
	if err := e.store.SetCompensationState(ctx, instanceID, cp.CheckpointID, persistence.CompensationTriggered); err != nil {
		e.log.WithError(err).WithField("checkpoint_id", cp.CheckpointID).Warnf("compensation: mark triggered")
	}

	key, parseErr := parseCapabilityKey(*cp.CompensationCapability)
	var invokeErr error
	if parseErr != nil {
		invokeErr = parseErr
	} else {
		_, invokeErr = e.registry.Invoke(ctx, key, cp.CompensationInputTpl)
	}

	state := persistence.CompensationCompleted
	var errMsg *string
	if invokeErr != nil {
		state = persistence.CompensationFailed
		msg := invokeErr.Error()
		errMsg = &msg
	}

	if err := e.store.SetCompensationState(ctx, instanceID, cp.CheckpointID, state); err != nil {
		e.log.WithError(err).WithField("checkpoint_id", cp.CheckpointID).Warnf("compensation: set final state")
	}
	if err := e.store.LogCompensationAttempt(ctx, persistence.CompensationAttempt{
		InstanceID:   instanceID,
		CheckpointID: cp.CheckpointID,
		StepID:       cp.CheckpointID,
		Success:      invokeErr == nil,
		ErrorMessage: errMsg,
	}); err != nil {
		e.log.WithError(err).WithField("checkpoint_id", cp.CheckpointID).Warnf("compensation: log attempt")
	}

	return invokeErr == nil
}

// Status reports saga rollback progress for an instance.
func (e *Engine) Status(ctx context.Context, instanceID string) (*persistence.CompensationStatus, error) {
	return e.store.GetCompensationStatus(ctx, instanceID)
}

func parseCapabilityKey(raw string) (capability.Key, error) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '/' {
			return capability.Key{Module: raw[:i], Capability: raw[i+1:]}, nil
		}
	}
	return capability.Key{}, fmt.Errorf("compensation: malformed capability id %q, want module/capability", raw)
}
