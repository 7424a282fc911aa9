package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/runtara/core/persistence"
	"github.com/runtara/core/protocol"
	"github.com/runtara/core/runtaraerr"
)

func (s *Server) registerInstance(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.RegisterInstanceRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode RegisterInstance")
	}
	inst, err := s.store.RegisterInstance(ctx, req.InstanceID, req.TenantID, req.CheckpointID)
	if err != nil {
		return nil, translateRegisterErr(req.InstanceID, err)
	}
	if err := s.store.AppendEvent(ctx, persistence.Event{InstanceID: req.InstanceID, Kind: persistence.EventStarted}); err != nil {
		s.log.WithError(err).Warnf("coordinator: append started event for %s", req.InstanceID)
	}
	return protocol.RegisterInstanceResponse{Status: string(inst.Status)}, nil
}

func translateRegisterErr(instanceID string, err error) error {
	if errors.Is(err, persistence.ErrInvalidState) {
		return runtaraerr.Wrap(runtaraerr.CodeInvalidInstanceState, err, "instance %s is terminal", instanceID)
	}
	return runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "register instance %s", instanceID)
}

// checkpoint implements the §4.C replay-or-save branch plus the signal
// piggyback: both branches populate pending_signal and custom_signal,
// and the custom signal is consumed regardless of which branch fired.
func (s *Server) checkpoint(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.CheckpointRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode Checkpoint")
	}

	stored, existed, err := s.store.SaveCheckpoint(ctx, persistence.Checkpoint{
		InstanceID:   req.InstanceID,
		CheckpointID: req.CheckpointID,
		State:        req.State,
	})
	if err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeCheckpointSaveFailed, err, "checkpoint %s/%s", req.InstanceID, req.CheckpointID)
	}
	if s.replayCache != nil {
		s.replayCache.Add(replayCacheKey(req.InstanceID, req.CheckpointID), &stored)
	}
	if err := s.store.AppendEvent(ctx, persistence.Event{InstanceID: req.InstanceID, Kind: persistence.EventCheckpointSaved, Payload: []byte(req.CheckpointID)}); err != nil {
		s.log.WithError(err).Warnf("coordinator: append checkpoint-saved event for %s", req.InstanceID)
	}

	resp := protocol.CheckpointResponse{Found: existed}
	if existed {
		resp.State = stored.State
	}

	pending, custom, err := s.piggyback(ctx, req.InstanceID, req.CheckpointID)
	if err != nil {
		return nil, err
	}
	resp.PendingSignal = pending
	resp.CustomSignal = custom
	return resp, nil
}

// piggyback loads the current pending instance-level signal (without
// consuming it — only AckSignal does) and takes (consumes) any custom
// signal matching this checkpoint key.
func (s *Server) piggyback(ctx context.Context, instanceID, checkpointID string) (*protocol.PendingSignal, *protocol.CustomSignal, error) {
	var pending *protocol.PendingSignal
	sig, err := s.store.GetPendingSignal(ctx, instanceID)
	if err != nil {
		return nil, nil, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "get pending signal %s", instanceID)
	}
	if sig != nil {
		pending = &protocol.PendingSignal{
			SignalType: string(sig.SignalType),
			Payload:    sig.Payload,
			CreatedAt:  sig.CreatedAt.UnixMilli(),
		}
	}

	var custom *protocol.CustomSignal
	cs, err := s.store.TakeCustomSignal(ctx, instanceID, checkpointID)
	if err != nil {
		return nil, nil, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "take custom signal %s/%s", instanceID, checkpointID)
	}
	if cs != nil {
		custom = &protocol.CustomSignal{Payload: cs.Payload, CreatedAt: cs.CreatedAt.UnixMilli()}
	}
	return pending, custom, nil
}

func (s *Server) getCheckpoint(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.GetCheckpointRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode GetCheckpoint")
	}
	key := replayCacheKey(req.InstanceID, req.CheckpointID)
	if s.replayCache != nil {
		if cached, ok := s.replayCache.Get(key); ok {
			return protocol.GetCheckpointResponse{Found: true, State: cached.State}, nil
		}
	}

	cp, err := s.store.LoadCheckpoint(ctx, req.InstanceID, req.CheckpointID)
	if err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "get checkpoint %s/%s", req.InstanceID, req.CheckpointID)
	}
	if cp == nil {
		return protocol.GetCheckpointResponse{Found: false}, nil
	}
	if s.replayCache != nil {
		s.replayCache.Add(key, cp)
	}
	return protocol.GetCheckpointResponse{Found: true, State: cp.State}, nil
}

// sleep implements the threshold decision. The boundary is inclusive
// on the defer side: duration >= T_defer defers.
func (s *Server) sleep(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.SleepRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode Sleep")
	}
	duration := time.Duration(req.DurationMS) * time.Millisecond

	if duration < s.cfg.SleepDeferThreshold {
		select {
		case <-time.After(duration):
		case <-ctx.Done():
			return nil, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, ctx.Err(), "sleep %s interrupted", req.InstanceID)
		}
		return protocol.SleepResponse{Deferred: false}, nil
	}

	if _, _, err := s.store.SaveCheckpoint(ctx, persistence.Checkpoint{
		InstanceID:   req.InstanceID,
		CheckpointID: req.CheckpointID,
		State:        req.State,
	}); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeCheckpointSaveFailed, err, "sleep checkpoint %s/%s", req.InstanceID, req.CheckpointID)
	}
	wakeAt := time.Now().Add(duration)
	if err := s.store.SetSleep(ctx, req.InstanceID, wakeAt); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "set sleep %s", req.InstanceID)
	}
	if err := s.store.AppendEvent(ctx, persistence.Event{InstanceID: req.InstanceID, Kind: persistence.EventSuspended}); err != nil {
		s.log.WithError(err).Warnf("coordinator: append suspended event for %s", req.InstanceID)
	}
	return protocol.SleepResponse{Deferred: true}, nil
}

// pollSignals mirrors the checkpoint piggyback but standalone: it does
// not consume the instance-level signal, only the custom one.
func (s *Server) pollSignals(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.PollSignalsRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode PollSignals")
	}

	sig, err := s.store.GetPendingSignal(ctx, req.InstanceID)
	if err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "poll pending signal %s", req.InstanceID)
	}
	resp := protocol.PollSignalsResponse{}
	if sig != nil {
		resp.PendingSignal = &protocol.PendingSignal{
			SignalType: string(sig.SignalType),
			Payload:    sig.Payload,
			CreatedAt:  sig.CreatedAt.UnixMilli(),
		}
	}
	if req.CheckpointID != nil {
		cs, err := s.store.TakeCustomSignal(ctx, req.InstanceID, *req.CheckpointID)
		if err != nil {
			return nil, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "poll custom signal %s/%s", req.InstanceID, *req.CheckpointID)
		}
		if cs != nil {
			resp.CustomSignal = &protocol.CustomSignal{Payload: cs.Payload, CreatedAt: cs.CreatedAt.UnixMilli()}
		}
	}
	return resp, nil
}

// ackSignal: acknowledged=true deletes the signal and, for cancel,
// transitions to cancelled; for pause, to suspended. A second cancel
// ack after the instance is already terminal is a no-op (persistence
// enforces terminal monotonicity, not this handler).
func (s *Server) ackSignal(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.AckSignalRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode AckSignal")
	}
	signalType := persistence.SignalType(req.SignalType)
	if err := s.store.AcknowledgeSignal(ctx, req.InstanceID, signalType, req.Acknowledged); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeSignalDeliveryFailed, err, "ack signal %s/%s", req.InstanceID, req.SignalType)
	}
	return protocol.AckSignalResponse{OK: true}, nil
}

func (s *Server) instanceEvent(ctx context.Context, env protocol.Envelope) error {
	var req protocol.InstanceEventRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode InstanceEvent")
	}
	occurredAt := time.UnixMilli(req.OccurredAt)
	if req.OccurredAt == 0 {
		occurredAt = time.Now()
	}
	if err := s.store.AppendEvent(ctx, persistence.Event{
		InstanceID: req.InstanceID,
		Kind:       persistence.EventKind(req.Kind),
		Payload:    req.Payload,
		OccurredAt: occurredAt,
	}); err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "append event %s", req.InstanceID)
	}
	return nil
}

func (s *Server) retryAttempt(ctx context.Context, env protocol.Envelope) error {
	var req protocol.RetryAttemptRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode RetryAttempt")
	}
	if err := s.store.SaveRetryAttempt(ctx, persistence.RetryAttempt{
		InstanceID:   req.InstanceID,
		CheckpointID: req.CheckpointID,
		Attempt:      req.Attempt,
		Error:        req.Error,
	}); err != nil {
		return runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "save retry attempt %s/%s", req.InstanceID, req.CheckpointID)
	}
	if err := s.store.AppendEvent(ctx, persistence.Event{InstanceID: req.InstanceID, Kind: persistence.EventRetryAttempted, Payload: []byte(req.CheckpointID)}); err != nil {
		s.log.WithError(err).Warnf("coordinator: append retry-attempted event for %s", req.InstanceID)
	}
	return nil
}

func (s *Server) getInstanceStatus(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.GetInstanceStatusRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode GetInstanceStatus")
	}
	inst, err := s.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "get instance %s", req.InstanceID)
	}
	if inst == nil {
		return nil, runtaraerr.New(runtaraerr.CodeInstanceNotFound, req.InstanceID)
	}
	resp := protocol.GetInstanceStatusResponse{
		InstanceID:       inst.InstanceID,
		TenantID:         inst.TenantID,
		Status:           string(inst.Status),
		LastCheckpointID: inst.LastCheckpointID,
		Attempt:          inst.Attempt,
		MaxAttempts:      inst.MaxAttempts,
		CreatedAt:        inst.CreatedAt.UnixMilli(),
		Output:           inst.Output,
		Error:            inst.Error,
	}
	if inst.StartedAt != nil {
		ms := inst.StartedAt.UnixMilli()
		resp.StartedAt = &ms
	}
	if inst.FinishedAt != nil {
		ms := inst.FinishedAt.UnixMilli()
		resp.FinishedAt = &ms
	}
	if inst.SleepUntil != nil {
		ms := inst.SleepUntil.UnixMilli()
		resp.SleepUntil = &ms
	}
	if inst.CompensationState != persistence.CompensationNone {
		state := string(inst.CompensationState)
		resp.CompensationState = &state
	}
	return resp, nil
}
