package management

import (
	"context"

	"github.com/runtara/core/environment"
	"github.com/runtara/core/persistence"
	"github.com/runtara/core/protocol"
	"github.com/runtara/core/runtaraerr"
)

func (s *Server) startInstance(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.StartInstanceRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode StartInstance")
	}
	tenantID, err := s.authenticate(req.Token)
	if err != nil {
		return nil, err
	}
	inst, err := s.manager.StartInstance(ctx, environment.StartRequest{
		ImageID:    req.ImageID,
		ImageName:  req.ImageName,
		TenantID:   tenantID,
		InstanceID: req.InstanceID,
		Input:      req.Input,
		TimeoutSec: req.TimeoutSec,
		Env:        req.Env,
	})
	if err != nil {
		return nil, err
	}
	return protocol.StartInstanceResponse{InstanceID: inst.InstanceID}, nil
}

func (s *Server) stopInstance(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.StopInstanceRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode StopInstance")
	}
	if _, err := s.authenticate(req.Token); err != nil {
		return nil, err
	}
	grace := req.GraceSeconds
	if grace <= 0 {
		grace = 5
	}
	if err := s.manager.StopInstance(ctx, req.InstanceID, req.Reason, grace); err != nil {
		return nil, err
	}
	return protocol.StopInstanceResponse{OK: true}, nil
}

func (s *Server) resumeInstance(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.ResumeInstanceRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode ResumeInstance")
	}
	if _, err := s.authenticate(req.Token); err != nil {
		return nil, err
	}
	if err := s.manager.ResumeInstance(ctx, req.InstanceID, nil); err != nil {
		return nil, err
	}
	return protocol.ResumeInstanceResponse{OK: true}, nil
}

func (s *Server) listInstances(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.ListInstancesRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode ListInstances")
	}
	tenantID, err := s.authenticate(req.Token)
	if err != nil {
		return nil, err
	}
	filter := persistence.InstanceFilter{TenantID: &tenantID, Limit: req.Limit, Offset: req.Offset}
	if req.Status != "" {
		status := persistence.InstanceStatus(req.Status)
		filter.Status = &status
	}
	instances, err := s.store.ListInstances(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.InstanceSummary, 0, len(instances))
	for _, inst := range instances {
		out = append(out, protocol.InstanceSummary{
			InstanceID: inst.InstanceID,
			Status:     string(inst.Status),
			CreatedAt:  inst.CreatedAt.UnixMilli(),
		})
	}
	return protocol.ListInstancesResponse{Instances: out}, nil
}

func (s *Server) sendSignal(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.SendSignalRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode SendSignal")
	}
	if _, err := s.authenticate(req.Token); err != nil {
		return nil, err
	}
	if err := s.store.InsertSignal(ctx, req.InstanceID, persistence.SignalType(req.SignalType), req.Payload); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeSignalDeliveryFailed, err, "insert signal %s", req.InstanceID)
	}
	return protocol.SendSignalResponse{OK: true}, nil
}

func (s *Server) sendCustomSignal(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.SendCustomSignalRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode SendCustomSignal")
	}
	if _, err := s.authenticate(req.Token); err != nil {
		return nil, err
	}
	if err := s.store.InsertCustomSignal(ctx, req.InstanceID, req.CheckpointID, req.Payload); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeSignalDeliveryFailed, err, "insert custom signal %s", req.InstanceID)
	}
	return protocol.SendCustomSignalResponse{OK: true}, nil
}
