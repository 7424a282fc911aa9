package management

import (
	"context"

	"github.com/runtara/core/persistence"
	"github.com/runtara/core/protocol"
	"github.com/runtara/core/runtaraerr"
)

func (s *Server) listCheckpoints(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.ListCheckpointsRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode ListCheckpoints")
	}
	if _, err := s.authenticate(req.Token); err != nil {
		return nil, err
	}
	checkpoints, err := s.store.ListCheckpoints(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.CheckpointSummary, 0, len(checkpoints))
	for _, cp := range checkpoints {
		out = append(out, protocol.CheckpointSummary{
			CheckpointID:      cp.CheckpointID,
			CompensationOrder: int32(cp.CompensationOrder),
			CompensationState: string(cp.CompensationState),
			CreatedAt:         cp.CreatedAt.UnixMilli(),
		})
	}
	return protocol.ListCheckpointsResponse{Checkpoints: out}, nil
}

func (s *Server) listEvents(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.ListEventsRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode ListEvents")
	}
	if _, err := s.authenticate(req.Token); err != nil {
		return nil, err
	}
	filter := persistence.EventFilter{Limit: req.Limit}
	if req.Kind != "" {
		kind := persistence.EventKind(req.Kind)
		filter.Kind = &kind
	}
	events, err := s.store.ListEvents(ctx, req.InstanceID, filter)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.EventSummary, 0, len(events))
	for _, ev := range events {
		out = append(out, protocol.EventSummary{
			Kind:       string(ev.Kind),
			Payload:    ev.Payload,
			OccurredAt: ev.OccurredAt.UnixMilli(),
		})
	}
	return protocol.ListEventsResponse{Events: out}, nil
}

func (s *Server) getTenantMetrics(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.GetTenantMetricsRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode GetTenantMetrics")
	}
	tenantID, err := s.authenticate(req.Token)
	if err != nil {
		return nil, err
	}
	status := persistence.StatusRunning
	instances, err := s.store.ListInstances(ctx, persistence.InstanceFilter{TenantID: &tenantID, Status: &status})
	if err != nil {
		return nil, err
	}
	return protocol.GetTenantMetricsResponse{ActiveInstances: int32(len(instances))}, nil
}
