package management

import (
	"context"
	"encoding/json"

	"github.com/runtara/core/capability"
	"github.com/runtara/core/protocol"
	"github.com/runtara/core/runtaraerr"
)

func (s *Server) testCapability(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.TestCapabilityRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode TestCapability")
	}
	if _, err := s.authenticate(req.Token); err != nil {
		return nil, err
	}
	key := capability.Key{Module: req.Module, Capability: req.Capability}
	output, err := s.registry.Invoke(ctx, key, json.RawMessage(req.Input))
	if err != nil {
		return protocol.TestCapabilityResponse{Error: err.Error()}, nil
	}
	return protocol.TestCapabilityResponse{Output: output}, nil
}

func (s *Server) listAgents(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.ListAgentsRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode ListAgents")
	}
	if _, err := s.authenticate(req.Token); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var agents []protocol.AgentSummary
	for _, meta := range s.registry.List() {
		if seen[meta.ModuleID] {
			continue
		}
		seen[meta.ModuleID] = true
		agents = append(agents, protocol.AgentSummary{Module: meta.ModuleID})
	}
	return protocol.ListAgentsResponse{Agents: agents}, nil
}

func (s *Server) getCapability(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.GetCapabilityRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode GetCapability")
	}
	if _, err := s.authenticate(req.Token); err != nil {
		return nil, err
	}
	meta, _, ok := s.registry.Get(capability.Key{Module: req.Module, Capability: req.Capability})
	if !ok {
		return protocol.GetCapabilityResponse{Found: false}, nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeCapabilityError, err, "marshal capability metadata")
	}
	return protocol.GetCapabilityResponse{Found: true, Metadata: metaJSON}, nil
}
