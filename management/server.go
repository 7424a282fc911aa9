// Package management serves the management-facing RPCs of §6: image
// registration, instance lifecycle control, signal delivery,
// capability introspection and tenant metrics, gated by the bearer
// token auth.TokenVerifier issues.
package management

import (
	"context"
	"fmt"
	"time"

	"github.com/runtara/core/auth"
	"github.com/runtara/core/capability"
	"github.com/runtara/core/compensation"
	"github.com/runtara/core/environment"
	"github.com/runtara/core/persistence"
	"github.com/runtara/core/protocol"
	"github.com/runtara/core/runtaraerr"
	"github.com/runtara/core/telemetry"
)

// Version is surfaced on HealthCheck responses.
const Version = "0.1.0"

// Server dispatches the management surface. Every handler except
// HealthCheck authenticates the caller's bearer token first and uses
// the verified tenant id rather than anything the caller claims.
type Server struct {
	store    persistence.Persistence
	manager  *environment.Manager
	registry *capability.Registry
	comp     *compensation.Engine
	verifier *auth.TokenVerifier
	log      *telemetry.Logger
	metric   *telemetry.Metrics
}

func New(store persistence.Persistence, manager *environment.Manager, registry *capability.Registry, comp *compensation.Engine, verifier *auth.TokenVerifier, log *telemetry.Logger, metric *telemetry.Metrics) *Server {
	return &Server{store: store, manager: manager, registry: registry, comp: comp, verifier: verifier, log: log, metric: metric}
}

// Handle is a protocol.StreamHandler, mirroring the instance
// coordinator's single-envelope-per-stream dispatch.
func (s *Server) Handle(ctx context.Context, stream *protocol.FramedStream) {
	frame, err := stream.ReadFrame()
	if err != nil {
		if err != protocol.ErrConnectionClosed {
			s.log.WithError(err).Warnf("management: read frame")
		}
		return
	}
	env, err := protocol.DecodeEnvelope(frame.Payload)
	if err != nil {
		s.log.WithError(err).Warnf("management: decode envelope")
		return
	}

	start := time.Now()
	respBody, rpcErr := s.dispatch(ctx, env)
	if s.metric != nil {
		outcome := "ok"
		if rpcErr != nil {
			outcome = "error"
		}
		s.metric.RPCLatency.WithLabelValues(string(env.RPC), outcome).Observe(time.Since(start).Seconds())
	}

	if rpcErr != nil {
		code, msg := errorParts(rpcErr)
		s.log.WithField("rpc", env.RPC).WithError(rpcErr).Warnf("management: rpc failed")
		payload, err := protocol.EncodeError(code, msg)
		if err != nil {
			s.log.WithError(err).Errorf("management: encode error body")
			return
		}
		if err := stream.RespondError(payload); err != nil {
			s.log.WithError(err).Warnf("management: write error frame")
		}
		return
	}

	payload, err := protocol.EncodeEnvelope(env.RPC, respBody)
	if err != nil {
		s.log.WithError(err).Errorf("management: encode response body")
		return
	}
	if err := stream.Respond(payload); err != nil {
		s.log.WithError(err).Warnf("management: write response frame")
	}
}

func errorParts(err error) (string, string) {
	var re *runtaraerr.Error
	if runtaraerr.As(err, &re) {
		return string(re.Code), re.Message
	}
	return string(runtaraerr.CodeDatabaseError), err.Error()
}

func (s *Server) authenticate(token string) (string, error) {
	if token == "" {
		return "", runtaraerr.New(runtaraerr.CodeUnauthenticated, "missing bearer token")
	}
	tenantID, err := s.verifier.Verify(token)
	if err != nil {
		return "", runtaraerr.Wrap(runtaraerr.CodeUnauthenticated, err, "verify bearer token")
	}
	return tenantID, nil
}

func (s *Server) dispatch(ctx context.Context, env protocol.Envelope) (any, error) {
	switch env.RPC {
	case protocol.RPCHealthCheck:
		return s.healthCheck(ctx, env)
	case protocol.RPCRegisterImage:
		return s.registerImage(ctx, env)
	case protocol.RPCListImages:
		return s.listImages(ctx, env)
	case protocol.RPCGetImage:
		return s.getImage(ctx, env)
	case protocol.RPCDeleteImage:
		return s.deleteImage(ctx, env)
	case protocol.RPCStartInstance:
		return s.startInstance(ctx, env)
	case protocol.RPCStopInstance:
		return s.stopInstance(ctx, env)
	case protocol.RPCResumeInstance:
		return s.resumeInstance(ctx, env)
	case protocol.RPCListInstances:
		return s.listInstances(ctx, env)
	case protocol.RPCSendSignal:
		return s.sendSignal(ctx, env)
	case protocol.RPCSendCustomSignal:
		return s.sendCustomSignal(ctx, env)
	case protocol.RPCTestCapability:
		return s.testCapability(ctx, env)
	case protocol.RPCListAgents:
		return s.listAgents(ctx, env)
	case protocol.RPCGetCapability:
		return s.getCapability(ctx, env)
	case protocol.RPCListCheckpoints:
		return s.listCheckpoints(ctx, env)
	case protocol.RPCListEvents:
		return s.listEvents(ctx, env)
	case protocol.RPCGetTenantMetrics:
		return s.getTenantMetrics(ctx, env)
	default:
		return nil, runtaraerr.New(runtaraerr.CodeValidationError, fmt.Sprintf("unknown rpc %q", env.RPC))
	}
}

func (s *Server) healthCheck(ctx context.Context, env protocol.Envelope) (any, error) {
	return protocol.HealthCheckResponse{OK: true, Version: Version}, nil
}
