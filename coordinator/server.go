// Package coordinator serves the instance-facing RPCs (§4.C): the
// authoritative register/checkpoint/sleep/signal surface that running
// workflow instances talk to over the framed transport.
package coordinator

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/runtara/core/persistence"
	"github.com/runtara/core/protocol"
	"github.com/runtara/core/runtaraerr"
	"github.com/runtara/core/telemetry"
)

// replayCacheSize bounds the coordinator's in-memory checkpoint
// replay cache. Checkpoints are immutable once saved (first-writer-wins),
// so entries never need invalidation, only eviction.
const replayCacheSize = 4096

// Config tunes coordinator-wide policy knobs that are not per-request.
type Config struct {
	// SleepDeferThreshold is T_defer: sleeps shorter than this elapse
	// in-process; sleeps at or above it are deferred to the wake
	// scheduler. A global constant, not per-instance (open question
	// resolved in favor of simplicity — see DESIGN.md).
	SleepDeferThreshold time.Duration
}

// Server dispatches decoded envelopes from FramedStreams to the
// persistence layer. Stateless across streams per §4.A: all state
// lives in store.
type Server struct {
	store  persistence.Persistence
	cfg    Config
	log    *telemetry.Logger
	metric *telemetry.Metrics

	// replayCache fronts LoadCheckpoint for hot replay loops (a
	// relaunched instance re-walking checkpoints it already saved).
	replayCache *lru.Cache[string, *persistence.Checkpoint]
}

func New(store persistence.Persistence, cfg Config, log *telemetry.Logger, metrics *telemetry.Metrics) *Server {
	if cfg.SleepDeferThreshold <= 0 {
		cfg.SleepDeferThreshold = 30 * time.Second
	}
	cache, _ := lru.New[string, *persistence.Checkpoint](replayCacheSize)
	return &Server{store: store, cfg: cfg, log: log, metric: metrics, replayCache: cache}
}

func replayCacheKey(instanceID, checkpointID string) string {
	return instanceID + "/" + checkpointID
}

// Handle is a protocol.StreamHandler: it decodes exactly one envelope
// from the stream, dispatches by RPC name, and writes back a Response
// or Error frame.
func (s *Server) Handle(ctx context.Context, stream *protocol.FramedStream) {
	frame, err := stream.ReadFrame()
	if err != nil {
		if err != protocol.ErrConnectionClosed {
			s.log.WithError(err).Warnf("coordinator: read frame")
		}
		return
	}
	env, err := protocol.DecodeEnvelope(frame.Payload)
	if err != nil {
		s.log.WithError(err).Warnf("coordinator: decode envelope")
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
		s.log.WithField("rpc", env.RPC).WithError(rpcErr).Warnf("coordinator: rpc failed")
		payload, err := protocol.EncodeError(code, msg)
		if err != nil {
			s.log.WithError(err).Errorf("coordinator: encode error body")
			return
		}
		if err := stream.RespondError(payload); err != nil {
			s.log.WithError(err).Warnf("coordinator: write error frame")
		}
		return
	}

	// Fire-and-forget RPCs (InstanceEvent, RetryAttempt) return a nil
	// body and expect no response frame at all.
	if respBody == nil {
		return
	}
	payload, err := protocol.EncodeEnvelope(env.RPC, respBody)
	if err != nil {
		s.log.WithError(err).Errorf("coordinator: encode response body")
		return
	}
	if err := stream.Respond(payload); err != nil {
		s.log.WithError(err).Warnf("coordinator: write response frame")
	}
}

func errorParts(err error) (string, string) {
	var re *runtaraerr.Error
	if runtaraerr.As(err, &re) {
		return string(re.Code), re.Message
	}
	return string(runtaraerr.CodeDatabaseError), err.Error()
}

func (s *Server) dispatch(ctx context.Context, env protocol.Envelope) (any, error) {
	switch env.RPC {
	case protocol.RPCRegisterInstance:
		return s.registerInstance(ctx, env)
	case protocol.RPCCheckpoint:
		return s.checkpoint(ctx, env)
	case protocol.RPCGetCheckpoint:
		return s.getCheckpoint(ctx, env)
	case protocol.RPCSleep:
		return s.sleep(ctx, env)
	case protocol.RPCPollSignals:
		return s.pollSignals(ctx, env)
	case protocol.RPCAckSignal:
		return s.ackSignal(ctx, env)
	case protocol.RPCInstanceEvent:
		return nil, s.instanceEvent(ctx, env)
	case protocol.RPCRetryAttempt:
		return nil, s.retryAttempt(ctx, env)
	case protocol.RPCGetInstanceStatus:
		return s.getInstanceStatus(ctx, env)
	default:
		return nil, runtaraerr.New(runtaraerr.CodeValidationError, fmt.Sprintf("unknown rpc %q", env.RPC))
	}
}
