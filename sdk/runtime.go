package sdk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runtara/core/telemetry"
)

// Config tunes the runtime's background cadences. Heartbeat defaults
// to 30s; the cancellation poller runs at most half that, never
// slower, per §4.D.
type Config struct {
	InstanceID        string
	TenantID          string
	CheckpointID      *string
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
}

func (c Config) cancellationPollInterval() time.Duration {
	interval := c.HeartbeatInterval / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return interval
}

// Deferred is the sentinel durable_sleep returns when the sleep was
// deferred: the caller must propagate it up and let the process exit.
// Re-launch by the wake scheduler re-enters the same logical point and
// finds the checkpoint already saved.
var Deferred = fmt.Errorf("sdk: sleep deferred, process must exit")

// Runtime is the per-process singleton bound to one instance+tenant.
// No method takes mu: the public API and the background tasks
// (heartbeat, cancellation poller) call backend directly, so the
// background tasks cannot contend with a long-running workflow step
// (§5 resource sharing, §9 global SDK singleton note).
type Runtime struct {
	mu      sync.Mutex
	backend Backend
	cfg     Config
	log     *telemetry.Logger

	cancelled atomic.Bool
	cancelCtx context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New registers the instance and starts the heartbeat and
// cancellation-poller background tasks.
func New(ctx context.Context, backend Backend, cfg Config, log *telemetry.Logger) (*Runtime, error) {
	cfg.applyDefaults()
	if _, err := backend.RegisterInstance(ctx, cfg.InstanceID, cfg.TenantID, cfg.CheckpointID); err != nil {
		return nil, fmt.Errorf("sdk: register instance %s: %w", cfg.InstanceID, err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{backend: backend, cfg: cfg, log: log, cancelCtx: bgCtx, cancel: cancel}

	rt.wg.Add(2)
	go rt.heartbeatLoop()
	go rt.cancellationPollLoop()
	return rt, nil
}

// Cancelled reports whether the cancellation poller has observed a
// cancel signal. Workflow code checks this at checkpoint boundaries
// and in cancel-aware combinators racing long operations.
func (r *Runtime) Cancelled() bool { return r.cancelled.Load() }

// Shutdown stops the background tasks. Call once the workflow's
// top-level run loop returns (success, failure, or deferred sleep).
func (r *Runtime) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runtime) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.cancelCtx.Done():
			return
		case <-ticker.C:
			r.backend.InstanceEvent(r.cancelCtx, r.cfg.InstanceID, "heartbeat", nil)
		}
	}
}

func (r *Runtime) cancellationPollLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.cancellationPollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-r.cancelCtx.Done():
			return
		case <-ticker.C:
			pending, _, err := r.backend.PollSignals(r.cancelCtx, r.cfg.InstanceID, nil)
			if err != nil {
				r.log.WithError(err).Warnf("sdk: poll signals %s", r.cfg.InstanceID)
				continue
			}
			if pending == nil || pending.SignalType != "cancel" {
				continue
			}
			if !r.cancelled.CompareAndSwap(false, true) {
				continue
			}
			ackCtx, cancelAck := context.WithTimeout(r.cancelCtx, r.cfg.AckTimeout)
			if err := r.backend.AckSignal(ackCtx, r.cfg.InstanceID, "cancel", true); err != nil {
				r.log.WithError(err).Warnf("sdk: ack cancel %s", r.cfg.InstanceID)
			}
			cancelAck()
		}
	}
}

// RunCancelable races fn against the cancellation token, returning
// ctx.Err() if the token fires first. fn is expected to observe ctx
// cancellation itself; this combinator only shortens the caller's
// wait, it does not forcefully abort fn (§9: avoid forceful task
// abort — the workflow's checkpointed state matters).
func (r *Runtime) RunCancelable(ctx context.Context, fn func(ctx context.Context) error) error {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(raceCtx) }()

	ticker := time.NewTicker(r.cfg.cancellationPollInterval())
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if r.Cancelled() {
				cancel()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cacheKey derives the stable #[durable] cache key from a function
// name plus an idempotency argument, matching the runtime's
// save-on-success caching primitive (§4.D.1).
func cacheKey(functionName string, idempotencyArg any) (string, error) {
	raw, err := json.Marshal(idempotencyArg)
	if err != nil {
		return "", fmt.Errorf("sdk: marshal idempotency arg for %s: %w", functionName, err)
	}
	sum := sha256.Sum256(append([]byte(functionName+"\x00"), raw...))
	return functionName + "-" + hex.EncodeToString(sum[:8]), nil
}
