package environment

import (
	"context"
	"time"

	"github.com/runtara/core/environment/runner"
	"github.com/runtara/core/persistence"
	"github.com/runtara/core/telemetry"
)

// defaultPollInterval is how often the monitor checks a runner
// handle's liveness.
const defaultPollInterval = 500 * time.Millisecond

// Monitor polls one runner handle until it exits, then reconciles
// persistence from the result the runner reports. The container status
// is only changed while it is still 'running' (§8 Testable Property 8),
// and CompleteInstance leaves an already-terminal instance untouched.
// The coordinator's InstanceEvent handler only appends to the event
// log; it writes neither instance nor container status.
type Monitor struct {
	store        persistence.Persistence
	runner       runner.Runner
	log          *telemetry.Logger
	metric       *telemetry.Metrics
	pollInterval time.Duration
}

func NewMonitor(store persistence.Persistence, r runner.Runner, log *telemetry.Logger, metric *telemetry.Metrics) *Monitor {
	return &Monitor{store: store, runner: r, log: log, metric: metric, pollInterval: defaultPollInterval}
}

// Watch starts a background goroutine that polls handle until the
// runner reports it no longer running, then reconciles. Callers do
// not wait on it; it runs for the lifetime of the instance.
func (m *Monitor) Watch(ctx context.Context, instanceID string, handle runner.Handle, tenantID string) {
	go m.run(ctx, instanceID, handle, tenantID)
}

func (m *Monitor) run(ctx context.Context, instanceID string, handle runner.Handle, tenantID string) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.checkCancellation(ctx, instanceID, handle) {
			continue
		}

		running, err := m.runner.IsRunning(ctx, handle)
		if err != nil {
			m.log.WithError(err).WithField("instance_id", instanceID).Warnf("monitor: liveness check failed")
			continue
		}
		if running {
			continue
		}

		m.reconcile(ctx, instanceID, handle, tenantID)
		return
	}
}

// checkCancellation force-stops the container once a cancellation
// request's grace period has elapsed without the runtime's own poller
// having acknowledged it.
func (m *Monitor) checkCancellation(ctx context.Context, instanceID string, handle runner.Handle) bool {
	container, err := m.store.GetContainer(ctx, instanceID)
	if err != nil || container == nil || !container.CancelRequested {
		return false
	}
	grace := 5 * time.Second
	if container.CancelGraceSecs != nil {
		grace = time.Duration(*container.CancelGraceSecs) * time.Second
	}
	if time.Since(container.StatusUpdatedAt) < grace {
		return false
	}
	if err := m.runner.Stop(ctx, handle); err != nil {
		m.log.WithError(err).WithField("instance_id", instanceID).Warnf("monitor: force-stop failed")
	}
	return false
}

func (m *Monitor) reconcile(ctx context.Context, instanceID string, handle runner.Handle, tenantID string) {
	result, _, err := m.runner.CollectResult(ctx, handle)
	if err != nil {
		m.log.WithError(err).WithField("instance_id", instanceID).Warnf("monitor: collect result failed")
		return
	}

	status := persistence.ContainerCompleted
	if result.Error != nil {
		status = persistence.ContainerFailed
	}

	// Conditional update: a no-op if the container status has already
	// been moved off 'running' through SetContainerStatus.
	changed, err := m.store.SetContainerStatusIfRunning(ctx, instanceID, status)
	if err != nil {
		m.log.WithError(err).WithField("instance_id", instanceID).Warnf("monitor: status reconcile failed")
		return
	}
	if !changed {
		m.log.WithField("instance_id", instanceID).Debugf("monitor: instance already reported terminal status")
		if m.metric != nil {
			m.metric.ActiveInstances.WithLabelValues(tenantID).Dec()
		}
		return
	}

	instanceStatus := persistence.StatusCompleted
	if result.Error != nil {
		instanceStatus = persistence.StatusFailed
	}
	if err := m.store.CompleteInstance(ctx, instanceID, instanceStatus, result.Output, result.Error); err != nil {
		m.log.WithError(err).WithField("instance_id", instanceID).Warnf("monitor: complete instance failed")
	}
	if m.metric != nil {
		m.metric.ActiveInstances.WithLabelValues(tenantID).Dec()
	}
}
