package environment

import (
	"context"
	"time"

	"github.com/runtara/core/persistence"
	"github.com/runtara/core/runtaraerr"
	"github.com/runtara/core/telemetry"
)

// ContainerRegistry exposes read access to container state for the
// management RPC surface and the periodic stale-container sweep.
// persistence.ContainerEntry is the only authority for "is this
// container still ours" (§3); this type adds no state of its own.
type ContainerRegistry struct {
	store persistence.Persistence
	log   *telemetry.Logger
}

func NewContainerRegistry(store persistence.Persistence, log *telemetry.Logger) *ContainerRegistry {
	return &ContainerRegistry{store: store, log: log}
}

func (r *ContainerRegistry) Get(ctx context.Context, instanceID string) (*persistence.ContainerEntry, error) {
	entry, err := r.store.GetContainer(ctx, instanceID)
	if err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "get container %s", instanceID)
	}
	if entry == nil {
		return nil, runtaraerr.New(runtaraerr.CodeInstanceNotFound, "no container registered for "+instanceID)
	}
	return entry, nil
}

func (r *ContainerRegistry) ListByTenant(ctx context.Context, tenantID string) ([]*persistence.ContainerEntry, error) {
	return r.store.ListContainersByTenant(ctx, tenantID)
}

// SweepStale removes container registry rows for containers whose
// heartbeat is older than maxAge, returning the number removed. Nothing
// in this repository schedules it; callers invoke it directly.
func (r *ContainerRegistry) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := r.store.CleanupStaleContainers(ctx, maxAge)
	if err != nil {
		return 0, runtaraerr.Wrap(runtaraerr.CodeDatabaseError, err, "sweep stale containers")
	}
	if n > 0 {
		r.log.WithField("count", n).Infof("swept stale containers")
	}
	return n, nil
}
