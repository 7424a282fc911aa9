// Package wake implements the background loop that relaunches
// suspended instances once their durable sleep expires (§4.E).
package wake

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/runtara/core/environment"
	"github.com/runtara/core/persistence"
	"github.com/runtara/core/telemetry"
)

const leaderElectionPrefix = "/runtara/wake-scheduler/leader"

// Config tunes the scheduler's tick cadence and batch cap.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

func (c Config) applyDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	return c
}

// Scheduler polls for sleeping instances past their wake_at and
// relaunches them. Shares the coordinator's persistence handle so the
// instances.sleep_until column is the single source of truth; the
// legacy EtcdWakeQueue is only consulted when store is nil.
type Scheduler struct {
	store    persistence.Persistence
	manager  *environment.Manager
	cfg      Config
	log      *telemetry.Logger
	metric   *telemetry.Metrics
	fallback *EtcdWakeQueue

	etcdClient *clientv3.Client
	session    *concurrency.Session
	mutex      *concurrency.Mutex
}

func New(store persistence.Persistence, manager *environment.Manager, cfg Config, log *telemetry.Logger, metric *telemetry.Metrics) *Scheduler {
	return &Scheduler{store: store, manager: manager, cfg: cfg.applyDefaults(), log: log, metric: metric}
}

// WithFallback installs the legacy etcd-backed wake queue, used when
// store is nil (environment manager deployed without a direct core
// persistence handle).
func (s *Scheduler) WithFallback(q *EtcdWakeQueue) *Scheduler {
	s.fallback = q
	return s
}

// WithLeaderElection makes Run only act while holding an etcd-backed
// lock, so a warm-standby scheduler can run alongside the active one
// without both relaunching the same instance.
func (s *Scheduler) WithLeaderElection(client *clientv3.Client) *Scheduler {
	s.etcdClient = client
	return s
}

// Run blocks, ticking every PollInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.etcdClient != nil {
		session, err := concurrency.NewSession(s.etcdClient, concurrency.WithTTL(15))
		if err != nil {
			return err
		}
		defer session.Close()
		s.session = session
		s.mutex = concurrency.NewMutex(session, leaderElectionPrefix)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.mutex != nil {
		lockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		acquired := s.mutex.TryLock(lockCtx) == nil
		cancel()
		if !acquired {
			return
		}
		defer func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.mutex.Unlock(unlockCtx); err != nil {
				s.log.WithError(err).Warnf("wake: release leader lock")
			}
		}()
	}

	due := s.collectDue(ctx)
	if s.metric != nil {
		s.metric.WakeBatchSize.Observe(float64(len(due)))
	}
	for _, instanceID := range due {
		s.resume(ctx, instanceID)
	}
}

// collectDue returns instance ids past their wake_at, preferring the
// authoritative persistence column and falling back to the legacy
// etcd queue only when no persistence handle is wired.
func (s *Scheduler) collectDue(ctx context.Context) []string {
	now := time.Now()
	if s.store != nil {
		instances, err := s.store.GetSleepingDue(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.log.WithError(err).Warnf("wake: query sleeping-due instances")
			return nil
		}
		ids := make([]string, 0, len(instances))
		for _, inst := range instances {
			ids = append(ids, inst.InstanceID)
		}
		return ids
	}

	if s.fallback == nil {
		return nil
	}
	entries, err := s.fallback.Due(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Warnf("wake: query legacy wake queue")
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.InstanceID)
	}
	return ids
}

func (s *Scheduler) resume(ctx context.Context, instanceID string) {
	if s.store != nil {
		if err := s.store.ClearSleep(ctx, instanceID); err != nil {
			s.log.WithError(err).WithField("instance_id", instanceID).Warnf("wake: clear sleep")
			return
		}
	} else if s.fallback != nil {
		if err := s.fallback.Remove(ctx, instanceID); err != nil {
			s.log.WithError(err).WithField("instance_id", instanceID).Warnf("wake: remove legacy entry")
		}
	}

	if s.store == nil {
		// Legacy fallback mode has no persistence handle to resolve the
		// instance's last checkpoint from; resuming needs a core
		// persistence connection either way.
		s.log.WithField("instance_id", instanceID).Warnf("wake: no persistence handle wired, cannot resume")
		return
	}

	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil || inst == nil {
		s.log.WithError(err).WithField("instance_id", instanceID).Warnf("wake: load instance for resume")
		return
	}

	// RegisterInstance's registration path transitions status back to
	// running once the relaunch reaches the replay point that matches
	// LastCheckpointID.
	if err := s.manager.ResumeInstance(ctx, instanceID, inst.LastCheckpointID); err != nil {
		s.log.WithError(err).WithField("instance_id", instanceID).Warnf("wake: resume instance")
		return
	}
	s.log.WithField("instance_id", instanceID).Infof("wake: resumed instance")
}
