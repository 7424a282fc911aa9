package wake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/core/environment"
	"github.com/runtara/core/environment/runner"
	"github.com/runtara/core/persistence"
	"github.com/runtara/core/persistence/memtest"
	"github.com/runtara/core/telemetry"
)

func newTestScheduler(t *testing.T) (*Scheduler, *memtest.Store, *environment.Manager) {
	t.Helper()
	dir := t.TempDir()
	store := memtest.New()
	log := telemetry.NewLogger("wake-test")
	blobs := environment.NewBlobstore(dir)
	images := environment.NewImageRegistry(store, blobs, log)
	bundles := runner.NewBundleManager(dir+"/bundles", runner.DefaultBundleConfig())
	mgr := environment.NewManager(store, blobs, images, bundles, "localhost:8001", log, nil)
	mgr.WithRunner(persistence.RunnerNative, runner.NewMockRunner())

	sched := New(store, mgr, Config{PollInterval: time.Hour}, log, nil)
	return sched, store, mgr
}

func TestTickResumesDueSleepingInstance(t *testing.T) {
	ctx := context.Background()
	sched, store, mgr := newTestScheduler(t)

	binary := []byte("#!/bin/true\n")
	_, err := mgr.Images().RegisterImage(ctx, "t", "wk-a", nil, binary, persistence.RunnerNative)
	require.NoError(t, err)
	_, err = mgr.StartInstance(ctx, environment.StartRequest{
		ImageName:  "wk-a",
		TenantID:   "t",
		InstanceID: "wk-inst-1",
	})
	require.NoError(t, err)

	require.NoError(t, store.SetSleep(ctx, "wk-inst-1", time.Now().Add(-time.Minute)))

	sched.tick(ctx)

	inst, err := store.GetInstance(ctx, "wk-inst-1")
	require.NoError(t, err)
	require.Nil(t, inst.SleepUntil)
}

func TestTickIgnoresNotYetDueInstance(t *testing.T) {
	ctx := context.Background()
	sched, store, mgr := newTestScheduler(t)

	binary := []byte("#!/bin/true\n")
	_, err := mgr.Images().RegisterImage(ctx, "t", "wk-b", nil, binary, persistence.RunnerNative)
	require.NoError(t, err)
	_, err = mgr.StartInstance(ctx, environment.StartRequest{
		ImageName:  "wk-b",
		TenantID:   "t",
		InstanceID: "wk-inst-2",
	})
	require.NoError(t, err)

	require.NoError(t, store.SetSleep(ctx, "wk-inst-2", time.Now().Add(time.Hour)))

	sched.tick(ctx)

	inst, err := store.GetInstance(ctx, "wk-inst-2")
	require.NoError(t, err)
	require.NotNil(t, inst.SleepUntil)
}

func TestCollectDueEmptyWithoutStoreOrFallback(t *testing.T) {
	sched := &Scheduler{cfg: Config{BatchSize: 10}, log: telemetry.NewLogger("wake-test")}
	sched.fallback = nil
	ids := sched.collectDue(context.Background())
	require.Empty(t, ids)
}
