package environment

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/core/environment/runner"
	"github.com/runtara/core/persistence"
	"github.com/runtara/core/persistence/memtest"
	"github.com/runtara/core/telemetry"
)

func newTestManager(t *testing.T) (*Manager, *memtest.Store, *runner.MockRunner) {
	t.Helper()
	dir := t.TempDir()
	store := memtest.New()
	blobs := NewBlobstore(dir)
	log := telemetry.NewLogger("environment-test")
	images := NewImageRegistry(store, blobs, log)
	bundles := runner.NewBundleManager(dir+"/bundles", runner.DefaultBundleConfig())
	mgr := NewManager(store, blobs, images, bundles, "localhost:8001", log, nil)

	mock := runner.NewMockRunner()
	mock.ExecutionDelay = 5 * time.Millisecond
	mgr.WithRunner(persistence.RunnerNative, mock)
	return mgr, store, mock
}

func TestStartInstanceLaunchesAndRegistersContainer(t *testing.T) {
	ctx := context.Background()
	mgr, store, _ := newTestManager(t)

	binary := []byte("#!/bin/true\n")
	img, err := mgr.images.RegisterImage(ctx, "t", "workflow-a", nil, binary, persistence.RunnerNative)
	require.NoError(t, err)

	_, statErr := os.Stat(img.BinaryPath)
	require.NoError(t, statErr)

	inst, err := mgr.StartInstance(ctx, StartRequest{
		ImageName:  "workflow-a",
		TenantID:   "t",
		InstanceID: "ex1",
		Input:      []byte(`{"n":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, "ex1", inst.InstanceID)

	container, err := store.GetContainer(ctx, "ex1")
	require.NoError(t, err)
	require.NotNil(t, container)
	require.Equal(t, persistence.ContainerRunning, container.Status)
}

func TestMonitorReconcilesOnExit(t *testing.T) {
	ctx := context.Background()
	mgr, store, mock := newTestManager(t)

	binary := []byte("#!/bin/true\n")
	_, err := mgr.images.RegisterImage(ctx, "t", "workflow-b", nil, binary, persistence.RunnerNative)
	require.NoError(t, err)

	_, err = mgr.StartInstance(ctx, StartRequest{
		ImageName:  "workflow-b",
		TenantID:   "t",
		InstanceID: "ex2",
	})
	require.NoError(t, err)

	mock.CompleteInstance("ex2", []byte(`{"ok":true}`))

	require.Eventually(t, func() bool {
		status, err := store.GetContainerStatus(ctx, "ex2")
		return err == nil && status == persistence.ContainerCompleted
	}, 2*time.Second, 10*time.Millisecond)

	inst, err := store.GetInstance(ctx, "ex2")
	require.NoError(t, err)
	require.Equal(t, persistence.StatusCompleted, inst.Status)
}

// TestMonitorDoesNotClobberAuthoritativeStatus is Testable Property 8
// at the environment/monitor level: once the runtime has reported a
// terminal status via its own event path, the monitor's exit
// observation must leave it untouched.
func TestMonitorDoesNotClobberAuthoritativeStatus(t *testing.T) {
	ctx := context.Background()
	mgr, store, mock := newTestManager(t)

	binary := []byte("#!/bin/true\n")
	_, err := mgr.images.RegisterImage(ctx, "t", "workflow-c", nil, binary, persistence.RunnerNative)
	require.NoError(t, err)

	_, err = mgr.StartInstance(ctx, StartRequest{
		ImageName:  "workflow-c",
		TenantID:   "t",
		InstanceID: "ex3",
	})
	require.NoError(t, err)

	changed, err := store.SetContainerStatusIfRunning(ctx, "ex3", persistence.ContainerCompleted)
	require.NoError(t, err)
	require.True(t, changed)

	mock.FailInstance("ex3", "boom")

	time.Sleep(700 * time.Millisecond)

	status, err := store.GetContainerStatus(ctx, "ex3")
	require.NoError(t, err)
	require.Equal(t, persistence.ContainerCompleted, status)
}
