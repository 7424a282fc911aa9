package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/core/persistence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckpointIdempotence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.RegisterInstance(ctx, "ex1", "t", nil)
	require.NoError(t, err)

	stored, existed, err := s.SaveCheckpoint(ctx, persistence.Checkpoint{InstanceID: "ex1", CheckpointID: "cp-1", State: []byte{0x01}})
	require.NoError(t, err)
	require.False(t, existed)
	require.Equal(t, []byte{0x01}, stored.State)

	stored2, existed2, err := s.SaveCheckpoint(ctx, persistence.Checkpoint{InstanceID: "ex1", CheckpointID: "cp-1", State: []byte{0x02}})
	require.NoError(t, err)
	require.True(t, existed2)
	require.Equal(t, []byte{0x01}, stored2.State)
}

func TestTerminalMonotonicity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.RegisterInstance(ctx, "ex1", "t", nil)
	require.NoError(t, err)
	require.NoError(t, s.CompleteInstance(ctx, "ex1", persistence.StatusCompleted, []byte("ok"), nil))

	err = s.UpdateInstanceStatus(ctx, "ex1", persistence.StatusRunning)
	require.Error(t, err)

	_, err = s.RegisterInstance(ctx, "ex1", "t", nil)
	require.Error(t, err)
}

func TestSignalPrecedence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.RegisterInstance(ctx, "ex1", "t", nil)
	require.NoError(t, err)

	require.NoError(t, s.InsertSignal(ctx, "ex1", persistence.SignalResume, nil))
	require.NoError(t, s.InsertSignal(ctx, "ex1", persistence.SignalCancel, nil))
	require.NoError(t, s.InsertSignal(ctx, "ex1", persistence.SignalResume, nil))

	sig, err := s.GetPendingSignal(ctx, "ex1")
	require.NoError(t, err)
	require.Equal(t, persistence.SignalCancel, sig.SignalType)
}

func TestAckSignalCancelTransitionsToCancelled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.RegisterInstance(ctx, "ex1", "t", nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertSignal(ctx, "ex1", persistence.SignalCancel, nil))
	require.NoError(t, s.AcknowledgeSignal(ctx, "ex1", persistence.SignalCancel, true))

	sig, err := s.GetPendingSignal(ctx, "ex1")
	require.NoError(t, err)
	require.Nil(t, sig)

	inst, err := s.GetInstance(ctx, "ex1")
	require.NoError(t, err)
	require.Equal(t, persistence.StatusCancelled, inst.Status)
}

func TestCustomSignalAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertCustomSignal(ctx, "ex1", "cp-wait", []byte(`{"ok":true}`)))

	sig, err := s.TakeCustomSignal(ctx, "ex1", "cp-wait")
	require.NoError(t, err)
	require.NotNil(t, sig)

	sig2, err := s.TakeCustomSignal(ctx, "ex1", "cp-wait")
	require.NoError(t, err)
	require.Nil(t, sig2)
}

func TestGetSleepingDue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.RegisterInstance(ctx, "ex1", "t", nil)
	require.NoError(t, err)
	require.NoError(t, s.SetSleep(ctx, "ex1", time.Now().Add(-time.Second)))

	due, err := s.GetSleepingDue(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "ex1", due[0].InstanceID)
}

func TestCompensationOrderDescending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.RegisterInstance(ctx, "ex1", "t", nil)
	require.NoError(t, err)

	cap1, cap2, cap3 := "undo1", "undo2", "undo3"
	_, _, err = s.SaveCheckpoint(ctx, persistence.Checkpoint{InstanceID: "ex1", CheckpointID: "cp-1", CompensationCapability: &cap1})
	require.NoError(t, err)
	_, _, err = s.SaveCheckpoint(ctx, persistence.Checkpoint{InstanceID: "ex1", CheckpointID: "cp-2", CompensationCapability: &cap2})
	require.NoError(t, err)
	_, _, err = s.SaveCheckpoint(ctx, persistence.Checkpoint{InstanceID: "ex1", CheckpointID: "cp-3", CompensationCapability: &cap3})
	require.NoError(t, err)

	ordered, err := s.GetCompensatableInReverseOrder(ctx, "ex1")
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	require.Equal(t, "cp-3", ordered[0].CheckpointID)
	require.Equal(t, "cp-2", ordered[1].CheckpointID)
	require.Equal(t, "cp-1", ordered[2].CheckpointID)
}

func TestMonitorNonClobber(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterContainer(ctx, persistence.ContainerEntry{InstanceID: "ex1", TenantID: "t"}))
	require.NoError(t, s.SetContainerStatus(ctx, "ex1", persistence.ContainerCompleted))

	wrote, err := s.SetContainerStatusIfRunning(ctx, "ex1", persistence.ContainerFailed)
	require.NoError(t, err)
	require.False(t, wrote)

	status, err := s.GetContainerStatus(ctx, "ex1")
	require.NoError(t, err)
	require.Equal(t, persistence.ContainerCompleted, status)
}

func TestImageUpsertIsKeyedOnTenantAndName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	img, err := s.UpsertImage(ctx, persistence.Image{TenantID: "t", Name: "billing-flow", BinaryPath: "/bin/a"})
	require.NoError(t, err)
	require.NotEmpty(t, img.ImageID)

	updated, err := s.UpsertImage(ctx, persistence.Image{TenantID: "t", Name: "billing-flow", BinaryPath: "/bin/b"})
	require.NoError(t, err)
	require.NotEqual(t, img.ImageID, updated.ImageID)

	fetched, err := s.GetImageByName(ctx, "t", "billing-flow")
	require.NoError(t, err)
	require.Equal(t, "/bin/b", fetched.BinaryPath)
}

func TestDeleteBatchCascadesContainerTables(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.RegisterInstance(ctx, "ex1", "t", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterContainer(ctx, persistence.ContainerEntry{InstanceID: "ex1", TenantID: "t"}))
	require.NoError(t, s.CompleteInstance(ctx, "ex1", persistence.StatusCompleted, nil, nil))

	n, err := s.DeleteBatch(ctx, []string{"ex1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	inst, err := s.GetInstance(ctx, "ex1")
	require.NoError(t, err)
	require.Nil(t, inst)

	_, err = s.GetContainerStatus(ctx, "ex1")
	require.Error(t, err)
}
