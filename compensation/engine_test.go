package compensation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runtara/core/capability"
	"github.com/runtara/core/persistence"
	"github.com/runtara/core/persistence/memtest"
	"github.com/runtara/core/telemetry"
)

// TestCompensationOrderDescending mirrors §8 scenario S5: three
// sequential steps each register a compensation capability, the
// engine must invoke them in descending compensation_order.
func TestCompensationOrderDescending(t *testing.T) {
	ctx := context.Background()
	store := memtest.New()
	_, err := store.RegisterInstance(ctx, "ex1", "t", nil)
	require.NoError(t, err)

	var invoked []string
	reg := capability.NewRegistry()
	for _, step := range []string{"step1", "step2", "step3"} {
		s := step
		reg.Register(capability.Metadata{ModuleID: "undo", CapabilityID: s}, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			invoked = append(invoked, s)
			return nil, nil
		})
	}

	for _, step := range []string{"step1", "step2", "step3"} {
		cap := "undo/" + step
		_, _, err := store.SaveCheckpoint(ctx, persistence.Checkpoint{
			InstanceID:             "ex1",
			CheckpointID:           step,
			State:                  []byte("{}"),
			CompensationCapability: &cap,
		})
		require.NoError(t, err)
	}

	log := telemetry.NewLogger("compensation-test")
	engine := New(store, reg, log, nil)
	require.NoError(t, engine.Run(ctx, "ex1", "step2 failed"))

	require.Equal(t, []string{"step3", "step2", "step1"}, invoked)

	status, err := store.GetCompensationStatus(ctx, "ex1")
	require.NoError(t, err)
	require.Equal(t, persistence.CompensationCompleted, status.State)
	require.Equal(t, 3, status.TotalSteps)
	require.Equal(t, 3, status.CompletedSteps)
}

func TestCompensationMarksFailedWhenAnyStepFails(t *testing.T) {
	ctx := context.Background()
	store := memtest.New()
	_, err := store.RegisterInstance(ctx, "ex2", "t", nil)
	require.NoError(t, err)

	reg := capability.NewRegistry()
	reg.Register(capability.Metadata{ModuleID: "undo", CapabilityID: "ok"}, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	// "undo/missing" deliberately left unregistered to force a failure.

	okCap := "undo/ok"
	missingCap := "undo/missing"
	_, _, err = store.SaveCheckpoint(ctx, persistence.Checkpoint{InstanceID: "ex2", CheckpointID: "cp-1", CompensationCapability: &okCap})
	require.NoError(t, err)
	_, _, err = store.SaveCheckpoint(ctx, persistence.Checkpoint{InstanceID: "ex2", CheckpointID: "cp-2", CompensationCapability: &missingCap})
	require.NoError(t, err)

	log := telemetry.NewLogger("compensation-test")
	engine := New(store, reg, log, nil)
	require.NoError(t, engine.Run(ctx, "ex2", "boom"))

	status, err := store.GetCompensationStatus(ctx, "ex2")
	require.NoError(t, err)
	require.Equal(t, persistence.CompensationFailed, status.State)
	require.Equal(t, 1, status.FailedSteps)
}
