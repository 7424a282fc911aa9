package sdk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/core/persistence/memtest"
	"github.com/runtara/core/telemetry"
)

func newTestRuntime(t *testing.T, instanceID string) *Runtime {
	t.Helper()
	store := memtest.New()
	backend := NewEmbeddedBackend(store, telemetry.NewLogger("sdk-test"))
	rt, err := New(context.Background(), backend, Config{InstanceID: instanceID, TenantID: "t", HeartbeatInterval: time.Hour}, telemetry.NewLogger("sdk-test"))
	require.NoError(t, err)
	t.Cleanup(rt.Shutdown)
	return rt
}

func TestDurableCachesOnSecondCall(t *testing.T) {
	rt := newTestRuntime(t, "ex1")
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context) (string, error) {
		calls++
		return "computed", nil
	}

	out1, err := Durable(ctx, rt, "fetchThing", "arg-1", fn)
	require.NoError(t, err)
	require.Equal(t, "computed", out1)
	require.Equal(t, 1, calls)

	out2, err := Durable(ctx, rt, "fetchThing", "arg-1", fn)
	require.NoError(t, err)
	require.Equal(t, "computed", out2)
	require.Equal(t, 1, calls, "second call must not re-execute fn")
}

func TestDurableSleepDeferredSentinel(t *testing.T) {
	rt := newTestRuntime(t, "ex1")
	ctx := context.Background()

	err := rt.DurableSleep(ctx, 10*time.Millisecond, "cp-nap", nil)
	require.NoError(t, err)

	err = rt.DurableSleep(ctx, time.Hour, "cp-long", []byte("state"))
	require.True(t, errors.Is(err, Deferred))
}

func TestCustomSignalKeyFormat(t *testing.T) {
	require.Equal(t, "ex1/root/approval/[]", CustomSignalKey("ex1", "root", "approval", nil))
	require.Equal(t, "ex1/root/approval/[0,1]", CustomSignalKey("ex1", "root", "approval", []int{0, 1}))
}

func TestWaitForCustomSignalDeliversPayload(t *testing.T) {
	rt := newTestRuntime(t, "ex1")
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		key := CustomSignalKey("ex1", "root", "approval", nil)
		_ = rt.backend.(*EmbeddedBackend).store.InsertCustomSignal(ctx, "ex1", key, []byte(`{"ok":true}`))
	}()

	payload, err := rt.WaitForCustomSignal(ctx, "ex1", "root", "approval", nil, 5*time.Millisecond, time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"ok":true}`), payload)
}
