package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/core/persistence"
	"github.com/runtara/core/persistence/memtest"
	"github.com/runtara/core/protocol"
	"github.com/runtara/core/telemetry"
)

func newTestServer(t *testing.T, threshold time.Duration) (*Server, persistence.Persistence) {
	t.Helper()
	store := memtest.New()
	srv := New(store, Config{SleepDeferThreshold: threshold}, telemetry.NewLogger("coordinator-test"), nil)
	return srv, store
}

func call[T any](t *testing.T, srv *Server, rpc protocol.RPC, body any) T {
	t.Helper()
	env := protocol.Envelope{RPC: rpc}
	raw, err := protocol.EncodeEnvelope(rpc, body)
	require.NoError(t, err)
	decoded, err := protocol.DecodeEnvelope(raw)
	require.NoError(t, err)
	env = decoded

	resp, err := srv.dispatch(context.Background(), env)
	require.NoError(t, err)
	var out T
	if resp == nil {
		return out
	}
	out, ok := resp.(T)
	require.True(t, ok, "unexpected response type %T", resp)
	return out
}

// S1: replay after re-registration must see the first-written bytes.
func TestScenarioReplayDeterminism(t *testing.T) {
	srv, _ := newTestServer(t, 30*time.Second)

	call[protocol.RegisterInstanceResponse](t, srv, protocol.RPCRegisterInstance, protocol.RegisterInstanceRequest{
		InstanceID: "ex1", TenantID: "t",
	})
	call[protocol.CheckpointResponse](t, srv, protocol.RPCCheckpoint, protocol.CheckpointRequest{
		InstanceID: "ex1", CheckpointID: "cp-1", State: []byte{0x01},
	})

	cpID := "cp-1"
	call[protocol.RegisterInstanceResponse](t, srv, protocol.RPCRegisterInstance, protocol.RegisterInstanceRequest{
		InstanceID: "ex1", TenantID: "t", CheckpointID: &cpID,
	})
	resp := call[protocol.CheckpointResponse](t, srv, protocol.RPCCheckpoint, protocol.CheckpointRequest{
		InstanceID: "ex1", CheckpointID: "cp-1", State: []byte{0x02},
	})
	require.True(t, resp.Found)
	require.Equal(t, []byte{0x01}, resp.State)
}

// S2: cancel signal observed via poll, then acked, transitions to cancelled.
func TestScenarioCancelFlow(t *testing.T) {
	srv, store := newTestServer(t, 30*time.Second)
	call[protocol.RegisterInstanceResponse](t, srv, protocol.RPCRegisterInstance, protocol.RegisterInstanceRequest{
		InstanceID: "ex1", TenantID: "t",
	})

	require.NoError(t, store.InsertSignal(context.Background(), "ex1", persistence.SignalCancel, nil))

	poll := call[protocol.PollSignalsResponse](t, srv, protocol.RPCPollSignals, protocol.PollSignalsRequest{InstanceID: "ex1"})
	require.NotNil(t, poll.PendingSignal)
	require.Equal(t, "cancel", poll.PendingSignal.SignalType)

	ack := call[protocol.AckSignalResponse](t, srv, protocol.RPCAckSignal, protocol.AckSignalRequest{
		InstanceID: "ex1", SignalType: "cancel", Acknowledged: true,
	})
	require.True(t, ack.OK)

	status := call[protocol.GetInstanceStatusResponse](t, srv, protocol.RPCGetInstanceStatus, protocol.GetInstanceStatusRequest{InstanceID: "ex1"})
	require.Equal(t, "cancelled", status.Status)
}

// S3: sleep below threshold elapses in-process; at/above defers and
// persists the checkpoint + wake state.
func TestScenarioSleepThresholdBoundary(t *testing.T) {
	srv, store := newTestServer(t, 200*time.Millisecond)
	call[protocol.RegisterInstanceResponse](t, srv, protocol.RPCRegisterInstance, protocol.RegisterInstanceRequest{
		InstanceID: "ex1", TenantID: "t",
	})

	start := time.Now()
	short := call[protocol.SleepResponse](t, srv, protocol.RPCSleep, protocol.SleepRequest{
		InstanceID: "ex1", DurationMS: 100, CheckpointID: "cp-nap",
	})
	require.False(t, short.Deferred)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	long := call[protocol.SleepResponse](t, srv, protocol.RPCSleep, protocol.SleepRequest{
		InstanceID: "ex1", DurationMS: 200, CheckpointID: "cp-long", State: []byte("state"),
	})
	require.True(t, long.Deferred)

	cp, err := store.LoadCheckpoint(context.Background(), "ex1", "cp-long")
	require.NoError(t, err)
	require.Equal(t, []byte("state"), cp.State)

	inst, err := store.GetInstance(context.Background(), "ex1")
	require.NoError(t, err)
	require.Equal(t, persistence.StatusSuspended, inst.Status)
	require.NotNil(t, inst.SleepUntil)
}

// Testable property 6: a custom signal observed by Checkpoint is
// consumed; a subsequent Checkpoint sees none.
func TestCustomSignalConsumedByCheckpoint(t *testing.T) {
	srv, store := newTestServer(t, 30*time.Second)
	call[protocol.RegisterInstanceResponse](t, srv, protocol.RPCRegisterInstance, protocol.RegisterInstanceRequest{
		InstanceID: "ex1", TenantID: "t",
	})
	require.NoError(t, store.InsertCustomSignal(context.Background(), "ex1", "cp-wait", []byte(`{"ok":true}`)))

	resp := call[protocol.CheckpointResponse](t, srv, protocol.RPCCheckpoint, protocol.CheckpointRequest{
		InstanceID: "ex1", CheckpointID: "cp-wait", State: []byte{0x01},
	})
	require.NotNil(t, resp.CustomSignal)
	require.Equal(t, []byte(`{"ok":true}`), resp.CustomSignal.Payload)

	resp2 := call[protocol.CheckpointResponse](t, srv, protocol.RPCCheckpoint, protocol.CheckpointRequest{
		InstanceID: "ex1", CheckpointID: "cp-wait", State: []byte{0x01},
	})
	require.Nil(t, resp2.CustomSignal)
}
