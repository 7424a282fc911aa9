package sdk

import (
	"context"
	"time"

	"github.com/runtara/core/protocol"
	"github.com/runtara/core/telemetry"
)

// RemoteBackend drives the coordinator over one QUIC connection,
// opening a fresh stream per RPC (§4.A: one RPC per stream).
type RemoteBackend struct {
	client *protocol.Client
	log    *telemetry.Logger
}

func NewRemoteBackend(client *protocol.Client, log *telemetry.Logger) *RemoteBackend {
	return &RemoteBackend{client: client, log: log}
}

func (b *RemoteBackend) RegisterInstance(ctx context.Context, instanceID, tenantID string, checkpointID *string) (string, error) {
	var resp protocol.RegisterInstanceResponse
	req := protocol.RegisterInstanceRequest{InstanceID: instanceID, TenantID: tenantID, CheckpointID: checkpointID}
	if err := b.client.Call(ctx, protocol.RPCRegisterInstance, req, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (b *RemoteBackend) Checkpoint(ctx context.Context, instanceID, checkpointID string, state []byte) (CheckpointResult, error) {
	var resp protocol.CheckpointResponse
	req := protocol.CheckpointRequest{InstanceID: instanceID, CheckpointID: checkpointID, State: state}
	if err := b.client.Call(ctx, protocol.RPCCheckpoint, req, &resp); err != nil {
		return CheckpointResult{}, err
	}
	return CheckpointResult{
		Found:         resp.Found,
		State:         resp.State,
		PendingSignal: convertPending(resp.PendingSignal),
		CustomSignal:  convertCustom(resp.CustomSignal),
	}, nil
}

func (b *RemoteBackend) GetCheckpoint(ctx context.Context, instanceID, checkpointID string) (bool, []byte, error) {
	var resp protocol.GetCheckpointResponse
	req := protocol.GetCheckpointRequest{InstanceID: instanceID, CheckpointID: checkpointID}
	if err := b.client.Call(ctx, protocol.RPCGetCheckpoint, req, &resp); err != nil {
		return false, nil, err
	}
	return resp.Found, resp.State, nil
}

func (b *RemoteBackend) Sleep(ctx context.Context, instanceID string, duration int64, checkpointID string, state []byte) (bool, error) {
	var resp protocol.SleepResponse
	req := protocol.SleepRequest{InstanceID: instanceID, DurationMS: duration, CheckpointID: checkpointID, State: state}
	if err := b.client.Call(ctx, protocol.RPCSleep, req, &resp); err != nil {
		return false, err
	}
	return resp.Deferred, nil
}

func (b *RemoteBackend) PollSignals(ctx context.Context, instanceID string, checkpointID *string) (*PendingSignal, *CustomSignal, error) {
	var resp protocol.PollSignalsResponse
	req := protocol.PollSignalsRequest{InstanceID: instanceID, CheckpointID: checkpointID}
	if err := b.client.Call(ctx, protocol.RPCPollSignals, req, &resp); err != nil {
		return nil, nil, err
	}
	return convertPending(resp.PendingSignal), convertCustom(resp.CustomSignal), nil
}

func (b *RemoteBackend) AckSignal(ctx context.Context, instanceID, signalType string, acknowledged bool) error {
	var resp protocol.AckSignalResponse
	req := protocol.AckSignalRequest{InstanceID: instanceID, SignalType: signalType, Acknowledged: acknowledged}
	return b.client.Call(ctx, protocol.RPCAckSignal, req, &resp)
}

// InstanceEvent and RetryAttempt are fire-and-forget: the runtime
// never trusts event delivery for authoritative state, so a transport
// error here is logged, not propagated to workflow code.
func (b *RemoteBackend) InstanceEvent(ctx context.Context, instanceID, kind string, payload []byte) {
	req := protocol.InstanceEventRequest{InstanceID: instanceID, Kind: kind, Payload: payload, OccurredAt: time.Now().UnixMilli()}
	if err := b.client.CallFireAndForget(ctx, protocol.RPCInstanceEvent, req); err != nil {
		b.log.WithError(err).Warnf("sdk: instance event %s/%s dropped", instanceID, kind)
	}
}

func (b *RemoteBackend) RetryAttempt(ctx context.Context, instanceID, checkpointID string, attempt int32, errMsg *string) {
	req := protocol.RetryAttemptRequest{InstanceID: instanceID, CheckpointID: checkpointID, Attempt: attempt, Error: errMsg}
	if err := b.client.CallFireAndForget(ctx, protocol.RPCRetryAttempt, req); err != nil {
		b.log.WithError(err).Warnf("sdk: retry attempt %s/%s dropped", instanceID, checkpointID)
	}
}

func (b *RemoteBackend) Close() error { return b.client.Close() }

func convertPending(p *protocol.PendingSignal) *PendingSignal {
	if p == nil {
		return nil
	}
	return &PendingSignal{SignalType: p.SignalType, Payload: p.Payload}
}

func convertCustom(c *protocol.CustomSignal) *CustomSignal {
	if c == nil {
		return nil
	}
	return &CustomSignal{Payload: c.Payload}
}
