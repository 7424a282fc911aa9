package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RPC names the instance-facing and management-facing operations of
// §6. It is the inner discriminant of the two-level envelope: the
// frame's MessageType is the outer tag (request/response/error), RPC
// is the inner one naming which call this is.
type RPC string

const (
	RPCRegisterInstance   RPC = "RegisterInstance"
	RPCCheckpoint         RPC = "Checkpoint"
	RPCGetCheckpoint      RPC = "GetCheckpoint"
	RPCSleep              RPC = "Sleep"
	RPCPollSignals        RPC = "PollSignals"
	RPCAckSignal          RPC = "AckSignal"
	RPCInstanceEvent      RPC = "InstanceEvent"
	RPCRetryAttempt       RPC = "RetryAttempt"
	RPCGetInstanceStatus  RPC = "GetInstanceStatus"

	RPCRegisterImage      RPC = "RegisterImage"
	RPCListImages         RPC = "ListImages"
	RPCGetImage           RPC = "GetImage"
	RPCDeleteImage        RPC = "DeleteImage"
	RPCStartInstance      RPC = "StartInstance"
	RPCStopInstance       RPC = "StopInstance"
	RPCResumeInstance     RPC = "ResumeInstance"
	RPCListInstances      RPC = "ListInstances"
	RPCSendSignal         RPC = "SendSignal"
	RPCSendCustomSignal   RPC = "SendCustomSignal"
	RPCTestCapability     RPC = "TestCapability"
	RPCListAgents         RPC = "ListAgents"
	RPCGetCapability      RPC = "GetCapability"
	RPCListCheckpoints    RPC = "ListCheckpoints"
	RPCListEvents         RPC = "ListEvents"
	RPCGetTenantMetrics   RPC = "GetTenantMetrics"
	RPCHealthCheck        RPC = "HealthCheck"
)

// Envelope is the outer wrapper carried as the CBOR payload of every
// Request/Response frame: it names which RPC the inner, call-specific
// struct belongs to so a generic dispatcher can decode the tag before
// the body.
type Envelope struct {
	RPC  RPC             `cbor:"rpc"`
	Body cbor.RawMessage `cbor:"body"`
}

// ErrorBody is the payload of an Error frame (§6: "Error responses
// carry {code, message}").
type ErrorBody struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

// EncodeEnvelope CBOR-encodes rpc and body into a single Envelope.
func EncodeEnvelope(rpc RPC, body any) ([]byte, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode body for %s: %w", rpc, err)
	}
	return cbor.Marshal(Envelope{RPC: rpc, Body: raw})
}

// DecodeEnvelope extracts the RPC tag and raw body from payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return env, nil
}

// DecodeBody unmarshals an envelope's raw body into out.
func DecodeBody(env Envelope, out any) error {
	if err := cbor.Unmarshal(env.Body, out); err != nil {
		return fmt.Errorf("protocol: decode body for %s: %w", env.RPC, err)
	}
	return nil
}

// EncodeError CBOR-encodes an ErrorBody for an Error frame.
func EncodeError(code, message string) ([]byte, error) {
	return cbor.Marshal(ErrorBody{Code: code, Message: message})
}

// DecodeError decodes an Error frame's payload.
func DecodeError(payload []byte) (ErrorBody, error) {
	var body ErrorBody
	if err := cbor.Unmarshal(payload, &body); err != nil {
		return ErrorBody{}, fmt.Errorf("protocol: decode error body: %w", err)
	}
	return body, nil
}

// --- Instance-facing RPC bodies (§4.C) ---

type RegisterInstanceRequest struct {
	InstanceID   string  `cbor:"instance_id"`
	TenantID     string  `cbor:"tenant_id"`
	CheckpointID *string `cbor:"checkpoint_id,omitempty"`
}

type RegisterInstanceResponse struct {
	Status string `cbor:"status"`
}

type PendingSignal struct {
	SignalType string `cbor:"signal_type"`
	Payload    []byte `cbor:"payload"`
	CreatedAt  int64  `cbor:"created_at"`
}

type CustomSignal struct {
	Payload   []byte `cbor:"payload"`
	CreatedAt int64  `cbor:"created_at"`
}

type CheckpointRequest struct {
	InstanceID   string `cbor:"instance_id"`
	CheckpointID string `cbor:"checkpoint_id"`
	State        []byte `cbor:"state"`
}

type CheckpointResponse struct {
	Found         bool           `cbor:"found"`
	State         []byte         `cbor:"state"`
	PendingSignal *PendingSignal `cbor:"pending_signal,omitempty"`
	CustomSignal  *CustomSignal  `cbor:"custom_signal,omitempty"`
}

type GetCheckpointRequest struct {
	InstanceID   string `cbor:"instance_id"`
	CheckpointID string `cbor:"checkpoint_id"`
}

type GetCheckpointResponse struct {
	Found bool   `cbor:"found"`
	State []byte `cbor:"state"`
}

type SleepRequest struct {
	InstanceID   string `cbor:"instance_id"`
	DurationMS   int64  `cbor:"duration_ms"`
	CheckpointID string `cbor:"checkpoint_id"`
	State        []byte `cbor:"state"`
}

type SleepResponse struct {
	Deferred bool `cbor:"deferred"`
}

type PollSignalsRequest struct {
	InstanceID   string  `cbor:"instance_id"`
	CheckpointID *string `cbor:"checkpoint_id,omitempty"`
}

type PollSignalsResponse struct {
	PendingSignal *PendingSignal `cbor:"pending_signal,omitempty"`
	CustomSignal  *CustomSignal  `cbor:"custom_signal,omitempty"`
}

type AckSignalRequest struct {
	InstanceID   string `cbor:"instance_id"`
	SignalType   string `cbor:"signal_type"`
	Acknowledged bool   `cbor:"acknowledged"`
}

type AckSignalResponse struct {
	OK bool `cbor:"ok"`
}

type InstanceEventRequest struct {
	InstanceID string `cbor:"instance_id"`
	Kind       string `cbor:"kind"`
	Payload    []byte `cbor:"payload,omitempty"`
	OccurredAt int64  `cbor:"occurred_at"`
}

type RetryAttemptRequest struct {
	InstanceID   string  `cbor:"instance_id"`
	CheckpointID string  `cbor:"checkpoint_id"`
	Attempt      int32   `cbor:"attempt"`
	Error        *string `cbor:"error,omitempty"`
}

type GetInstanceStatusRequest struct {
	InstanceID string `cbor:"instance_id"`
}

type GetInstanceStatusResponse struct {
	InstanceID         string  `cbor:"instance_id"`
	TenantID           string  `cbor:"tenant_id"`
	Status             string  `cbor:"status"`
	LastCheckpointID   *string `cbor:"last_checkpoint_id,omitempty"`
	Attempt            int32   `cbor:"attempt"`
	MaxAttempts        int32   `cbor:"max_attempts"`
	CreatedAt          int64   `cbor:"created_at"`
	StartedAt          *int64  `cbor:"started_at,omitempty"`
	FinishedAt         *int64  `cbor:"finished_at,omitempty"`
	Output             []byte  `cbor:"output,omitempty"`
	Error              *string `cbor:"error,omitempty"`
	SleepUntil         *int64  `cbor:"sleep_until,omitempty"`
	CompensationState  *string `cbor:"compensation_state,omitempty"`
}

// --- Management-facing RPC bodies (§6) ---
//
// Every management request carries a bearer token; the management
// server verifies it before dispatch and fills TenantID from the
// verified claim rather than trusting a caller-supplied field.

type RegisterImageRequest struct {
	Token       string `cbor:"token"`
	Name        string `cbor:"name"`
	Description string `cbor:"description,omitempty"`
	Binary      []byte `cbor:"binary"`
	RunnerType  string `cbor:"runner_type"`
}

type RegisterImageResponse struct {
	ImageID string `cbor:"image_id"`
}

type ListImagesRequest struct {
	Token  string `cbor:"token"`
	Limit  int    `cbor:"limit,omitempty"`
	Offset int    `cbor:"offset,omitempty"`
}

type ImageSummary struct {
	ImageID    string `cbor:"image_id"`
	Name       string `cbor:"name"`
	RunnerType string `cbor:"runner_type"`
	CreatedAt  int64  `cbor:"created_at"`
}

type ListImagesResponse struct {
	Images []ImageSummary `cbor:"images"`
}

type GetImageRequest struct {
	Token   string `cbor:"token"`
	ImageID string `cbor:"image_id"`
}

type GetImageResponse struct {
	ImageID    string `cbor:"image_id"`
	Name       string `cbor:"name"`
	RunnerType string `cbor:"runner_type"`
	SHA256     string `cbor:"sha256,omitempty"`
	CreatedAt  int64  `cbor:"created_at"`
}

type DeleteImageRequest struct {
	Token   string `cbor:"token"`
	ImageID string `cbor:"image_id"`
}

type DeleteImageResponse struct {
	Deleted bool `cbor:"deleted"`
}

type StartInstanceRequest struct {
	Token      string            `cbor:"token"`
	ImageID    string            `cbor:"image_id,omitempty"`
	ImageName  string            `cbor:"image_name,omitempty"`
	InstanceID string            `cbor:"instance_id,omitempty"`
	Input      []byte            `cbor:"input,omitempty"`
	TimeoutSec *int              `cbor:"timeout_sec,omitempty"`
	Env        map[string]string `cbor:"env,omitempty"`
}

type StartInstanceResponse struct {
	InstanceID string `cbor:"instance_id"`
}

type StopInstanceRequest struct {
	Token        string `cbor:"token"`
	InstanceID   string `cbor:"instance_id"`
	Reason       string `cbor:"reason,omitempty"`
	GraceSeconds int    `cbor:"grace_seconds,omitempty"`
}

type StopInstanceResponse struct {
	OK bool `cbor:"ok"`
}

type ResumeInstanceRequest struct {
	Token      string `cbor:"token"`
	InstanceID string `cbor:"instance_id"`
}

type ResumeInstanceResponse struct {
	OK bool `cbor:"ok"`
}

type ListInstancesRequest struct {
	Token  string `cbor:"token"`
	Status string `cbor:"status,omitempty"`
	Limit  int    `cbor:"limit,omitempty"`
	Offset int    `cbor:"offset,omitempty"`
}

type InstanceSummary struct {
	InstanceID string `cbor:"instance_id"`
	Status     string `cbor:"status"`
	CreatedAt  int64  `cbor:"created_at"`
}

type ListInstancesResponse struct {
	Instances []InstanceSummary `cbor:"instances"`
}

type SendSignalRequest struct {
	Token      string `cbor:"token"`
	InstanceID string `cbor:"instance_id"`
	SignalType string `cbor:"signal_type"`
	Payload    []byte `cbor:"payload,omitempty"`
}

type SendSignalResponse struct {
	OK bool `cbor:"ok"`
}

type SendCustomSignalRequest struct {
	Token        string `cbor:"token"`
	InstanceID   string `cbor:"instance_id"`
	CheckpointID string `cbor:"checkpoint_id"`
	Payload      []byte `cbor:"payload"`
}

type SendCustomSignalResponse struct {
	OK bool `cbor:"ok"`
}

type TestCapabilityRequest struct {
	Token      string `cbor:"token"`
	Module     string `cbor:"module"`
	Capability string `cbor:"capability"`
	Input      []byte `cbor:"input"`
}

type TestCapabilityResponse struct {
	Output []byte `cbor:"output,omitempty"`
	Error  string `cbor:"error,omitempty"`
}

type ListAgentsRequest struct {
	Token string `cbor:"token"`
}

type AgentSummary struct {
	Module string `cbor:"module"`
}

type ListAgentsResponse struct {
	Agents []AgentSummary `cbor:"agents"`
}

type GetCapabilityRequest struct {
	Token      string `cbor:"token"`
	Module     string `cbor:"module"`
	Capability string `cbor:"capability"`
}

type GetCapabilityResponse struct {
	Found    bool   `cbor:"found"`
	Metadata []byte `cbor:"metadata,omitempty"`
}

type ListCheckpointsRequest struct {
	Token      string `cbor:"token"`
	InstanceID string `cbor:"instance_id"`
}

type CheckpointSummary struct {
	CheckpointID       string `cbor:"checkpoint_id"`
	CompensationOrder  int32  `cbor:"compensation_order"`
	CompensationState  string `cbor:"compensation_state,omitempty"`
	CreatedAt          int64  `cbor:"created_at"`
}

type ListCheckpointsResponse struct {
	Checkpoints []CheckpointSummary `cbor:"checkpoints"`
}

type ListEventsRequest struct {
	Token      string `cbor:"token"`
	InstanceID string `cbor:"instance_id"`
	Kind       string `cbor:"kind,omitempty"`
	Limit      int    `cbor:"limit,omitempty"`
	Offset     int    `cbor:"offset,omitempty"`
}

type EventSummary struct {
	Kind       string `cbor:"kind"`
	Payload    []byte `cbor:"payload,omitempty"`
	OccurredAt int64  `cbor:"occurred_at"`
}

type ListEventsResponse struct {
	Events []EventSummary `cbor:"events"`
}

type GetTenantMetricsRequest struct {
	Token string `cbor:"token"`
}

type GetTenantMetricsResponse struct {
	ActiveInstances int32 `cbor:"active_instances"`
}

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	OK      bool   `cbor:"ok"`
	Version string `cbor:"version,omitempty"`
}
