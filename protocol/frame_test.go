package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Type: MessageRequest, Payload: []byte("hello")}
	encoded, err := f.Encode()
	require.NoError(t, err)

	decoded, err := ReadFrame(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, f.Type, decoded.Type)
	require.Equal(t, f.Payload, decoded.Payload)
}

func TestFrameTooLarge(t *testing.T) {
	f := Frame{Type: MessageRequest, Payload: make([]byte, MaxFrameSize+1)}
	_, err := f.Encode()
	require.Error(t, err)
}

func TestReadFrameConnectionClosed(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	req := RegisterInstanceRequest{InstanceID: "ex1", TenantID: "t"}
	payload, err := EncodeEnvelope(RPCRegisterInstance, req)
	require.NoError(t, err)

	env, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	require.Equal(t, RPCRegisterInstance, env.RPC)

	var decoded RegisterInstanceRequest
	require.NoError(t, DecodeBody(env, &decoded))
	require.Equal(t, req, decoded)
}

func TestErrorBodyRoundTrip(t *testing.T) {
	payload, err := EncodeError("INSTANCE_NOT_FOUND", "no such instance")
	require.NoError(t, err)
	body, err := DecodeError(payload)
	require.NoError(t, err)
	require.Equal(t, "INSTANCE_NOT_FOUND", body.Code)
	require.Equal(t, "no such instance", body.Message)
}

func TestFramedStreamRequestRespond(t *testing.T) {
	var buf bytes.Buffer
	fs := NewFramedStream(&loopback{&buf})

	payload, err := EncodeEnvelope(RPCHealthCheck, struct{}{})
	require.NoError(t, err)
	require.NoError(t, fs.WriteFrame(Frame{Type: MessageRequest, Payload: payload}))

	got, err := fs.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, MessageRequest, got.Type)
}

// loopback lets a single bytes.Buffer satisfy io.ReadWriter for tests.
type loopback struct {
	buf *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.buf.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.buf.Write(p) }
