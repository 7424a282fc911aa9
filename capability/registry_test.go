package capability

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndInvoke(t *testing.T) {
	reg := NewRegistry()
	key := Key{Module: "http", Capability: "get"}
	reg.Register(Metadata{
		ModuleID:       "http",
		CapabilityID:   "get",
		Description:    "issues an HTTP GET",
		TransientCodes: map[string]bool{"TIMEOUT": true},
	}, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"status":200}`), nil
	})

	out, err := reg.Invoke(context.Background(), key, json.RawMessage(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"status":200}`, string(out))

	require.True(t, reg.IsTransient(key, "TIMEOUT"))
	require.False(t, reg.IsTransient(key, "AUTH_FAILED"))
}

func TestInvokeUnregisteredFails(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Invoke(context.Background(), Key{Module: "x", Capability: "y"}, nil)
	require.Error(t, err)
}

func TestListReturnsAllRegistered(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Metadata{ModuleID: "http", CapabilityID: "get"}, noop)
	reg.Register(Metadata{ModuleID: "sftp", CapabilityID: "put"}, noop)
	require.Len(t, reg.List(), 2)
}

func noop(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
