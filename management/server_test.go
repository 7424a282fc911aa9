package management

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/core/auth"
	"github.com/runtara/core/capability"
	"github.com/runtara/core/compensation"
	"github.com/runtara/core/environment"
	"github.com/runtara/core/environment/runner"
	"github.com/runtara/core/persistence"
	"github.com/runtara/core/persistence/memtest"
	"github.com/runtara/core/protocol"
	"github.com/runtara/core/telemetry"
)

func newTestServer(t *testing.T) (*Server, *auth.TokenIssuer, *memtest.Store) {
	t.Helper()
	dir := t.TempDir()
	store := memtest.New()
	log := telemetry.NewLogger("management-test")
	blobs := environment.NewBlobstore(dir)
	images := environment.NewImageRegistry(store, blobs, log)
	bundles := runner.NewBundleManager(dir+"/bundles", runner.DefaultBundleConfig())
	mgr := environment.NewManager(store, blobs, images, bundles, "localhost:8001", log, nil)
	mgr.WithRunner(persistence.RunnerNative, runner.NewMockRunner())

	registry := capability.NewRegistry()
	comp := compensation.New(store, registry, log, nil)

	key := []byte("test-signing-key")
	issuer := auth.NewTokenIssuer(key, time.Minute)
	verifier := auth.NewTokenVerifier(key)

	srv := New(store, mgr, registry, comp, verifier, log, nil)
	return srv, issuer, store
}

func TestHealthCheckNeedsNoAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	env := protocol.Envelope{RPC: protocol.RPCHealthCheck}
	resp, err := srv.dispatch(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, protocol.HealthCheckResponse{OK: true, Version: Version}, resp)
}

func TestRegisterImageRejectsMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, err := protocol.EncodeEnvelope(protocol.RPCRegisterImage, protocol.RegisterImageRequest{Name: "x"})
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(body)
	require.NoError(t, err)

	_, err = srv.dispatch(context.Background(), env)
	require.Error(t, err)
}

func TestStartAndListInstanceRoundTrip(t *testing.T) {
	srv, issuer, _ := newTestServer(t)
	ctx := context.Background()
	token, err := issuer.Issue("tenant-a")
	require.NoError(t, err)

	regBody, _ := protocol.EncodeEnvelope(protocol.RPCRegisterImage, protocol.RegisterImageRequest{
		Token: token, Name: "mgmt-img", Binary: []byte("#!/bin/true\n"), RunnerType: string(persistence.RunnerNative),
	})
	regEnv, _ := protocol.DecodeEnvelope(regBody)
	regResp, err := srv.dispatch(ctx, regEnv)
	require.NoError(t, err)
	imageID := regResp.(protocol.RegisterImageResponse).ImageID
	require.NotEmpty(t, imageID)

	startBody, _ := protocol.EncodeEnvelope(protocol.RPCStartInstance, protocol.StartInstanceRequest{
		Token: token, ImageID: imageID, InstanceID: "mgmt-inst-1",
	})
	startEnv, _ := protocol.DecodeEnvelope(startBody)
	startResp, err := srv.dispatch(ctx, startEnv)
	require.NoError(t, err)
	require.Equal(t, "mgmt-inst-1", startResp.(protocol.StartInstanceResponse).InstanceID)

	listBody, _ := protocol.EncodeEnvelope(protocol.RPCListInstances, protocol.ListInstancesRequest{Token: token})
	listEnv, _ := protocol.DecodeEnvelope(listBody)
	listResp, err := srv.dispatch(ctx, listEnv)
	require.NoError(t, err)
	instances := listResp.(protocol.ListInstancesResponse).Instances
	require.Len(t, instances, 1)
	require.Equal(t, "mgmt-inst-1", instances[0].InstanceID)
}
