package environment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runtara/core/persistence"
)

// TestReregisteredImageDoesNotAffectRunningInstance is scenario S6:
// re-registering (tenant, name) mints a new image_id, but an instance
// already launched from the old one keeps running against its
// originally-launched binary because resume resolves through the
// container registry, not the image name.
func TestReregisteredImageDoesNotAffectRunningInstance(t *testing.T) {
	ctx := context.Background()
	mgr, store, _ := newTestManager(t)

	original := []byte("#!/bin/true\noriginal\n")
	imgV1, err := mgr.images.RegisterImage(ctx, "t", "s:1", nil, original, persistence.RunnerNative)
	require.NoError(t, err)

	_, err = mgr.StartInstance(ctx, StartRequest{
		ImageName:  "s:1",
		TenantID:   "t",
		InstanceID: "ex-s6",
	})
	require.NoError(t, err)

	container, err := store.GetContainer(ctx, "ex-s6")
	require.NoError(t, err)
	require.Equal(t, imgV1.BinaryPath, container.BinaryPath)

	replacement := []byte("#!/bin/true\nreplacement\n")
	imgV2, err := mgr.images.RegisterImage(ctx, "t", "s:1", nil, replacement, persistence.RunnerNative)
	require.NoError(t, err)
	require.NotEqual(t, imgV1.ImageID, imgV2.ImageID)

	byName, err := mgr.images.GetImageByName(ctx, "t", "s:1")
	require.NoError(t, err)
	require.Equal(t, imgV2.ImageID, byName.ImageID)

	err = mgr.ResumeInstance(ctx, "ex-s6", nil)
	require.NoError(t, err)

	containerAfterResume, err := store.GetContainer(ctx, "ex-s6")
	require.NoError(t, err)
	require.Equal(t, imgV1.BinaryPath, containerAfterResume.BinaryPath,
		"resume must keep using the binary the instance originally launched, not the re-registered image")
}
